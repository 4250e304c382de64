// Package globals holds the flags shared by every honesty subcommand.
package globals

// Globals is embedded into the top-level CLI struct and bound into kong's
// Run, so every subcommand's Run method receives it as its argument.
type Globals struct {
	Verbose bool `help:"Enable verbose (debug) logging." short:"v"`
}
