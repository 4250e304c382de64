package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-h/honesty/archive"
	"github.com/a-h/honesty/cache"
	"github.com/a-h/honesty/cmd/globals"
	"github.com/a-h/honesty/compare"
	"github.com/a-h/honesty/depwalker"
	"github.com/a-h/honesty/markers"
	"github.com/a-h/honesty/pypiindex"
	"github.com/a-h/honesty/requirement"
	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
)

type CLI struct {
	globals.Globals
	Version VersionCmd `cmd:"" help:"Show version information"`
	List    ListCmd    `cmd:"" help:"List the releases and files of a package"`
	Deps    DepsCmd    `cmd:"" help:"Walk the transitive dependencies of requirements"`
	Check   CheckCmd   `cmd:"" help:"Audit a release's binary distributions against its source distribution"`
}

var Version = "dev"

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *globals.Globals) error {
	fmt.Printf("%s", Version)
	return nil
}

// IndexFlags are the index/cache flags shared by every network-touching
// subcommand.
type IndexFlags struct {
	IndexURL     string `help:"Simple index base URL" default:"https://pypi.org/simple/" env:"HONESTY_INDEX_URL"`
	JSONIndexURL string `help:"JSON index base URL" default:"https://pypi.org/pypi/" env:"HONESTY_JSON_INDEX_URL"`
	CacheDir     string `help:"Cache root directory" env:"HONESTY_CACHE"`
	ExtDir       string `help:"Archive extraction root directory" env:"HONESTY_EXTDIR"`
}

func newLogger(globals *globals.Globals) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if globals.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// build constructs the shared cache and extraction layers. The HTTP client's
// connection pool is sized to the caller's parallelism so concurrent index
// fetches and artifact downloads don't thrash connections.
func (f IndexFlags) build(log *slog.Logger, parallelism int) (*cache.Cache, *archive.Reader, *http.Client, error) {
	cacheDir := f.CacheDir
	if cacheDir == "" {
		var err error
		cacheDir, err = cache.DefaultCacheRoot()
		if err != nil {
			return nil, nil, nil, err
		}
	}
	extDir := f.ExtDir
	if extDir == "" {
		extDir = filepath.Join(filepath.Dir(cacheDir), filepath.Base(cacheDir)+"-ext")
	}
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        parallelism * 2,
			MaxIdleConnsPerHost: parallelism,
		},
	}
	c := cache.New(log, cacheDir, f.IndexURL, client)
	c.SetJSONIndexURL(f.JSONIndexURL)
	return c, archive.New(log, extDir), client, nil
}

func fetchPackage(ctx context.Context, c *cache.Cache, name string) (*pypiindex.Package, error) {
	canonical := pypiindex.Canonicalize(name)
	path, err := c.FetchIndexJSON(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("fetching index for %s: %w", canonical, err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cached index for %s: %w", canonical, err)
	}
	return pypiindex.ParseJSON(canonical, name, body, false)
}

type ListCmd struct {
	IndexFlags
	Package string `arg:"" help:"Package name"`
}

func (cmd *ListCmd) Run(globals *globals.Globals) error {
	log := newLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, _, _, err := cmd.build(log, 4)
	if err != nil {
		return err
	}
	pkg, err := fetchPackage(ctx, c, cmd.Package)
	if err != nil {
		return err
	}
	for _, r := range pkg.Releases() {
		fmt.Printf("%s\n", r.VersionString)
		for _, f := range r.Files {
			size := "unknown size"
			if f.Size > 0 {
				size = humanize.Bytes(uint64(f.Size))
			}
			uploaded := ""
			if f.HasUploadTime {
				uploaded = " " + f.UploadTime.Format(time.RFC3339)
			}
			fmt.Printf("  %-13s %s (%s)%s\n", f.Kind, f.Basename, size, uploaded)
		}
	}
	return nil
}

type DepsCmd struct {
	IndexFlags
	Requirements     []string `arg:"" optional:"" help:"Requirement strings, e.g. 'requests[socks]>=2.0'"`
	RequirementsFile []string `help:"Read additional requirements from these requirements.txt files (globs allowed)"`
	PythonVersion    string   `help:"Interpreter version to resolve against" default:"3.11.4"`
	SysPlatform      string   `help:"Platform to resolve against (linux, darwin or win32)" default:"linux"`
	Flat             bool     `help:"Print a postorder flat list instead of a tree"`
	AllExtras        bool     `help:"Resolve every extra of every dependency"`
	TrimNewer        string   `help:"Ignore releases uploaded after this date (YYYY-MM-DD or RFC 3339)"`
	Have             []string `help:"name==version pairs treated as already installed"`
	Parallelism      int      `help:"Worker pool size" default:"24"`
}

func (cmd *DepsCmd) Run(globals *globals.Globals) error {
	log := newLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	roots := append([]string(nil), cmd.Requirements...)
	if len(cmd.RequirementsFile) > 0 {
		fromFiles, err := requirement.NamesFromGlobs(cmd.RequirementsFile)
		if err != nil {
			return err
		}
		roots = append(roots, fromFiles...)
	}
	if len(roots) == 0 {
		return fmt.Errorf("no requirements given")
	}

	env, err := markers.NewEnvironment(cmd.PythonVersion, cmd.SysPlatform)
	if err != nil {
		return err
	}

	c, ar, client, err := cmd.build(log, cmd.Parallelism)
	if err != nil {
		return err
	}

	cfg := depwalker.Config{
		Log:        log,
		Cache:      c,
		Archive:    ar,
		HTTPClient: client,
		Env:        env,
		PoolSize:   cmd.Parallelism,
		AllExtras:  cmd.AllExtras,
	}
	if cmd.TrimNewer != "" {
		cutoff, err := parseCutoff(cmd.TrimNewer)
		if err != nil {
			return err
		}
		cfg.TrimNewer = cutoff
		cfg.HasTrimNewer = true
	}
	if len(cmd.Have) > 0 {
		have := map[string]string{}
		for _, h := range cmd.Have {
			name, ver, ok := strings.Cut(h, "==")
			if !ok {
				return fmt.Errorf("--have %q: expected name==version", h)
			}
			have[pypiindex.Canonicalize(name)] = ver
		}
		cfg.CurrentVersions = func(name string) (string, bool) {
			v, ok := have[name]
			return v, ok
		}
	}

	w := depwalker.New(cfg)
	root, err := w.Walk(ctx, roots)
	if err != nil {
		return err
	}

	if cmd.Flat {
		depwalker.PrintFlat(os.Stdout, root)
	} else {
		depwalker.PrintTree(os.Stdout, root)
	}
	for _, conflict := range w.Conflicts() {
		log.Warn("version conflict", slog.String("package", conflict.Name), slog.String("from", conflict.From), slog.String("to", conflict.To))
	}
	return nil
}

func parseCutoff(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

type CheckCmd struct {
	IndexFlags
	Package string `arg:"" help:"Package name"`
	Version string `arg:"" optional:"" help:"Version to audit (defaults to the latest release)"`
}

func (cmd *CheckCmd) Run(globals *globals.Globals) error {
	log := newLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, ar, _, err := cmd.build(log, 4)
	if err != nil {
		return err
	}
	pkg, err := fetchPackage(ctx, c, cmd.Package)
	if err != nil {
		return err
	}

	var release *pypiindex.Release
	if cmd.Version != "" {
		r, ok := pkg.Release(cmd.Version)
		if !ok {
			return fmt.Errorf("%s has no release %s", pkg.Name, cmd.Version)
		}
		release = r
	} else {
		releases := pkg.Releases()
		if len(releases) == 0 {
			return fmt.Errorf("%s has no releases with files", pkg.Name)
		}
		release = releases[len(releases)-1]
	}

	report, err := compare.CheckRelease(ctx, log, c, ar, pkg, release)
	if err != nil {
		return err
	}

	fmt.Printf("%s==%s\n", pkg.Name, report.Version)
	fmt.Printf("  build backend: %s\n", report.BuildBackend)
	fmt.Printf("  native modules: %v\n", report.HasNativeModules)
	if report.Bitmask&compare.NoSdist != 0 {
		fmt.Printf("  no sdist present\n")
	}
	for _, d := range report.Diagnostics {
		if len(d.Messages) == 0 {
			fmt.Printf("  ok: %s\n", strings.Join(d.Artifacts, ", "))
			continue
		}
		fmt.Printf("  %s:\n", strings.Join(d.Artifacts, ", "))
		for _, m := range d.Messages {
			fmt.Printf("    %s\n", m)
		}
	}

	if report.Bitmask != 0 {
		return &exitError{code: report.Bitmask}
	}
	return nil
}

// exitError carries the comparator bitmask to the process exit code without
// printing a redundant error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func main() {
	cli := CLI{
		Globals: globals.Globals{},
	}

	ctx := kong.Parse(&cli,
		kong.Name("honesty"),
		kong.Description("Audit a package index: dependency graphs, sdist/bdist divergence, build backends and native modules"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	ctx.FatalIfErrorf(err)
}
