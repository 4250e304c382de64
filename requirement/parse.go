// Package requirement parses the PEP 508 requirement-string grammar:
// name[extras] specifier-set? ; marker?
package requirement

import (
	"fmt"
	"sort"
	"strings"
	"text/scanner"
	"unicode"

	"github.com/a-h/honesty/markers"
	"github.com/a-h/honesty/pypiindex"
	version "github.com/aquasecurity/go-pep440-version"
)

// Requirement is a parsed dependency: a canonicalised name, a set of
// extras, a specifier set and an optional marker. The original-cased name
// is preserved for display only.
type Requirement struct {
	Name            string // canonical
	OriginalName    string
	Extras          []string
	Specifiers      version.Specifiers
	SpecifierString string
	Marker          markers.Marker
	MarkerString    string
}

func identRune(ch rune, i int) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) ||
		((ch == '-' || ch == '_' || ch == '.') && i > 0)
}

func newScanner(s string) *scanner.Scanner {
	sc := &scanner.Scanner{}
	sc.Init(strings.NewReader(s))
	sc.Mode = scanner.ScanIdents
	sc.Whitespace = 1<<'\t' | 1<<' '
	sc.IsIdentRune = identRune
	return sc
}

func skipSpace(sc *scanner.Scanner) {
	for sc.Whitespace&(1<<uint(sc.Peek())) != 0 {
		sc.Next()
	}
}

// Parse parses a single requirement string, delegating specifier and
// version semantics to go-pep440-version.
func Parse(s string) (*Requirement, error) {
	main, markerString, hasMarker := splitMarker(s)
	main = strings.TrimSpace(main)

	sc := newScanner(main)
	if sc.Scan() == scanner.EOF {
		return nil, fmt.Errorf("requirement: expected a package name, got EOF in %q", s)
	}
	name := sc.TokenText()
	skipSpace(sc)

	var extras []string
	if sc.Peek() == '[' {
		var err error
		extras, err = scanExtras(sc)
		if err != nil {
			return nil, fmt.Errorf("requirement: %q: %w", s, err)
		}
	}
	skipSpace(sc)

	// Whatever remains of main (after the scanner's current rune position)
	// is the specifier set, bare or parenthesised.
	rest := strings.TrimSpace(remainder(main, sc))
	rest = strings.TrimPrefix(rest, "(")
	rest = strings.TrimSuffix(rest, ")")
	rest = strings.TrimSpace(rest)

	var specs version.Specifiers
	if rest != "" {
		var err error
		specs, err = version.NewSpecifiers(rest)
		if err != nil {
			return nil, fmt.Errorf("requirement: %q: invalid specifier %q: %w", s, rest, err)
		}
	}

	req := &Requirement{
		Name:            pypiindex.Canonicalize(name),
		OriginalName:    name,
		Extras:          extras,
		Specifiers:      specs,
		SpecifierString: rest,
	}

	if hasMarker {
		markerString = strings.TrimSpace(markerString)
		m, err := markers.Parse(markerString)
		if err != nil {
			return nil, fmt.Errorf("requirement: %q: invalid marker %q: %w", s, markerString, err)
		}
		req.Marker = m
		req.MarkerString = markerString
	}

	return req, nil
}

// splitMarker splits on the first top-level ';' (markers never nest inside
// a specifier set, which uses only parentheses and commas).
func splitMarker(s string) (main, marker string, hasMarker bool) {
	idx := strings.IndexByte(s, ';')
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

func scanExtras(sc *scanner.Scanner) ([]string, error) {
	sc.Next() // consume '['
	var extras []string
	for {
		skipSpace(sc)
		if sc.Scan() == scanner.EOF {
			return nil, fmt.Errorf("expected extras identifier, got EOF")
		}
		extras = append(extras, sc.TokenText())
		skipSpace(sc)
		switch sc.Peek() {
		case ']':
			sc.Next()
			sort.Strings(extras)
			return extras, nil
		case ',':
			sc.Next()
		default:
			return nil, fmt.Errorf("expected ',' or ']' in extras list, got %q", string(rune(sc.Peek())))
		}
	}
}

// remainder returns the unscanned tail of main from the scanner's current
// position onward. text/scanner exposes position via Pos().Offset after a
// Scan/Next call that consumed up to (but not including) the current rune.
func remainder(main string, sc *scanner.Scanner) string {
	// sc.Pos().Offset is the offset of the next rune to be read, which is
	// exactly the scanner's current cursor after the Scan/Peek calls above.
	off := sc.Pos().Offset
	if off > len(main) {
		off = len(main)
	}
	return main[off:]
}

// String renders the requirement back to its canonical textual form.
func (r *Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.OriginalName)
	if len(r.Extras) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteString("]")
	}
	if r.SpecifierString != "" {
		b.WriteString(" ")
		b.WriteString(r.SpecifierString)
	}
	if r.MarkerString != "" {
		b.WriteString(" ; ")
		b.WriteString(r.MarkerString)
	}
	return b.String()
}

// HasExtra reports whether name is among this requirement's extras.
func (r *Requirement) HasExtra(name string) bool {
	for _, e := range r.Extras {
		if e == name {
			return true
		}
	}
	return false
}
