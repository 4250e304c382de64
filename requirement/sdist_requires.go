package requirement

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ConvertSdistRequires turns the legacy setuptools requires.txt format into
// standard PEP 508 requirement strings. Section headers set a running
// marker context applied to every following line until the next header:
//
//	[name]          -> marker context "extra == 'name'"
//	[]              -> marker context "extra == ''"
//	[:expr]         -> marker context "expr" verbatim
//	[extra:expr]    -> marker context "(expr) and extra == 'extra'"
func ConvertSdistRequires(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var out []string
	context := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			var err error
			context, err = sectionMarker(line[1 : len(line)-1])
			if err != nil {
				return nil, fmt.Errorf("parsing requires.txt section %q: %w", line, err)
			}
			continue
		}
		if context != "" {
			out = append(out, line+" ; "+context)
		} else {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading requires.txt: %w", err)
	}
	return out, nil
}

func sectionMarker(header string) (string, error) {
	if idx := strings.IndexByte(header, ':'); idx >= 0 {
		extra, expr := header[:idx], header[idx+1:]
		if extra == "" {
			return expr, nil
		}
		return fmt.Sprintf("(%s) and extra == '%s'", expr, extra), nil
	}
	return fmt.Sprintf("extra == '%s'", header), nil
}

// NamesFromFile scans a requirements.txt-style file (one requirement per
// line, '#' comments, blank lines ignored) and returns the requirement
// strings found, supplementing CLI-supplied roots for `deps
// --requirements-file`.
func NamesFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var out []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading requirements file %s: %w", path, err)
	}
	return out, nil
}

// NamesFromGlobs expands each glob pattern and scans every matching file
// with NamesFromFile, concatenating the results in file-match order.
func NamesFromGlobs(patterns []string) ([]string, error) {
	var out []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding glob %q: %w", pattern, err)
		}
		for _, path := range matches {
			names, err := NamesFromFile(path)
			if err != nil {
				return nil, err
			}
			out = append(out, names...)
		}
	}
	return out, nil
}
