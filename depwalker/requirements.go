package depwalker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/a-h/honesty/cache"
	"github.com/a-h/honesty/pypiindex"
	"github.com/a-h/honesty/requirement"
)

// ErrMissingArtifact is returned when a chosen version exposes neither a
// wheel nor an sdist to read requirements from.
var ErrMissingArtifact = errors.New("depwalker: no wheel or sdist for the chosen version")

// fetchRequirements discovers the requirement strings of a chosen (package,
// release). A nil release means the version is a caller-installed one that
// the index doesn't publish, which by definition contributes no new edges.
// An inline JSON-sourced requires list is used verbatim when present; then a
// wheel's METADATA is preferred (read remotely for large wheels, via the
// cache otherwise); an sdist's requires.txt is the legacy fallback.
func (w *Walker) fetchRequirements(ctx context.Context, pkg *pypiindex.Package, release *pypiindex.Release) ([]string, error) {
	if release == nil {
		return nil, nil
	}
	if release.Requires != nil {
		return release.Requires, nil
	}

	// Different wheels of one release can carry different deps; like the
	// file ordering, taking the first is arbitrary but deterministic.
	for _, f := range release.Files {
		if f.Kind != pypiindex.BDIST_WHEEL {
			continue
		}
		if f.Size > wheelRemoteThreshold {
			w.cfg.Log.Debug("reading wheel metadata remotely", slog.String("pkg", pkg.Name), slog.String("wheel", f.Basename), slog.Int64("size", f.Size))
			wheelURL, err := w.cfg.Cache.ResolveURL(pkg.Name, f.URL)
			if err != nil {
				return nil, err
			}
			data, err := cache.FetchWheelMetadataRemote(ctx, w.cfg.HTTPClient, wheelURL)
			if err != nil {
				return nil, fmt.Errorf("reading remote metadata of %s: %w", f.Basename, err)
			}
			return parseRequiresDist(data), nil
		}
		path, err := w.cfg.Cache.FetchArtifact(ctx, pkg.Name, f.URL, f.Basename)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", f.Basename, err)
		}
		data, _, err := w.cfg.Archive.ReadFirstMatch(path, "*/METADATA", false)
		if err != nil {
			return nil, fmt.Errorf("reading metadata of %s: %w", f.Basename, err)
		}
		return parseRequiresDist(data), nil
	}

	if f, ok := pypiindex.PickSdist(release.Files); ok {
		path, err := w.cfg.Cache.FetchArtifact(ctx, pkg.Name, f.URL, f.Basename)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", f.Basename, err)
		}
		return w.readSdistRequires(path)
	}

	return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, pkg.Name)
}

// readSdistRequires locates the shallowest */requires.txt in an sdist (depth
// at most 2, to skip test fixtures nested deep inside the archive) and
// converts its section-header form into standard requirement strings. An
// sdist with no requires.txt at all has no declared dependencies.
func (w *Walker) readSdistRequires(path string) ([]string, error) {
	entries, err := w.cfg.Archive.ExtractAndGetNames(path, []string{"*/requires.txt"}, false)
	if err != nil {
		return nil, fmt.Errorf("scanning %s for requires.txt: %w", path, err)
	}
	var names []string
	for _, e := range entries {
		if strings.Count(e.RelPath, "/") <= 2 {
			names = append(names, e.RelPath)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) < len(names[j]) })

	data, _, err := w.cfg.Archive.ReadMember(path, names[0])
	if err != nil {
		return nil, err
	}
	reqs, err := requirement.ConvertSdistRequires(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", names[0], err)
	}
	return reqs, nil
}

// parseRequiresDist extracts the Requires-Dist header values from a wheel's
// METADATA file. Headers end at the first blank line; the description body
// that follows can legally contain lines that look like headers.
func parseRequiresDist(metadata []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(metadata))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if rest, ok := strings.CutPrefix(line, "Requires-Dist:"); ok {
			out = append(out, strings.TrimSpace(rest))
		}
	}
	return out
}
