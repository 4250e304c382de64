// Package compare implements the archive comparator: it cross-checks a
// release's binary distributions against its source distribution, detects
// the declared build backend, and scans wheels for native modules.
package compare

import (
	"fmt"
	"sort"
	"strings"

	"github.com/a-h/honesty/archive"
	"github.com/pelletier/go-toml/v2"
)

// Result bitmask values, as exposed to callers through the check exit code.
// Bit 0 is reserved for fatal index/network errors, reported through the
// error path rather than the mask.
const (
	NoSdist  = 8
	Missing  = 2
	Mismatch = 4
)

// ArtifactDiagnostic groups the wheels/eggs that produced an identical set
// of diagnostic messages, so a release with ten wheels all missing the same
// file reports once rather than ten times.
type ArtifactDiagnostic struct {
	Artifacts []string
	Messages  []string
}

// contentPattern captures the full content of each archive; dist-info and
// egg-info metadata directories are excluded from the wheel side below
// since the sdist never carries them.
var contentPattern = []string{"*"}

// CrossCheck hashes sdistPath (with its top-level directory stripped) and
// every entry in wheelPaths (keyed by basename, not stripped), then reports
// which logical paths present in each wheel are missing from, or diverge
// from, the sdist.
func CrossCheck(r *archive.Reader, sdistPath string, wheelPaths map[string]string) (bitmask int, diagnostics []ArtifactDiagnostic, err error) {
	if sdistPath == "" {
		return NoSdist, nil, nil
	}
	if len(wheelPaths) == 0 {
		return 0, nil, nil
	}

	sdistHashes, err := r.Hashes(sdistPath, contentPattern, true)
	if err != nil {
		return 0, nil, fmt.Errorf("hashing sdist %s: %w", sdistPath, err)
	}

	messageGroups := map[string][]string{}
	var order []string

	for basename, path := range wheelPaths {
		wheelHashes, err := r.Hashes(path, contentPattern, false)
		if err != nil {
			return 0, nil, fmt.Errorf("hashing %s: %w", basename, err)
		}

		var msgs []string
		for logical, hash := range wheelHashes {
			if isMetadataPath(logical) {
				continue
			}
			sdistHash, present := sdistHashes[logical]
			if !present {
				bitmask |= Missing
				msgs = append(msgs, fmt.Sprintf("missing from sdist: %s", logical))
				continue
			}
			if sdistHash != hash {
				bitmask |= Mismatch
				msgs = append(msgs, fmt.Sprintf("hash mismatch: %s", logical))
			}
		}
		sort.Strings(msgs)

		key := strings.Join(msgs, "\n")
		if _, ok := messageGroups[key]; !ok {
			order = append(order, key)
		}
		messageGroups[key] = append(messageGroups[key], basename)
	}

	for _, key := range order {
		artifacts := messageGroups[key]
		sort.Strings(artifacts)
		var msgs []string
		if key != "" {
			msgs = strings.Split(key, "\n")
		}
		diagnostics = append(diagnostics, ArtifactDiagnostic{Artifacts: artifacts, Messages: msgs})
	}

	return bitmask, diagnostics, nil
}

// isMetadataPath excludes the packaging metadata directories a wheel or egg
// carries that an sdist never does, so they're never reported missing.
func isMetadataPath(logical string) bool {
	return strings.Contains(logical, ".dist-info/") ||
		strings.Contains(logical, ".egg-info/") ||
		strings.Contains(logical, "EGG-INFO/")
}

// pyprojectDoc is the subset of pyproject.toml this scan needs.
type pyprojectDoc struct {
	BuildSystem struct {
		BuildBackend string `toml:"build-backend"`
	} `toml:"build-system"`
}

// NoPyprojectToml is returned (as a string result, not an error) when an
// sdist carries no pyproject.toml at all.
const NoPyprojectToml = "no-pyproject-toml"

// DetectBuildBackend extracts pyproject.toml from sdistPath and returns its
// declared build-system.build-backend, or NoPyprojectToml if absent.
func DetectBuildBackend(r *archive.Reader, sdistPath string) (string, error) {
	data, _, err := r.ReadFirstMatch(sdistPath, "pyproject.toml", true)
	if err != nil {
		return NoPyprojectToml, nil
	}
	var doc pyprojectDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parsing pyproject.toml from %s: %w", sdistPath, err)
	}
	if doc.BuildSystem.BuildBackend == "" {
		return NoPyprojectToml, nil
	}
	return doc.BuildSystem.BuildBackend, nil
}

// HasNativeModules reports whether wheelPath contains a compiled native
// extension module.
func HasNativeModules(r *archive.Reader, wheelPath string) (bool, error) {
	entries, err := r.ExtractAndGetNames(wheelPath, []string{"*.so", "*.dll", "*.pyd"}, false)
	if err != nil {
		return false, fmt.Errorf("scanning %s for native modules: %w", wheelPath, err)
	}
	return len(entries) > 0, nil
}
