package compare

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-h/honesty/archive"
	"github.com/a-h/honesty/cache"
	"github.com/a-h/honesty/pypiindex"
)

// Report is the outcome of auditing one release: the cross-distribution
// bitmask and its grouped diagnostics, the declared build backend, and
// whether the release's first wheel carries native modules.
type Report struct {
	Version          string
	Bitmask          int
	Diagnostics      []ArtifactDiagnostic
	BuildBackend     string
	HasNativeModules bool
}

// CheckRelease fetches a release's source and binary distributions through
// the cache and runs the three comparator scans over them. An sdist-only
// release passes the cross-check trivially; a release with no sdist reports
// the NoSdist bit and skips the sdist-dependent scans.
func CheckRelease(ctx context.Context, log *slog.Logger, c *cache.Cache, r *archive.Reader, pkg *pypiindex.Package, release *pypiindex.Release) (Report, error) {
	report := Report{Version: release.VersionString, BuildBackend: NoPyprojectToml}

	sdistPath := ""
	if sdist, ok := pypiindex.PickSdist(release.Files); ok {
		path, err := c.FetchArtifact(ctx, pkg.Name, sdist.URL, sdist.Basename)
		if err != nil {
			return report, fmt.Errorf("fetching sdist %s: %w", sdist.Basename, err)
		}
		sdistPath = path
	}

	wheelPaths := map[string]string{}
	firstWheel := ""
	for _, f := range release.Files {
		if f.Kind != pypiindex.BDIST_WHEEL && f.Kind != pypiindex.BDIST_EGG {
			continue
		}
		log.Debug("fetching binary distribution", slog.String("pkg", pkg.Name), slog.String("file", f.Basename))
		path, err := c.FetchArtifact(ctx, pkg.Name, f.URL, f.Basename)
		if err != nil {
			return report, fmt.Errorf("fetching %s: %w", f.Basename, err)
		}
		wheelPaths[f.Basename] = path
		if firstWheel == "" && f.Kind == pypiindex.BDIST_WHEEL {
			firstWheel = path
		}
	}

	bitmask, diagnostics, err := CrossCheck(r, sdistPath, wheelPaths)
	if err != nil {
		return report, fmt.Errorf("cross-checking %s==%s: %w", pkg.Name, release.VersionString, err)
	}
	report.Bitmask = bitmask
	report.Diagnostics = diagnostics

	if sdistPath != "" {
		backend, err := DetectBuildBackend(r, sdistPath)
		if err != nil {
			return report, err
		}
		report.BuildBackend = backend
	}

	if firstWheel != "" {
		native, err := HasNativeModules(r, firstWheel)
		if err != nil {
			return report, err
		}
		report.HasNativeModules = native
	}

	return report, nil
}
