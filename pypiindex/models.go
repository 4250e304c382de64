// Package pypiindex normalises the two shapes a package index publishes a
// project's release history in, the Simple HTML listing and the JSON
// release document, into one canonical model of packages, releases and
// files, inferring file kind and version from the basename when no
// authoritative metadata is carried.
package pypiindex

import (
	"sort"
	"strings"
	"time"

	version "github.com/aquasecurity/go-pep440-version"
)

// FileKind tags the distribution format of a File.
type FileKind int

const (
	UNKNOWN FileKind = iota
	SDIST
	BDIST_DMG
	BDIST_DUMB
	BDIST_EGG
	BDIST_MSI
	BDIST_RPM
	BDIST_WHEEL
	BDIST_WININST
)

func (k FileKind) String() string {
	switch k {
	case SDIST:
		return "sdist"
	case BDIST_DMG:
		return "bdist_dmg"
	case BDIST_DUMB:
		return "bdist_dumb"
	case BDIST_EGG:
		return "bdist_egg"
	case BDIST_MSI:
		return "bdist_msi"
	case BDIST_RPM:
		return "bdist_rpm"
	case BDIST_WHEEL:
		return "bdist_wheel"
	case BDIST_WININST:
		return "bdist_wininst"
	default:
		return "unknown"
	}
}

// File is one distributable artifact belonging to a Release.
type File struct {
	URL            string
	Basename       string
	Checksum       string // "algorithm=hex"
	Kind           FileKind
	Version        string
	RequiresPython string // optional specifier, e.g. ">=3.6"
	Size           int64  // 0 when unknown
	UploadTime     time.Time
	HasUploadTime  bool
}

// Release is a single published version of a Package.
type Release struct {
	VersionString string
	Version       version.Version
	Yanked        bool
	Files         []File
	// Requires is populated only from JSON sources that report a per-release
	// aggregate requirement list; nil otherwise.
	Requires []string
}

// Package is identified by its canonical name and holds an ordered mapping
// from parsed version to Release. Created by the index parser; never
// mutated after construction.
type Package struct {
	Name        string // canonical name
	DisplayName string // original-cased name, display only
	releases    map[string]*Release
	order       []string // version strings in ascending version order
	Requires    []string // optional aggregate requirement list
	HomepageURL string
	ProjectURLs map[string]string
}

// NewPackage constructs an empty Package ready to have releases added via
// AddRelease. Ordering is applied when Releases or Versions is called.
func NewPackage(canonicalName, displayName string) *Package {
	return &Package{
		Name:        canonicalName,
		DisplayName: displayName,
		releases:    map[string]*Release{},
	}
}

// AddRelease inserts or replaces a release, keyed by its original version
// string (two releases that normalise to the same parsed version but differ
// in original spelling are kept distinct, matching upstream index behaviour).
func (p *Package) AddRelease(r *Release) {
	if _, exists := p.releases[r.VersionString]; !exists {
		p.order = append(p.order, r.VersionString)
	}
	p.releases[r.VersionString] = r
}

// Release looks up a release by its original version string.
func (p *Package) Release(versionString string) (*Release, bool) {
	r, ok := p.releases[versionString]
	return r, ok
}

// Releases returns releases dropping any with no files (pre-warehouse
// entries), in ascending version order, and sorts each release's file list
// by (kind, basename) for deterministic output.
func (p *Package) Releases() []*Release {
	out := make([]*Release, 0, len(p.order))
	for _, v := range p.order {
		r := p.releases[v]
		if len(r.Files) == 0 {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version.LessThan(out[j].Version)
	})
	for _, r := range out {
		sortFiles(r.Files)
	}
	return out
}

// Versions returns the release map's version strings in ascending order,
// including empty releases (unlike Releases).
func (p *Package) Versions() []string {
	out := append([]string(nil), p.order...)
	sort.Slice(out, func(i, j int) bool {
		return p.releases[out[i]].Version.LessThan(p.releases[out[j]].Version)
	})
	return out
}

// PickSdist chooses among a release's source distributions, preferring
// .tar.gz over .zip when a project publishes both.
func PickSdist(files []File) (File, bool) {
	var best File
	found := false
	for _, f := range files {
		if f.Kind != SDIST {
			continue
		}
		if !found || sdistPreference(f.Basename) < sdistPreference(best.Basename) {
			best = f
			found = true
		}
	}
	return best, found
}

func sdistPreference(basename string) int {
	switch {
	case strings.HasSuffix(basename, ".tar.gz"), strings.HasSuffix(basename, ".tgz"):
		return 0
	case strings.HasSuffix(basename, ".tar.bz2"):
		return 1
	default:
		return 2
	}
}

// parseVersion is a thin wrapper over version.Parse, kept so tests in this
// package don't need to import the aliased version package directly.
func parseVersion(s string) (version.Version, error) {
	return version.Parse(s)
}

func sortFiles(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Kind != files[j].Kind {
			return files[i].Kind < files[j].Kind
		}
		return files[i].Basename < files[j].Basename
	})
}
