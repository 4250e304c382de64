package depwalker

import (
	"errors"
	"fmt"
	"time"

	"github.com/a-h/honesty/pypiindex"
	"github.com/a-h/honesty/requirement"
	version "github.com/aquasecurity/go-pep440-version"
)

// ErrIncompatibleVersion is returned when no release of a package is
// compatible with the current interpreter version (after trim_newer and
// requires_python filtering).
var ErrIncompatibleVersion = errors.New("depwalker: no release compatible with the current python version")

// ErrNoMatchingVersion is returned when compatible releases exist but none
// satisfies the requirement's specifier set.
var ErrNoMatchingVersion = errors.New("depwalker: no release matches the requirement's specifier")

type candidate struct {
	versionString string
	parsed        version.Version
	originalIndex int
}

// pickVersion selects a release in six steps: drop releases newer than an
// optional cutoff, drop releases incompatible with the current
// python_version, fail if nothing remains, fold in a caller-known "already
// installed" version, filter by the requirement's specifier set, then rank
// by (equals-already-chosen, equals-current-installed, original-index) and
// take the maximum.
func (w *Walker) pickVersion(pkg *pypiindex.Package, req *requirement.Requirement) (string, error) {
	releases := pkg.Releases()

	var candidates []candidate
	for i, r := range releases {
		if w.cfg.HasTrimNewer && allUploadedAfter(r, w.cfg.TrimNewer) {
			continue
		}
		if !compatibleWithPython(r, w.cfg.Env.PythonFullVersion) {
			continue
		}
		candidates = append(candidates, candidate{versionString: r.VersionString, parsed: r.Version, originalIndex: i})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", ErrIncompatibleVersion, pkg.Name)
	}

	var currentVersion string
	var hasCurrent bool
	if w.cfg.CurrentVersions != nil {
		currentVersion, hasCurrent = w.cfg.CurrentVersions(pkg.Name)
		if hasCurrent {
			found := false
			for _, c := range candidates {
				if c.versionString == currentVersion {
					found = true
					break
				}
			}
			if !found {
				if pv, err := version.Parse(currentVersion); err == nil {
					candidates = append(candidates, candidate{versionString: currentVersion, parsed: pv, originalIndex: len(releases)})
				}
			}
		}
	}

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if req.Specifiers.String() == "" || req.Specifiers.Check(c.parsed) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return "", fmt.Errorf("%w: %s%s", ErrNoMatchingVersion, pkg.Name, req.SpecifierString)
	}

	alreadyChosen, hasAlreadyChosen := w.alreadyChosen[pkg.Name]

	best := filtered[0]
	bestRank := rank(best, alreadyChosen, hasAlreadyChosen, currentVersion, hasCurrent)
	for _, c := range filtered[1:] {
		r := rank(c, alreadyChosen, hasAlreadyChosen, currentVersion, hasCurrent)
		if less(bestRank, r) {
			best, bestRank = c, r
		}
	}
	return best.versionString, nil
}

type rankTuple struct {
	equalsAlreadyChosen bool
	equalsCurrent       bool
	originalIndex       int
}

func rank(c candidate, alreadyChosen string, hasAlreadyChosen bool, current string, hasCurrent bool) rankTuple {
	return rankTuple{
		equalsAlreadyChosen: hasAlreadyChosen && c.versionString == alreadyChosen,
		equalsCurrent:       hasCurrent && c.versionString == current,
		originalIndex:       c.originalIndex,
	}
}

// less reports whether a ranks lower than b: equals-already-chosen beats
// everything, then equals-current-installed, then the higher original
// index (later in ascending-version order, i.e. newer).
func less(a, b rankTuple) bool {
	if a.equalsAlreadyChosen != b.equalsAlreadyChosen {
		return b.equalsAlreadyChosen
	}
	if a.equalsCurrent != b.equalsCurrent {
		return b.equalsCurrent
	}
	return a.originalIndex < b.originalIndex
}

// allUploadedAfter reports whether every file in r was uploaded after
// cutoff, making the whole release ineligible under trim_newer. A release
// with any file of unknown upload time is treated as eligible (we can't
// prove it's too new).
func allUploadedAfter(r *pypiindex.Release, cutoff time.Time) bool {
	if len(r.Files) == 0 {
		return false
	}
	for _, f := range r.Files {
		if !f.HasUploadTime || !f.UploadTime.After(cutoff) {
			return false
		}
	}
	return true
}

func compatibleWithPython(r *pypiindex.Release, pythonVersion string) bool {
	if len(r.Files) == 0 {
		return true
	}
	rp := r.Files[0].RequiresPython
	if rp == "" {
		return true
	}
	spec, err := version.NewSpecifiers(rp)
	if err != nil {
		// A malformed requires_python drops the release rather than failing
		// the whole walk.
		return false
	}
	pv, err := version.Parse(pythonVersion)
	if err != nil {
		return false
	}
	return spec.Check(pv)
}
