package pypiindex

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnexpectedFilename is returned by GuessVersion when a basename under a
// known sdist extension does not match the expected "name-version" shape.
var ErrUnexpectedFilename = errors.New("unexpected filename")

var knownSuffixes = []string{".egg", ".whl", ".zip", ".gz", ".bz2", ".tar", ".exe", ".msi", ".rpm", ".dmg", ".tgz"}

// stripKnownSuffix makes one pass over the fixed suffix list in order,
// stripping every suffix that matches as it goes. ".gz" precedes ".tar" in
// the list, so a ".tar.gz" basename has both stripped in the same pass
// (".gz" first, uncovering the ".tar" the next list entry then matches);
// ".tgz" at the end catches the tar-free spelling.
func stripKnownSuffix(basename string) string {
	for _, suffix := range knownSuffixes {
		if strings.HasSuffix(basename, suffix) {
			basename = strings.TrimSuffix(basename, suffix)
		}
	}
	return basename
}

// nameVersionRE splits a suffix-stripped basename into name, version and an
// optional platform tag: the version starts at the first dash followed by a
// digit, and everything after the next dash is wheel/build decoration.
var nameVersionRE = regexp.MustCompile(`^(?P<name>.*?)-(?P<version>[0-9][^-]*?)(?P<platform>\.(?:macosx|linux|cygwin|win(?:xp)?(?:32)?))?(?:-.*)?$`)

// GuessVersion parses a basename (with its container extension already
// stripped by the caller's suffix logic applied internally) into (name,
// version). Returns ErrUnexpectedFilename if the basename does not match the
// expected grammar.
func GuessVersion(basename string) (name, version string, err error) {
	stripped := stripKnownSuffix(basename)
	m := nameVersionRE.FindStringSubmatch(stripped)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrUnexpectedFilename, basename)
	}
	idx := nameVersionRE.SubexpIndex
	name = m[idx("name")]
	version = m[idx("version")]
	if name == "" || version == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnexpectedFilename, basename)
	}
	return name, version, nil
}

var platformSuffixRE = regexp.MustCompile(`\.(macosx|linux|cygwin|win(?:xp)?(?:32)?)`)

// GuessFileType classifies a basename's distribution kind purely from its
// extension and, for the sdist-extension family, whether a platform suffix
// appears in the stem (which indicates a "dumb" binary distribution rather
// than a true source distribution).
func GuessFileType(basename string) (FileKind, error) {
	switch {
	case strings.HasSuffix(basename, ".egg"):
		return BDIST_EGG, nil
	case strings.HasSuffix(basename, ".whl"):
		return BDIST_WHEEL, nil
	case strings.HasSuffix(basename, ".exe"):
		return BDIST_WININST, nil
	case strings.HasSuffix(basename, ".msi"):
		return BDIST_MSI, nil
	case strings.HasSuffix(basename, ".rpm"):
		return BDIST_RPM, nil
	case strings.HasSuffix(basename, ".dmg"):
		return BDIST_DMG, nil
	}

	if !isSdistExtension(basename) {
		return UNKNOWN, nil
	}

	// An sdist-extension basename that doesn't fit the name-version grammar
	// is rejected here too: the SDIST/BDIST_DUMB decision needs the parsed
	// stem, so a malformed name fails at this step.
	if _, _, err := GuessVersion(basename); err != nil {
		return UNKNOWN, err
	}

	stem := stripKnownSuffix(basename)
	// stripKnownSuffix has already removed both parts of ".tar.gz"/".tar.bz2";
	// this trim only changes a stem that still ends in ".tar" after that pass.
	stem = strings.TrimSuffix(stem, ".tar")

	if platformSuffixRE.MatchString(stem) || strings.Contains(stem, "-macosx") {
		return BDIST_DUMB, nil
	}

	return SDIST, nil
}

func isSdistExtension(basename string) bool {
	for _, ext := range []string{".tar.gz", ".tgz", ".zip", ".tar.bz2"} {
		if strings.HasSuffix(basename, ext) {
			return true
		}
	}
	return false
}
