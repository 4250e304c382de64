package pypiindex

import (
	"fmt"
	"html"
	"regexp"

	version "github.com/aquasecurity/go-pep440-version"
)

// anchorRE extracts each simple-index <a> tag's href, optional
// data-requires-python attribute and link text, in whatever order the
// attributes appear.
var anchorRE = regexp.MustCompile(`(?is)<a\s+([^>]*)>([^<]*)</a>`)
var hrefRE = regexp.MustCompile(`href="([^"]*)"`)
var requiresPythonRE = regexp.MustCompile(`data-requires-python="([^"]*)"`)

// fragmentRE splits the raw href captured by hrefRE, which carries the
// checksum as a URL fragment: "<url>#<algo>=<hex>".
var fragmentRE = regexp.MustCompile(`^(.*?)#([a-z0-9]+=[0-9a-f]+)$`)

// ParseHTML parses a Simple HTML project listing (the <a href="...">name</a>
// anchors PEP 503 defines) into a Package. strict controls what happens to a
// File that GuessVersion cannot parse: strict propagates the error, non-strict
// silently drops that entry.
func ParseHTML(canonicalName, displayName string, body []byte, strict bool) (*Package, error) {
	pkg := NewPackage(canonicalName, displayName)
	releases := map[string]*Release{}

	for _, m := range anchorRE.FindAllSubmatch(body, -1) {
		attrs := string(m[1])
		basename := string(m[2])

		hrefM := hrefRE.FindStringSubmatch(attrs)
		if hrefM == nil {
			continue
		}
		href := html.UnescapeString(hrefM[1])

		url := href
		checksum := ""
		if fm := fragmentRE.FindStringSubmatch(href); fm != nil {
			url = fm[1]
			checksum = fm[2]
		}

		kind, err := GuessFileType(basename)
		if err != nil {
			if strict {
				return nil, fmt.Errorf("parsing %q: %w", basename, err)
			}
			continue
		}

		_, versionStr, err := GuessVersion(basename)
		if err != nil {
			if strict {
				return nil, fmt.Errorf("parsing %q: %w", basename, err)
			}
			continue
		}

		f := File{
			URL:      url,
			Basename: basename,
			Checksum: checksum,
			Kind:     kind,
			Version:  versionStr,
		}
		if rpM := requiresPythonRE.FindStringSubmatch(attrs); rpM != nil {
			f.RequiresPython = html.UnescapeString(rpM[1])
		}

		r, ok := releases[versionStr]
		if !ok {
			pv, err := version.Parse(versionStr)
			if err != nil {
				if strict {
					return nil, fmt.Errorf("parsing version %q from %q: %w", versionStr, basename, err)
				}
				continue
			}
			r = &Release{VersionString: versionStr, Version: pv}
			releases[versionStr] = r
			pkg.AddRelease(r)
		}
		r.Files = append(r.Files, f)
	}

	return pkg, nil
}
