package pypiindex

import (
	"encoding/json"
	"fmt"
	"time"

	version "github.com/aquasecurity/go-pep440-version"
)

// warehouseDocument mirrors the subset of the standard package-index JSON
// release document this parser consumes.
type warehouseDocument struct {
	Info struct {
		RequiresDist []string          `json:"requires_dist"`
		HomePage     string            `json:"home_page"`
		ProjectURLs  map[string]string `json:"project_urls"`
	} `json:"info"`
	Releases map[string][]warehouseFile `json:"releases"`
}

type warehouseFile struct {
	URL             string `json:"url"`
	Filename        string `json:"filename"`
	PackageType     string `json:"packagetype"`
	RequiresPython  string `json:"requires_python"`
	Size            int64  `json:"size"`
	UploadTimeISO   string `json:"upload_time_iso_8601"`
	Yanked          bool   `json:"yanked"`
	Digests         struct {
		SHA256 string `json:"sha256"`
	} `json:"digests"`
}

// ParseJSON parses a warehouse-style JSON release document into a Package.
// Kind is always re-derived from the basename rather than trusted from
// packagetype: the index sometimes reports packagetype=sdist for what is
// actually a platform-suffixed bdist.
func ParseJSON(canonicalName, displayName string, body []byte, strict bool) (*Package, error) {
	var doc warehouseDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding release document: %w", err)
	}

	pkg := NewPackage(canonicalName, displayName)
	pkg.Requires = doc.Info.RequiresDist
	pkg.HomepageURL = doc.Info.HomePage
	pkg.ProjectURLs = doc.Info.ProjectURLs

	for versionStr, files := range doc.Releases {
		pv, err := version.Parse(versionStr)
		if err != nil {
			if strict {
				return nil, fmt.Errorf("parsing version %q: %w", versionStr, err)
			}
			continue
		}
		r := &Release{VersionString: versionStr, Version: pv}

		for _, wf := range files {
			kind, err := GuessFileType(wf.Filename)
			if err != nil {
				if strict {
					return nil, fmt.Errorf("parsing %q: %w", wf.Filename, err)
				}
				continue
			}
			_, guessedVersion, err := GuessVersion(wf.Filename)
			if err != nil {
				if strict {
					return nil, fmt.Errorf("parsing %q: %w", wf.Filename, err)
				}
				continue
			}

			f := File{
				URL:            wf.URL,
				Basename:       wf.Filename,
				Kind:           kind,
				Version:        guessedVersion,
				RequiresPython: wf.RequiresPython,
				Size:           wf.Size,
			}
			if wf.Digests.SHA256 != "" {
				f.Checksum = "sha256=" + wf.Digests.SHA256
			}
			if wf.UploadTimeISO != "" {
				t, err := time.Parse(time.RFC3339Nano, wf.UploadTimeISO)
				if err != nil {
					if strict {
						return nil, fmt.Errorf("parsing upload_time_iso_8601 %q: %w", wf.UploadTimeISO, err)
					}
				} else {
					f.UploadTime = t.UTC()
					f.HasUploadTime = true
				}
			}
			if wf.Yanked {
				r.Yanked = true
			}

			r.Files = append(r.Files, f)
		}

		pkg.AddRelease(r)
	}

	return pkg, nil
}
