package cache

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// FetchWheelMetadataRemote opens a wheel's zip central directory over HTTP
// Range requests and returns the decoded bytes of its shortest-named
// "*/METADATA" member, without downloading the archive body. This is the
// no-full-download path the dependency walker takes for large wheels.
func FetchWheelMetadataRemote(ctx context.Context, client *http.Client, wheelURL string) ([]byte, error) {
	f, err := NewSeekableHTTPFile(ctx, client, wheelURL)
	if err != nil {
		return nil, fmt.Errorf("opening %s for remote metadata read: %w", wheelURL, err)
	}
	zr, err := zip.NewReader(f, f.Size())
	if err != nil {
		return nil, fmt.Errorf("reading zip central directory of %s: %w", wheelURL, err)
	}
	return readShortestMatch(zr.File, "METADATA")
}

// readShortestMatch finds the entry whose base name equals suffix and whose
// path is shortest (picking the top-level "<pkg>.dist-info/METADATA" over a
// nested one some malformed wheels carry), then returns its decompressed
// contents.
func readShortestMatch(files []*zip.File, suffix string) ([]byte, error) {
	var best *zip.File
	for _, zf := range files {
		if !strings.HasSuffix(zf.Name, "/"+suffix) {
			continue
		}
		if best == nil || len(zf.Name) < len(best.Name) {
			best = zf
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no */%s member found in archive", suffix)
	}
	rc, err := best.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", best.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", best.Name, err)
	}
	return data, nil
}
