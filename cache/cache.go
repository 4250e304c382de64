// Package cache implements the content-addressed, conditionally-revalidated
// HTTP artifact cache that fronts both the index metadata endpoints and the
// release archives. It is the one component every other subsystem depends
// on for network access.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPackageName is returned when a package name contains a
// character the legacy Simple-HTML href parser could not safely decode;
// rejecting it avoids silent misfetches against mirrors that still emit
// unescaped entities.
var ErrInvalidPackageName = errors.New("cache: package name contains an unsupported character ('&' or '#')")

const userAgent = "honesty/0.1 (+https://github.com/a-h/honesty)"

// Cache is a persistent, concurrency-safe HTTP fetch layer with conditional
// revalidation. Concurrent calls to Fetch are safe: serialisation happens at
// the filesystem rename, not in the process, so this type carries no lock.
type Cache struct {
	log          *slog.Logger
	root         string
	indexURL     string // forced to end in '/'
	jsonIndexURL string // forced to end in '/'; falls back to indexURL
	client       *http.Client
}

// New constructs a Cache rooted at root, fetching relative URLs against
// indexURL (normalised to end in '/'). client is shared across all fetches;
// callers should size its transport's connection pool for their configured
// parallelism.
func New(log *slog.Logger, root, indexURL string, client *http.Client) *Cache {
	if client == nil {
		client = &http.Client{}
	}
	if !strings.HasSuffix(indexURL, "/") {
		indexURL += "/"
	}
	return &Cache{log: log, root: root, indexURL: indexURL, client: client}
}

// SetJSONIndexURL points FetchIndexJSON at a separate JSON index base (the
// warehouse-style "{json_index_url}{pkg}/json" convention). When unset, the
// JSON document is fetched relative to the package's Simple index page,
// which is what mirrors serving both documents from one tree expect.
func (c *Cache) SetJSONIndexURL(jsonIndexURL string) {
	if jsonIndexURL != "" && !strings.HasSuffix(jsonIndexURL, "/") {
		jsonIndexURL += "/"
	}
	c.jsonIndexURL = jsonIndexURL
}

// headers is the sidecar recorded alongside a cached body.
type headers struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last-modified,omitempty"`
}

// isIndexFilename reports whether basename names an always-revalidated index
// document rather than an immutable artifact. "" is the simple-HTML listing,
// "json" is the warehouse JSON document, and "691json" is the PEP 691
// variant served from the simple endpoint.
func isIndexFilename(basename string) bool {
	return basename == "" || basename == "json" || basename == "691json"
}

// shardDir returns root/<first-2>/<next-2-or-'--'>/<pkg>.
func shardDir(root, pkg string) string {
	first2 := pkg
	if len(pkg) > 2 {
		first2 = pkg[:2]
	}
	rest := "--"
	if len(pkg) > 2 {
		rest = pkg[2:]
		if len(rest) > 2 {
			rest = rest[:2]
		}
	}
	return filepath.Join(root, first2, rest, pkg)
}

// FetchIndexHTML fetches the Simple HTML listing for pkg, always
// revalidating against any recorded ETag/Last-Modified.
func (c *Cache) FetchIndexHTML(ctx context.Context, pkg string) (string, error) {
	return c.Fetch(ctx, pkg, "", "")
}

// FetchIndexJSON fetches the JSON release document for pkg: from the
// configured JSON index base when one is set, otherwise resolved relative to
// the package's Simple index page.
func (c *Cache) FetchIndexJSON(ctx context.Context, pkg string) (string, error) {
	if c.jsonIndexURL != "" {
		return c.Fetch(ctx, pkg, c.jsonIndexURL+pkg+"/json", "json")
	}
	return c.Fetch(ctx, pkg, "json", "json")
}

// FetchArtifact fetches the file at fetchURL (an absolute URL, or one
// relative to the package's index page) and caches it under basename.
// Artifacts are immutable: if the local file already exists, it is returned
// with no network traffic at all.
func (c *Cache) FetchArtifact(ctx context.Context, pkg, fetchURL, basename string) (string, error) {
	return c.Fetch(ctx, pkg, fetchURL, basename)
}

// Fetch downloads (or revalidates) one resource for pkg and returns the
// local path holding its bytes. When fetchURL is empty, the package's own
// Simple index page is fetched and basename is forced to "" (index.html on
// disk).
func (c *Cache) Fetch(ctx context.Context, pkg, fetchURL, basename string) (string, error) {
	if strings.ContainsAny(pkg, "&#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPackageName, pkg)
	}
	if fetchURL == "" {
		basename = ""
	}

	dir := shardDir(c.root, pkg)
	onDiskName := basename
	if onDiskName == "" {
		onDiskName = "index.html"
	}
	finalPath := filepath.Join(dir, onDiskName)
	hdrsPath := finalPath + ".hdrs"

	if !isIndexFilename(basename) {
		if _, err := os.Stat(finalPath); err == nil {
			c.log.Debug("cache hit, no revalidation", slog.String("pkg", pkg), slog.String("path", finalPath))
			return finalPath, nil
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("statting cached artifact %s: %w", finalPath, err)
		}
	}

	resolved, err := c.resolveURL(pkg, fetchURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", resolved, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if basename == "json" || basename == "691json" {
		req.Header.Set("Accept", "application/vnd.pypi.simple.v1+json, application/json")
	}

	prior, hadPrior := readHeaders(hdrsPath)
	if hadPrior {
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		} else if prior.LastModified != "" {
			req.Header.Set("If-Modified-Since", prior.LastModified)
		}
	}

	c.log.Debug("fetching", slog.String("pkg", pkg), slog.String("url", resolved))
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", resolved, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if _, err := os.Stat(finalPath); err != nil {
			// CacheConflict: a 304 implies the server thinks we have a body,
			// but our sidecar is stale or the body vanished. Treat as "no
			// conditional headers" by falling through to a plain refetch.
			return c.fetchWithoutConditionalHeaders(ctx, pkg, resolved, finalPath, hdrsPath, basename)
		}
		c.log.Debug("not modified", slog.String("pkg", pkg), slog.String("path", finalPath))
		return finalPath, nil
	case http.StatusOK:
		if err := c.replaceAtomically(dir, finalPath, resp.Body); err != nil {
			return "", err
		}
		writeHeaders(hdrsPath, resp.Header)
		return finalPath, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("fetching %s: %w", resolved, os.ErrNotExist)
	default:
		return "", fmt.Errorf("fetching %s: unexpected status %d", resolved, resp.StatusCode)
	}
}

// fetchWithoutConditionalHeaders re-issues the request with no If-None-Match
// / If-Modified-Since, used to recover from a CacheConflict where the
// header sidecar claims a body we can no longer find.
func (c *Cache) fetchWithoutConditionalHeaders(ctx context.Context, pkg, resolved, finalPath, hdrsPath, basename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", resolved, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refetching %s: %w", resolved, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refetching %s: unexpected status %d", resolved, resp.StatusCode)
	}
	if err := c.replaceAtomically(filepath.Dir(finalPath), finalPath, resp.Body); err != nil {
		return "", err
	}
	writeHeaders(hdrsPath, resp.Header)
	return finalPath, nil
}

// ResolveURL exposes the cache's URL resolution so callers that bypass the
// on-disk cache (the seekable remote-wheel read) still resolve mirror-relative
// hrefs against the same package index page a Fetch of the same URL would.
func (c *Cache) ResolveURL(pkg, fetchURL string) (string, error) {
	return c.resolveURL(pkg, fetchURL)
}

// resolveURL turns the caller-supplied fetchURL into an absolute URL. An
// empty fetchURL means "this package's own Simple index page". A relative
// fetchURL is resolved against that same page so mirrors emitting relative
// hrefs behave identically to ones emitting absolute URLs.
func (c *Cache) resolveURL(pkg, fetchURL string) (string, error) {
	indexPage := c.indexURL + pkg + "/"
	if fetchURL == "" {
		return indexPage, nil
	}
	base, err := url.Parse(indexPage)
	if err != nil {
		return "", fmt.Errorf("parsing index page url %q: %w", indexPage, err)
	}
	ref, err := url.Parse(fetchURL)
	if err != nil {
		return "", fmt.Errorf("parsing fetch url %q: %w", fetchURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// replaceAtomically writes body to a sibling temp file in dir, then renames
// it onto finalPath. This is last-writer-wins: there is no lock, only the
// atomic rename.
func (c *Cache) replaceAtomically(dir, finalPath string, body io.Reader) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, finalPath, err)
	}
	return nil
}

func readHeaders(hdrsPath string) (headers, bool) {
	data, err := os.ReadFile(hdrsPath)
	if err != nil {
		return headers{}, false
	}
	var h headers
	if err := json.Unmarshal(data, &h); err != nil {
		return headers{}, false
	}
	return h, h.ETag != "" || h.LastModified != ""
}

func writeHeaders(hdrsPath string, respHeaders http.Header) {
	h := headers{
		ETag:         respHeaders.Get("ETag"),
		LastModified: respHeaders.Get("Last-Modified"),
	}
	if h.ETag == "" && h.LastModified == "" {
		// A response with no validators invalidates any sidecar left from an
		// earlier one, so we never send a condition the server can't answer.
		_ = os.Remove(hdrsPath)
		return
	}
	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	_ = os.WriteFile(hdrsPath, data, 0o644)
}

// DefaultCacheRoot is HONESTY_CACHE's fallback: a user-cache-scoped
// directory.
func DefaultCacheRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determining user cache dir: %w", err)
	}
	return filepath.Join(base, "honesty"), nil
}

