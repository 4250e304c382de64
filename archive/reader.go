// Package archive unpacks the container formats Python distributions ship
// in (tar with gzip/bzip2/xz compression, and the zip family that covers
// wheels, eggs and some sdists) and lets callers enumerate and hash selected
// members by glob pattern, normalising CRLF line endings the way the
// original comparator does.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ulikunitz/xz"
)

// Entry is one archive member selected by a caller's glob patterns: its path
// relative to the on-disk extraction directory, and its "logical" path with
// the top-level version-stamped directory and a leading "src/" optionally
// removed, so sdist and wheel layouts align for comparison.
type Entry struct {
	RelPath     string
	LogicalPath string
}

// Reader extracts archives under a single root directory, memoising both
// the extraction itself (a ".done" sentinel per archive) and individual
// member hashes (a bounded LRU).
type Reader struct {
	log       *slog.Logger
	extRoot   string
	hashCache *lru.Cache[string, string]
}

// New constructs a Reader that extracts under extRoot.
func New(log *slog.Logger, extRoot string) *Reader {
	cache, err := lru.New[string, string](4096)
	if err != nil {
		// Only returns an error for a non-positive size, which 4096 never is.
		panic(err)
	}
	return &Reader{log: log, extRoot: extRoot, hashCache: cache}
}

func (r *Reader) extractionDir(archivePath string) string {
	return filepath.Join(r.extRoot, filepath.Base(archivePath))
}

// ensureExtracted extracts archivePath on first call and reuses the result
// on every subsequent call, regardless of which patterns are requested:
// everything is extracted up front rather than tracking which patterns have
// already been served.
func (r *Reader) ensureExtracted(archivePath string) (string, error) {
	dir := r.extractionDir(archivePath)
	sentinel := dir + ".done"
	if _, err := os.Stat(sentinel); err == nil {
		return dir, nil
	}

	r.log.Debug("extracting archive", slog.String("archive", archivePath), slog.String("dir", dir))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing stale extraction dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating extraction dir %s: %w", dir, err)
	}
	if err := extractAll(archivePath, dir); err != nil {
		return "", fmt.Errorf("extracting %s: %w", archivePath, err)
	}
	if err := os.WriteFile(sentinel, []byte{}, 0o644); err != nil {
		return "", fmt.Errorf("writing extraction sentinel %s: %w", sentinel, err)
	}
	return dir, nil
}

// ExtractAndGetNames extracts archivePath (if not already extracted) and
// returns every member matching any of patterns.
func (r *Reader) ExtractAndGetNames(archivePath string, patterns []string, stripTopLevel bool) ([]Entry, error) {
	dir, err := r.ensureExtracted(archivePath)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			if matchPattern(pattern, rel) {
				entries = append(entries, Entry{RelPath: rel, LogicalPath: logicalPath(rel, stripTopLevel)})
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking extraction dir %s: %w", dir, err)
	}
	return entries, nil
}

// ReadFirstMatch returns the contents of the shortest-named member matching
// pattern (picking, e.g., the top-level "pkg.dist-info/METADATA" over a
// nested copy some malformed archives carry) along with its logical path.
func (r *Reader) ReadFirstMatch(archivePath, pattern string, stripTopLevel bool) ([]byte, string, error) {
	entries, err := r.ExtractAndGetNames(archivePath, []string{pattern}, stripTopLevel)
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", fmt.Errorf("no member matching %q in %s: %w", pattern, archivePath, fs.ErrNotExist)
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if len(e.RelPath) < len(best.RelPath) {
			best = e
		}
	}
	dir := r.extractionDir(archivePath)
	data, err := os.ReadFile(filepath.Join(dir, best.RelPath))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", best.RelPath, err)
	}
	return data, best.LogicalPath, nil
}

// ReadMember returns the contents of one extracted member by its path
// relative to the extraction directory, along with its logical path.
func (r *Reader) ReadMember(archivePath, relPath string) ([]byte, string, error) {
	dir, err := r.ensureExtracted(archivePath)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s from %s: %w", relPath, archivePath, err)
	}
	return data, logicalPath(relPath, false), nil
}

// Hashes returns, for every member matching any of patterns, a mapping from
// its logical path to the hex SHA-1 digest of its CRLF-normalised contents.
func (r *Reader) Hashes(archivePath string, patterns []string, stripTopLevel bool) (map[string]string, error) {
	entries, err := r.ExtractAndGetNames(archivePath, patterns, stripTopLevel)
	if err != nil {
		return nil, err
	}
	dir := r.extractionDir(archivePath)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		cacheKey := archivePath + "|" + e.RelPath
		if h, ok := r.hashCache.Get(cacheKey); ok {
			out[e.LogicalPath] = h
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.RelPath))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.RelPath, err)
		}
		h := HashNormalized(data)
		r.hashCache.Add(cacheKey, h)
		out[e.LogicalPath] = h
	}
	return out, nil
}

// HashNormalized replaces CRLF with LF (a byte-level transform, not a
// text-mode decode) and returns the hex SHA-1 digest. SHA-1 is used for
// historical compatibility and speed; it carries no security property here.
func HashNormalized(data []byte) string {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	sum := sha1.Sum(normalized)
	return hex.EncodeToString(sum[:])
}

// logicalPath strips the top-level directory component (when stripTopLevel)
// and a leading "src/", aligning sdist and wheel layouts.
func logicalPath(relPath string, stripTopLevel bool) string {
	p := relPath
	if stripTopLevel {
		if idx := strings.IndexByte(p, '/'); idx >= 0 {
			p = p[idx+1:]
		}
	}
	return strings.TrimPrefix(p, "src/")
}

// matchPattern matches a glob against relPath. Patterns without a '/' match
// only the basename ("*.py", "LICENSE*"); patterns with a '/' ("*/requires.txt",
// "*.dist-info/METADATA") match the full relative path, with '*' spanning
// path separators.
func matchPattern(pattern, relPath string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, filepath.Base(relPath))
		return ok
	}
	return globRegexp(pattern).MatchString(relPath)
}

var globRegexpCache = map[string]*regexp.Regexp{}

func globRegexp(pattern string) *regexp.Regexp {
	if re, ok := globRegexpCache[pattern]; ok {
		return re
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re := regexp.MustCompile(b.String())
	globRegexpCache[pattern] = re
	return re
}

// extractAll unpacks archivePath into destDir. Zip-family extensions force
// the zip reader; everything else is inferred from the extension.
func extractAll(archivePath, destDir string) error {
	switch {
	case hasAnySuffix(archivePath, ".zip", ".egg", ".whl"):
		return extractZip(archivePath, destDir)
	case hasAnySuffix(archivePath, ".tar.gz", ".tgz"):
		return extractTar(archivePath, destDir, gzipReader)
	case strings.HasSuffix(archivePath, ".tar.bz2"):
		return extractTar(archivePath, destDir, bzip2Reader)
	case hasAnySuffix(archivePath, ".tar.xz", ".txz"):
		return extractTar(archivePath, destDir, xzReader)
	case strings.HasSuffix(archivePath, ".tar"):
		return extractTar(archivePath, destDir, identityReader)
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func gzipReader(r io.Reader) (io.Reader, error)     { return gzip.NewReader(r) }
func bzip2Reader(r io.Reader) (io.Reader, error)    { return bzip2.NewReader(r), nil }
func xzReader(r io.Reader) (io.Reader, error)       { return xz.NewReader(r) }
func identityReader(r io.Reader) (io.Reader, error) { return r, nil }

func extractTar(archivePath, destDir string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	dr, err := decompress(f)
	if err != nil {
		return fmt.Errorf("opening decompressor: %w", err)
	}

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := writeMember(destDir, hdr.Name, tr, hdr.FileInfo().Mode()); err != nil {
			return err
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", zf.Name, err)
		}
		err = writeMember(destDir, zf.Name, rc, zf.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// writeMember writes one archive member to destDir, rejecting any entry
// whose cleaned path would escape it (zip-slip / tar-slip protection).
func writeMember(destDir, name string, r io.Reader, mode os.FileMode) error {
	cleaned := filepath.Clean(filepath.Join(destDir, name))
	if cleaned != destDir && !strings.HasPrefix(cleaned, destDir+string(filepath.Separator)) {
		return fmt.Errorf("archive member %q escapes extraction directory", name)
	}
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(cleaned, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0o200)
	if err != nil {
		return fmt.Errorf("creating %s: %w", cleaned, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("writing %s: %w", cleaned, err)
	}
	return nil
}
