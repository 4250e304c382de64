package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// tailPrefetchSize is the number of bytes requested from the end of the
// resource on construction. Zip central directories live at the tail, so
// this single request both discovers the resource's total length (via
// Content-Range) and warms the cache for the common case of reading a
// wheel's metadata without downloading the whole archive.
const tailPrefetchSize = 256 * 1024

// SeekableHTTPFile is a read/seek/tell view over an immutable HTTP
// resource, built entirely out of Range requests. Construction fails
// permanently if the server does not honour them.
type SeekableHTTPFile struct {
	ctx    context.Context
	client *http.Client
	url    string

	size      int64
	tailStart int64
	tail      []byte

	pos int64
}

// NewSeekableHTTPFile issues the initial "bytes=-N" tail request and
// returns a file ready for ReadAt/Read/Seek.
func NewSeekableHTTPFile(ctx context.Context, client *http.Client, resourceURL string) (*SeekableHTTPFile, error) {
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("seekable http file: building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=-%d", tailPrefetchSize))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("seekable http file: requesting tail of %s: %w", resourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("seekable http file: %s does not support range requests (status %d)", resourceURL, resp.StatusCode)
	}

	total, tailStart, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, fmt.Errorf("seekable http file: %s: %w", resourceURL, err)
	}

	tail, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("seekable http file: reading tail of %s: %w", resourceURL, err)
	}

	return &SeekableHTTPFile{
		ctx:       ctx,
		client:    client,
		url:       resourceURL,
		size:      total,
		tailStart: tailStart,
		tail:      tail,
	}, nil
}

// parseContentRange parses a "bytes start-end/total" header value.
func parseContentRange(header string) (total, start int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	slash := strings.IndexByte(header, '/')
	dash := strings.IndexByte(header, '-')
	if header == "" || slash < 0 || dash < 0 || dash > slash {
		return 0, 0, fmt.Errorf("unparseable Content-Range %q", header)
	}
	start, err = strconv.ParseInt(header[:dash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable Content-Range %q: %w", header, err)
	}
	total, err = strconv.ParseInt(header[slash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable Content-Range %q: %w", header, err)
	}
	return total, start, nil
}

// Size returns the resource's total length, as discovered at construction.
func (f *SeekableHTTPFile) Size() int64 { return f.size }

// ReadAt serves p from the in-memory tail cache when possible, otherwise
// issues a single Range request for exactly the requested window. A short
// response is an error: the server promised len(p) bytes and didn't deliver.
func (f *SeekableHTTPFile) ReadAt(p []byte, off int64) (int, error) {
	n := int64(len(p))
	if n == 0 {
		return 0, nil
	}
	if off < 0 || off >= f.size {
		return 0, io.EOF
	}
	if off+n > f.size {
		n = f.size - off
		p = p[:n]
	}

	if off >= f.tailStart && off+n <= f.tailStart+int64(len(f.tail)) {
		copy(p, f.tail[off-f.tailStart:off-f.tailStart+n])
		return int(n), nil
	}

	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, fmt.Errorf("seekable http file: building range request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+n-1))

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("seekable http file: range request %d-%d: %w", off, off+n-1, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("seekable http file: range request %d-%d: status %d", off, off+n-1, resp.StatusCode)
	}

	got, err := io.ReadFull(resp.Body, p)
	if err != nil {
		return got, fmt.Errorf("seekable http file: short read at %d-%d: %w", off, off+n-1, err)
	}
	return got, nil
}

// Read implements io.Reader at the current position, advancing it.
func (f *SeekableHTTPFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker.
func (f *SeekableHTTPFile) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.pos + offset
	case io.SeekEnd:
		newPos = f.size + offset
	default:
		return 0, fmt.Errorf("seekable http file: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("seekable http file: negative seek position %d", newPos)
	}
	f.pos = newPos
	return f.pos, nil
}

// Tell returns the current read position.
func (f *SeekableHTTPFile) Tell() int64 { return f.pos }
