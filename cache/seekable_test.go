package cache

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// rangeServer serves body out of memory, honouring byte-range requests the
// way a real object store front-end would.
func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(body)
			return
		}
		start, end, ok := parseRequestRange(rangeHeader, int64(len(body)))
		if !ok {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func parseRequestRange(header string, size int64) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		// suffix range: "-N"
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	e := size - 1
	if parts[1] != "" {
		e, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return s, e, true
}

func TestSeekableHTTPFileReadAt(t *testing.T) {
	body := []byte(strings.Repeat("0123456789", 100)) // 1000 bytes
	srv := rangeServer(t, body)
	defer srv.Close()

	f, err := NewSeekableHTTPFile(t.Context(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("NewSeekableHTTPFile: %v", err)
	}
	if f.Size() != int64(len(body)) {
		t.Fatalf("Size() = %d, want %d", f.Size(), len(body))
	}

	// Entirely inside the tail cache (small body, tail == whole body).
	buf := make([]byte, 10)
	n, err := f.ReadAt(buf, 990)
	if err != nil {
		t.Fatalf("ReadAt(tail): %v", err)
	}
	if string(buf[:n]) != string(body[990:1000]) {
		t.Fatalf("ReadAt(tail) = %q, want %q", buf[:n], body[990:1000])
	}

	// Read via Seek + Read.
	if _, err := f.Seek(5, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf2 := make([]byte, 5)
	if _, err := f.Read(buf2); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf2) != string(body[5:10]) {
		t.Fatalf("Read after Seek = %q, want %q", buf2, body[5:10])
	}
}

func TestSeekableHTTPFileRejectsNonRangeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no range support here"))
	}))
	defer srv.Close()

	if _, err := NewSeekableHTTPFile(t.Context(), srv.Client(), srv.URL); err == nil {
		t.Fatal("expected an error when the server ignores Range")
	}
}
