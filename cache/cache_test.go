package cache

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchIndexRevalidatesOn304(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("<html>first</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(discardLogger(), dir, srv.URL+"/simple/", srv.Client())

	path1, err := c.FetchIndexHTML(t.Context(), "woah")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	body1, err := os.ReadFile(path1)
	if err != nil {
		t.Fatalf("reading cached body: %v", err)
	}
	if string(body1) != "<html>first</html>" {
		t.Fatalf("body = %q", body1)
	}

	path2, err := c.FetchIndexHTML(t.Context(), "woah")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if path1 != path2 {
		t.Fatalf("paths differ: %q vs %q", path1, path2)
	}
	body2, err := os.ReadFile(path2)
	if err != nil {
		t.Fatalf("reading cached body: %v", err)
	}
	if string(body2) != string(body1) {
		t.Fatalf("body changed across a 304: %q vs %q", body1, body2)
	}
	if hits != 2 {
		t.Fatalf("server hit %d times, want 2", hits)
	}
}

func TestFetchArtifactSkipsNetworkOnHit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("artifact-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(discardLogger(), dir, srv.URL+"/simple/", srv.Client())

	url := srv.URL + "/packages/woah-0.1.tar.gz"
	path1, err := c.FetchArtifact(t.Context(), "woah", url, "woah-0.1.tar.gz")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	path2, err := c.FetchArtifact(t.Context(), "woah", url, "woah-0.1.tar.gz")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if path1 != path2 {
		t.Fatalf("paths differ: %q vs %q", path1, path2)
	}
	if hits != 1 {
		t.Fatalf("server hit %d times, want 1 (artifact fetch should not revalidate)", hits)
	}
}

func TestShardDirLayout(t *testing.T) {
	got := shardDir("/cache", "woah")
	want := filepath.Join("/cache", "wo", "ah", "woah")
	if got != want {
		t.Errorf("shardDir = %q, want %q", got, want)
	}
	gotShort := shardDir("/cache", "ab")
	wantShort := filepath.Join("/cache", "ab", "--", "ab")
	if gotShort != wantShort {
		t.Errorf("shardDir(short) = %q, want %q", gotShort, wantShort)
	}
}

func TestFetchRejectsInvalidPackageName(t *testing.T) {
	c := New(discardLogger(), t.TempDir(), "https://pypi.org/simple/", nil)
	if _, err := c.Fetch(t.Context(), "foo&bar", "", ""); err == nil {
		t.Fatal("expected an error for a package name containing '&'")
	}
}
