package compare

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/a-h/honesty/archive"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gw.Close()
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	zw.Close()
}

func TestCrossCheckDetectsMissingAndMismatch(t *testing.T) {
	dir := t.TempDir()
	sdistPath := filepath.Join(dir, "woah-0.1.tar.gz")
	writeTarGz(t, sdistPath, map[string]string{
		"woah-0.1/woah/__init__.py": "print(1)\n",
	})

	goodWheel := filepath.Join(dir, "woah-0.1-py3-none-any.whl")
	writeZip(t, goodWheel, map[string]string{
		"woah/__init__.py":            "print(1)\n",
		"woah-0.1.dist-info/METADATA": "Name: woah\n",
	})

	badWheel := filepath.Join(dir, "woah-0.1-cp39-cp39-linux_x86_64.whl")
	writeZip(t, badWheel, map[string]string{
		"woah/__init__.py": "print(2)\n", // mismatch
		"woah/_native.so":  "binary",     // missing from sdist
	})

	r := archive.New(discardLogger(), filepath.Join(dir, "ext"))
	bitmask, diagnostics, err := CrossCheck(r, sdistPath, map[string]string{
		"woah-0.1-py3-none-any.whl":           goodWheel,
		"woah-0.1-cp39-cp39-linux_x86_64.whl": badWheel,
	})
	if err != nil {
		t.Fatalf("CrossCheck: %v", err)
	}
	if bitmask&Missing == 0 || bitmask&Mismatch == 0 {
		t.Fatalf("bitmask = %d, want both Missing and Mismatch bits set", bitmask)
	}
	if len(diagnostics) != 2 {
		t.Fatalf("got %d diagnostic groups, want 2 (good wheel silent, bad wheel flagged)", len(diagnostics))
	}
}

func TestCrossCheckNoSdist(t *testing.T) {
	r := archive.New(discardLogger(), t.TempDir())
	bitmask, diagnostics, err := CrossCheck(r, "", map[string]string{"a.whl": "a.whl"})
	if err != nil {
		t.Fatalf("CrossCheck: %v", err)
	}
	if bitmask != NoSdist {
		t.Errorf("bitmask = %d, want %d", bitmask, NoSdist)
	}
	if diagnostics != nil {
		t.Errorf("diagnostics = %v, want nil", diagnostics)
	}
}

func TestDetectBuildBackend(t *testing.T) {
	dir := t.TempDir()
	sdistPath := filepath.Join(dir, "woah-0.1.tar.gz")
	writeTarGz(t, sdistPath, map[string]string{
		"woah-0.1/pyproject.toml": "[build-system]\nbuild-backend = \"setuptools.build_meta\"\n",
	})
	r := archive.New(discardLogger(), filepath.Join(dir, "ext"))
	backend, err := DetectBuildBackend(r, sdistPath)
	if err != nil {
		t.Fatalf("DetectBuildBackend: %v", err)
	}
	if backend != "setuptools.build_meta" {
		t.Errorf("backend = %q", backend)
	}
}

func TestDetectBuildBackendMissing(t *testing.T) {
	dir := t.TempDir()
	sdistPath := filepath.Join(dir, "woah-0.1.tar.gz")
	writeTarGz(t, sdistPath, map[string]string{"woah-0.1/setup.py": "pass\n"})
	r := archive.New(discardLogger(), filepath.Join(dir, "ext"))
	backend, err := DetectBuildBackend(r, sdistPath)
	if err != nil {
		t.Fatalf("DetectBuildBackend: %v", err)
	}
	if backend != NoPyprojectToml {
		t.Errorf("backend = %q, want %q", backend, NoPyprojectToml)
	}
}

func TestHasNativeModules(t *testing.T) {
	dir := t.TempDir()
	wheelPath := filepath.Join(dir, "woah-0.1-cp39-cp39-linux_x86_64.whl")
	writeZip(t, wheelPath, map[string]string{"woah/_native.so": "binary"})
	r := archive.New(discardLogger(), filepath.Join(dir, "ext"))
	has, err := HasNativeModules(r, wheelPath)
	if err != nil {
		t.Fatalf("HasNativeModules: %v", err)
	}
	if !has {
		t.Error("expected native module to be detected")
	}
}
