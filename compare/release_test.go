package compare

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/a-h/honesty/archive"
	"github.com/a-h/honesty/cache"
	"github.com/a-h/honesty/pypiindex"
)

func TestCheckReleaseEndToEnd(t *testing.T) {
	dir := t.TempDir()
	sdistPath := filepath.Join(dir, "woah-0.1.tar.gz")
	writeTarGz(t, sdistPath, map[string]string{
		"woah-0.1/woah/__init__.py": "print(1)\n",
		"woah-0.1/pyproject.toml":   "[build-system]\nbuild-backend = \"flit_core.buildapi\"\n",
	})
	wheelPath := filepath.Join(dir, "woah-0.1-py3-none-any.whl")
	writeZip(t, wheelPath, map[string]string{
		"woah/__init__.py":            "print(2)\n", // diverges from the sdist
		"woah-0.1.dist-info/METADATA": "Name: woah\n",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(filepath.Join(dir, filepath.Base(r.URL.Path)))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	pkg := pypiindex.NewPackage("woah", "woah")
	release := &pypiindex.Release{
		VersionString: "0.1",
		Files: []pypiindex.File{
			{URL: srv.URL + "/woah-0.1.tar.gz", Basename: "woah-0.1.tar.gz", Kind: pypiindex.SDIST},
			{URL: srv.URL + "/woah-0.1-py3-none-any.whl", Basename: "woah-0.1-py3-none-any.whl", Kind: pypiindex.BDIST_WHEEL},
		},
	}
	pkg.AddRelease(release)

	c := cache.New(discardLogger(), t.TempDir(), srv.URL+"/simple/", srv.Client())
	ar := archive.New(discardLogger(), filepath.Join(t.TempDir(), "ext"))

	report, err := CheckRelease(t.Context(), discardLogger(), c, ar, pkg, release)
	if err != nil {
		t.Fatalf("CheckRelease: %v", err)
	}
	if report.Bitmask != Mismatch {
		t.Errorf("Bitmask = %d, want %d", report.Bitmask, Mismatch)
	}
	if report.BuildBackend != "flit_core.buildapi" {
		t.Errorf("BuildBackend = %q", report.BuildBackend)
	}
	if report.HasNativeModules {
		t.Error("no native modules in this wheel")
	}
}
