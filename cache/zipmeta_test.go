package cache

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func buildWheel(t *testing.T, distInfo string, metadata string) []byte {
	t.Helper()
	pkgDir := strings.Split(distInfo, ".")[0]
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		distInfo + "/METADATA":             metadata,
		distInfo + "/nested/deep/METADATA": "Name: wrong\n",
		pkgDir + "/__init__.py":            "",
	} {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

func TestFetchWheelMetadataRemote(t *testing.T) {
	metadata := "Metadata-Version: 2.1\nName: woah\nVersion: 0.1\nRequires-Dist: requests\n"
	wheel := buildWheel(t, "woah-0.1.dist-info", metadata)
	srv := rangeServer(t, wheel)
	defer srv.Close()

	got, err := FetchWheelMetadataRemote(t.Context(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("FetchWheelMetadataRemote: %v", err)
	}
	// The shortest-named */METADATA member wins over the nested decoy.
	if string(got) != metadata {
		t.Fatalf("metadata = %q, want %q", got, metadata)
	}
}
