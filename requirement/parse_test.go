package requirement

import (
	"strings"
	"testing"
)

func TestParseBasic(t *testing.T) {
	r, err := Parse("requests")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Name != "requests" || r.SpecifierString != "" || r.Marker != nil {
		t.Errorf("unexpected requirement: %+v", r)
	}
}

func TestParseExtrasSpecifierAndMarker(t *testing.T) {
	r, err := Parse(`Requests[security,tests] >= 2.8.1, == 2.8.* ; python_version < "2.7"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Name != "requests" {
		t.Errorf("Name = %q, want canonicalised \"requests\"", r.Name)
	}
	if r.OriginalName != "Requests" {
		t.Errorf("OriginalName = %q", r.OriginalName)
	}
	if len(r.Extras) != 2 || r.Extras[0] != "security" || r.Extras[1] != "tests" {
		t.Errorf("Extras = %v", r.Extras)
	}
	if r.Marker == nil {
		t.Fatal("expected a marker")
	}
	if !strings.Contains(r.MarkerString, "python_version") {
		t.Errorf("MarkerString = %q", r.MarkerString)
	}
}

func TestParseParenthesisedSpecifier(t *testing.T) {
	r, err := Parse("foo (>=1.0,<2.0)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.SpecifierString != ">=1.0,<2.0" {
		t.Errorf("SpecifierString = %q", r.SpecifierString)
	}
}

func TestConvertSdistRequires(t *testing.T) {
	input := strings.NewReader(strings.Join([]string{
		"requests>=2.8.1",
		"",
		"[tests]",
		"pytest",
		"",
		"[:python_version<\"3.0\"]",
		"configparser",
		"",
		"[dev:sys_platform=='linux']",
		"ipython",
	}, "\n"))

	out, err := ConvertSdistRequires(input)
	if err != nil {
		t.Fatalf("ConvertSdistRequires: %v", err)
	}
	want := []string{
		"requests>=2.8.1",
		"pytest ; extra == 'tests'",
		`configparser ; python_version<"3.0"`,
		"ipython ; (sys_platform=='linux') and extra == 'dev'",
	}
	if len(out) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(out), len(want), out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, out[i], want[i])
		}
	}
}
