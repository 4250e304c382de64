package pypiindex

import "strings"

// Canonicalize normalises a project name per PEP 503: lowercase, with runs of
// '-', '_' and '.' collapsed to a single '-'. It is idempotent:
// Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(name))
	inRun := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			if !inRun && b.Len() > 0 {
				b.WriteByte('-')
			}
			inRun = true
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return strings.TrimSuffix(b.String(), "-")
}
