package utils

import "strings"

// reserved characters that cannot appear in local file names on at least
// one supported platform. Each is replaced with an underscore so the same
// manifest always maps to the same local name.
const reservedChars = `<>:"/\|?*`

// SanitizeFilename maps a remote manifest name to a safe local file name.
// Manifest names may contain path separators; the layout is flat per item,
// so separators are flattened rather than treated as directories.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(reservedChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
