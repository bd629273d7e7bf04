package osbackfill

import "strings"

// ClassifyOS derives a device class from the raw source-application string.
// Matching is case-insensitive substring containment; the mac rule is checked
// first, so mac wins when both substrings appear. The second return value is
// false when the string matches neither rule.
func ClassifyOS(sourceApp string) (OSTag, bool) {
	lowered := strings.ToLower(sourceApp)
	switch {
	case strings.Contains(lowered, "mac"):
		return OSMac, true
	case strings.Contains(lowered, "windows"):
		return OSWindows, true
	default:
		return "", false
	}
}

// ValidRow reports whether the row carries all fields required for an update.
func ValidRow(row Row) bool {
	for _, col := range []string{ColPrimaryID, ColDeviceID, ColSourceApp} {
		if strings.TrimSpace(row[col]) == "" {
			return false
		}
	}
	return true
}
