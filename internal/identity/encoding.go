package identity

import "strings"

const fieldSep = "\x1f" // unit separator: never occurs in base64/RFC3339 text

// joinFields encodes a handful of string fields with a separator that
// cannot appear in any of them, avoiding the overhead of a general-purpose
// marshaler for these small, infrequently-written rows.
func joinFields(fields ...string) []byte {
	return []byte(strings.Join(fields, fieldSep))
}

// splitFields splits raw into at least n fields, padding with empty strings
// if raw is short; any extra fields are returned too (tolerates future
// fields being added).
func splitFields(raw []byte, n int) []string {
	parts := strings.Split(string(raw), fieldSep)
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}
