package logging

import "strings"

// MaskKeyID returns a log-safe form of an API key identifier: the
// first four and last two characters with the middle elided. Short
// identifiers are fully masked.
//
// Key IDs are not secrets, but deployments that reuse the key string
// as the ID would otherwise leak credentials into log aggregation.
func MaskKeyID(id string) string {
	if len(id) <= 8 {
		return strings.Repeat("*", len(id))
	}
	return id[:4] + "…" + id[len(id)-2:]
}
