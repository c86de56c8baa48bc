package scrape

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashContent computes the dedup digest over a normalized signal body.
// Whitespace runs collapse to single spaces and case is folded, so trivial
// reformatting of the same scraped text still collides.
func HashContent(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
