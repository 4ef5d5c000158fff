// ABOUTME: SourceHash fingerprints pipeline DOT text so runs can be matched to their source.
// ABOUTME: Raw SHA-256 over the bytes; no whitespace or comment normalization.
package attractor

import (
	"crypto/sha256"
	"encoding/hex"
)

// SourceHash returns the lowercase hex SHA-256 of source. Any byte-level edit
// to the file yields a different hash.
func SourceHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
