// Package integrity provides content hashing for sidecar frames. Hashes are
// computed over uncompressed payload bytes so they stay comparable across
// compression changes.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Error reports a content hash mismatch on read. The payload that produced
// it must never be returned to callers or cached.
type Error struct {
	Expected string
	Actual   string
}

func (e Error) Error() string {
	return fmt.Sprintf("content hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Verify recomputes the digest of data and compares it against want. An
// empty want skips verification (rows written before hashing was recorded).
func Verify(data []byte, want string) error {
	if want == "" {
		return nil
	}
	if got := Sum(data); got != want {
		return Error{Expected: want, Actual: got}
	}
	return nil
}
