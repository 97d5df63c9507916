// ABOUTME: Stable content fingerprinting for inbound message deduplication.
// ABOUTME: Hashes a scope key and content into a fixed-length hex digest.

package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a stable hex digest identifying a message within a
// scope. The scope key and content are joined with a NUL separator so that
// ("ab","c") and ("a","bc") never collide.
func Fingerprint(scopeKey, content string) string {
	h := sha256.New()
	h.Write([]byte(scopeKey))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
