// ABOUTME: Content fingerprinting for alert deduplication.
// ABOUTME: Hashes whitespace-normalized, lowercased text with BLAKE3.

package monitor

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a stable hash of the alert text, insensitive to case
// and whitespace layout. Two agent replies describing the same condition in
// the same words map to the same fingerprint even when formatting differs.
func Fingerprint(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
