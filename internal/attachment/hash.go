package attachment

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/elemta-relay/relaycore/internal/store"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// KnownHash returns the content hash a descriptor declares up front,
// either explicitly or via a filename marker, or "" when the hash can
// only be known after fetching. Callers use this to consult the cache
// before paying for a fetch.
func KnownHash(d store.AttachmentDescriptor) string {
	if d.ContentHash != "" {
		return d.ContentHash
	}
	_, marker := stripHashMarker(d.Filename)
	return marker
}
