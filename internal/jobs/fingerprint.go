package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Fingerprint derives the dedupe key for an envelope: two messages with
// identical (type, payload, timestamp) hash to the same key within the
// rolling window. Collisions across distinct logical events with the same
// payload and timestamp are treated as duplicates on purpose; distinctness
// is only guaranteed while the marker lives.
func (m *Message) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(m.Kind))
	h.Write([]byte{'|'})
	h.Write(m.Payload)
	h.Write([]byte{'|'})
	h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	return "dedupe:" + hex.EncodeToString(h.Sum(nil))
}
