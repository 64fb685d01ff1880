// Package record defines the harvested record type shared by the fetch,
// classification and merge stages.
package record

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Record is one harvested observation.
type Record struct {
	// NaturalKey is the deterministic identity used for deduplication. It is
	// derived from stable identifying fields, never from the payload as a
	// whole, so re-fetching the same observation always yields the same key.
	NaturalKey string
	// Code is the source's classification code (e.g. "1340" for nitrate).
	Code string
	// Timestamp orders the record inside its category store.
	Timestamp time.Time
	// Fields holds the remaining payload, flattened field name → value.
	Fields map[string]any
}

const keyLen = 16 // bytes of BLAKE2b output kept; 32 hex chars

// Key derives a natural key from the record's stable identifying fields.
// Field order matters: callers must pass fields in a fixed order. Each value
// is length-prefixed so ("ab","c") and ("a","bc") hash differently.
func Key(fields ...string) string {
	h, _ := blake2b.New(keyLen, nil)
	var n [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
