// Package ids generates identifiers for stored entities and dispensing units.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// BottlePrefix marks bottle uids printed on dispensing labels
const BottlePrefix = "BTL-"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a random entity identifier
func New() string {
	return uuid.New().String()
}

// NewBottleUID returns a lexicographically sortable bottle identifier.
// Monotonic entropy keeps uids strictly increasing within a process, so two
// bottles issued in the same millisecond never collide.
func NewBottleUID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return BottlePrefix + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSealBatchID returns a tamper-seal batch id of the form {year}-{8 uppercase hex}
func NewSealBatchID(at time.Time) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint32(b[:], mathrand.Uint32())
	}
	return fmt.Sprintf("%d-%08X", at.Year(), binary.BigEndian.Uint32(b[:]))
}
