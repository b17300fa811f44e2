// Package idgen generates compact, roughly time-ordered session and trace
// identifiers: 4 bytes of unix timestamp, 3 bytes of node id, a 2-byte
// sequence counter and 3 random bytes, base32-encoded to ~20 characters.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	nodeID   [3]byte
	sequence uint32

	encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err != nil {
		// Degrade to a hostname-derived id if the entropy source is broken.
		hostname, herr := os.Hostname()
		if herr != nil {
			hostname = time.Now().String()
		}
		copy(nodeID[:], hostname)
	}
}

// New returns a fresh identifier. Ids generated in the same second on the
// same node are ordered by the sequence counter.
func New() string {
	var id [12]byte

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], nodeID[:])

	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)

	if _, err := rand.Read(id[9:12]); err != nil {
		nano := uint32(time.Now().UnixNano())
		id[9] = byte(nano >> 16)
		id[10] = byte(nano >> 8)
		id[11] = byte(nano)
	}

	return strings.ToLower(encoding.EncodeToString(id[:]))
}
