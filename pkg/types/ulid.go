package types

import (
	"crypto/rand"
	"sync"
	"time"
)

// EventID is a ULID: a 48-bit millisecond timestamp followed by 80 random bits.
// Its byte order and its 26-character Crockford Base32 form sort identically,
// so ids stored as TEXT compare in generation order.
type EventID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U)
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// IDGenerator hands out strictly increasing EventIDs.
//
// Within one millisecond the random component is incremented instead of
// re-drawn. If the clock reports a time earlier than the last id issued, the
// last timestamp is reused, so ids never go backwards.
type IDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
	seeded        bool
}

// NewIDGenerator creates a generator with no history.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Seed makes every subsequent id greater than last. The store calls this with
// the largest persisted id when it opens.
func (g *IDGenerator) Seed(last EventID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := last.Timestamp()
	if g.seeded && ts < g.lastTimestamp {
		return
	}
	g.lastTimestamp = ts
	copy(g.lastRandom[:], last[6:])
	g.seeded = true
}

// Next returns a new id stamped with the current time.
func (g *IDGenerator) Next() (EventID, error) {
	return g.NextAt(time.Now())
}

// NextAt returns a new id stamped with t, or with the previous timestamp if t
// is older than it.
func (g *IDGenerator) NextAt(t time.Time) (EventID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := uint64(t.UnixMilli())
	if g.seeded && timestamp < g.lastTimestamp {
		timestamp = g.lastTimestamp
	}

	if g.seeded && timestamp == g.lastTimestamp {
		if !g.incrementRandom() {
			// 2^80 ids in one millisecond: move to the next one.
			timestamp++
			if _, err := rand.Read(g.lastRandom[:]); err != nil {
				return EventID{}, err
			}
		}
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return EventID{}, err
		}
	}
	g.lastTimestamp = timestamp
	g.seeded = true

	var id EventID
	id[0] = byte(timestamp >> 40)
	id[1] = byte(timestamp >> 32)
	id[2] = byte(timestamp >> 24)
	id[3] = byte(timestamp >> 16)
	id[4] = byte(timestamp >> 8)
	id[5] = byte(timestamp)
	copy(id[6:], g.lastRandom[:])
	return id, nil
}

// incrementRandom adds one to the random component as a big-endian 80-bit
// integer. It returns false when the component wrapped around to zero.
func (g *IDGenerator) incrementRandom() bool {
	for i := 9; i >= 0; i-- {
		g.lastRandom[i]++
		if g.lastRandom[i] != 0 {
			return true
		}
	}
	return false
}

// Timestamp returns the millisecond timestamp encoded in the id.
func (id EventID) Timestamp() uint64 {
	return uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
}

// Time returns the timestamp component as a time.Time.
func (id EventID) Time() time.Time {
	return time.UnixMilli(int64(id.Timestamp()))
}

// IsZero reports whether id is the zero value.
func (id EventID) IsZero() bool {
	return id == EventID{}
}

// String returns the 26-character Crockford Base32 form.
func (id EventID) String() string {
	var buf [26]byte

	// timestamp: 48 bits -> 10 characters
	buf[0] = crockfordBase32[(id[0]&224)>>5]
	buf[1] = crockfordBase32[id[0]&31]
	buf[2] = crockfordBase32[(id[1]&248)>>3]
	buf[3] = crockfordBase32[((id[1]&7)<<2)|((id[2]&192)>>6)]
	buf[4] = crockfordBase32[(id[2]&62)>>1]
	buf[5] = crockfordBase32[((id[2]&1)<<4)|((id[3]&240)>>4)]
	buf[6] = crockfordBase32[((id[3]&15)<<1)|((id[4]&128)>>7)]
	buf[7] = crockfordBase32[(id[4]&124)>>2]
	buf[8] = crockfordBase32[((id[4]&3)<<3)|((id[5]&224)>>5)]
	buf[9] = crockfordBase32[id[5]&31]

	// random: 80 bits -> 16 characters
	buf[10] = crockfordBase32[(id[6]&248)>>3]
	buf[11] = crockfordBase32[((id[6]&7)<<2)|((id[7]&192)>>6)]
	buf[12] = crockfordBase32[(id[7]&62)>>1]
	buf[13] = crockfordBase32[((id[7]&1)<<4)|((id[8]&240)>>4)]
	buf[14] = crockfordBase32[((id[8]&15)<<1)|((id[9]&128)>>7)]
	buf[15] = crockfordBase32[(id[9]&124)>>2]
	buf[16] = crockfordBase32[((id[9]&3)<<3)|((id[10]&224)>>5)]
	buf[17] = crockfordBase32[id[10]&31]
	buf[18] = crockfordBase32[(id[11]&248)>>3]
	buf[19] = crockfordBase32[((id[11]&7)<<2)|((id[12]&192)>>6)]
	buf[20] = crockfordBase32[(id[12]&62)>>1]
	buf[21] = crockfordBase32[((id[12]&1)<<4)|((id[13]&240)>>4)]
	buf[22] = crockfordBase32[((id[13]&15)<<1)|((id[14]&128)>>7)]
	buf[23] = crockfordBase32[(id[14]&124)>>2]
	buf[24] = crockfordBase32[((id[14]&3)<<3)|((id[15]&224)>>5)]
	buf[25] = crockfordBase32[id[15]&31]

	return string(buf[:])
}

// Compare returns -1, 0 or 1 as id sorts before, equal to, or after other.
func (id EventID) Compare(other EventID) int {
	for i := 0; i < 16; i++ {
		if id[i] < other[i] {
			return -1
		}
		if id[i] > other[i] {
			return 1
		}
	}
	return 0
}

// ParseEventID parses the 26-character string form.
func ParseEventID(s string) (EventID, error) {
	if len(s) != 26 {
		return EventID{}, ErrInvalidIDLength
	}

	var dec [26]byte
	for i := 0; i < len(s); i++ {
		v := decodeBase32(s[i])
		if v == 0xFF {
			return EventID{}, ErrInvalidIDCharacter
		}
		dec[i] = v
	}
	// The first character only carries 3 bits.
	if dec[0] > 7 {
		return EventID{}, ErrIDOverflow
	}

	var id EventID
	id[0] = (dec[0] << 5) | dec[1]
	id[1] = (dec[2] << 3) | (dec[3] >> 2)
	id[2] = (dec[3] << 6) | (dec[4] << 1) | (dec[5] >> 4)
	id[3] = (dec[5] << 4) | (dec[6] >> 1)
	id[4] = (dec[6] << 7) | (dec[7] << 2) | (dec[8] >> 3)
	id[5] = (dec[8] << 5) | dec[9]

	id[6] = (dec[10] << 3) | (dec[11] >> 2)
	id[7] = (dec[11] << 6) | (dec[12] << 1) | (dec[13] >> 4)
	id[8] = (dec[13] << 4) | (dec[14] >> 1)
	id[9] = (dec[14] << 7) | (dec[15] << 2) | (dec[16] >> 3)
	id[10] = (dec[16] << 5) | dec[17]
	id[11] = (dec[18] << 3) | (dec[19] >> 2)
	id[12] = (dec[19] << 6) | (dec[20] << 1) | (dec[21] >> 4)
	id[13] = (dec[21] << 4) | (dec[22] >> 1)
	id[14] = (dec[22] << 7) | (dec[23] << 2) | (dec[24] >> 3)
	id[15] = (dec[24] << 5) | dec[25]

	return id, nil
}

// decodeBase32 decodes a single Crockford Base32 character, case-insensitively.
// Returns 0xFF for characters outside the alphabet.
func decodeBase32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'H':
		return c - 'A' + 10
	case c >= 'J' && c <= 'K':
		return c - 'J' + 18
	case c >= 'M' && c <= 'N':
		return c - 'M' + 20
	case c >= 'P' && c <= 'T':
		return c - 'P' + 22
	case c >= 'V' && c <= 'Z':
		return c - 'V' + 27
	default:
		return 0xFF
	}
}
