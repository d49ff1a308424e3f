package hashring

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// HashValue is a position in hash space: the MD5 digest of an identity
// string, ordered by big-endian byte comparison.
type HashValue [md5.Size]byte

// HashOf returns the ring position for the given identity or object key.
func HashOf(s string) HashValue {
	return HashValue(md5.Sum([]byte(s)))
}

// ParseHashValue parses the lowercase hex form produced by String.
func ParseHashValue(s string) (HashValue, error) {
	var h HashValue
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash value %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash value %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Compare returns -1, 0 or +1 comparing h to o MSB first.
func (h HashValue) Compare(o HashValue) int {
	return bytes.Compare(h[:], o[:])
}

func (h HashValue) Less(o HashValue) bool {
	return h.Compare(o) < 0
}

func (h HashValue) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the value as lowercase hex.
func (h HashValue) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes the hex form.
func (h *HashValue) UnmarshalText(text []byte) error {
	v, err := ParseHashValue(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// HashRange is the half-open interval [Lower, Upper) of hash space owned by
// a node. When Lower >= Upper the range wraps past the top of the space, so
// the degenerate range of a lone member covers everything.
type HashRange struct {
	Lower HashValue `json:"lower"`
	Upper HashValue `json:"upper"`
}

// Contains reports whether h falls inside the range.
func (r HashRange) Contains(h HashValue) bool {
	if r.Lower.Less(r.Upper) {
		return r.Lower.Compare(h) <= 0 && h.Less(r.Upper)
	}
	return h.Compare(r.Lower) >= 0 || h.Less(r.Upper)
}

// Wraps reports whether the range crosses the top of hash space.
func (r HashRange) Wraps() bool {
	return !r.Lower.Less(r.Upper)
}

func (r HashRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Lower, r.Upper)
}
