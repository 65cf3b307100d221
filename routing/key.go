package routing

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// MaxPrincipalLen is the maximum length in bytes of a principal identifier.
const MaxPrincipalLen = 29

// Key is a canister identifier mapped into the 256-bit address space used
// for range comparisons. Principal bytes are left-padded with zeros to 32
// bytes and interpreted big-endian, so byte-wise comparison of Keys matches
// numeric comparison of the underlying 256-bit integers.
type Key [32]byte

// KeyFromPrincipal converts raw principal bytes to a Key. Principals longer
// than MaxPrincipalLen violate a system precondition and are rejected, never
// truncated.
func KeyFromPrincipal(principal []byte) (Key, error) {
	if len(principal) > MaxPrincipalLen {
		return Key{}, fmt.Errorf("principal is %d bytes, must be at most %d", len(principal), MaxPrincipalLen)
	}

	var key Key
	copy(key[len(key)-len(principal):], principal)
	return key, nil
}

// Compare returns -1, 0 or 1 comparing k and other as 256-bit integers.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// String returns the hex representation, for logs and test failures.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
