package dlist

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// GUID is the 160-bit content identifier of a message, the SHA-1 of its raw
// bytes, hex-encoded on the wire and in the index.
type GUID [sha1.Size]byte

// MakeGUID returns the GUID for raw message bytes.
func MakeGUID(data []byte) GUID {
	return GUID(sha1.Sum(data))
}

// ParseGUID parses a 40-character lower-case hex GUID.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	if len(s) != 2*sha1.Size {
		return g, fmt.Errorf("bad guid length %d", len(s))
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return g, fmt.Errorf("bad guid: %v", err)
	}
	copy(g[:], buf)
	return g, nil
}

// String returns the lower-case hex encoding.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}
