package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// IDBytes is the width of a node identifier: 160 bits.
const IDBytes = 20

// NodeID identifies a peer in the 160-bit Kademlia id space.
type NodeID [IDBytes]byte

var zeroID NodeID

// RandomNodeID returns a uniformly random identifier.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return id
}

// ParseNodeID decodes a 40-char hex identifier.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse node id: %w", err)
	}
	if len(raw) != IDBytes {
		return id, fmt.Errorf("parse node id: want %d bytes, got %d", IDBytes, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id NodeID) IsZero() bool {
	return id == zeroID
}

// MarshalText makes NodeID usable as a JSON object key.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Distance is the XOR of two identifiers, interpreted as a 160-bit
// big-endian unsigned integer.
type Distance [IDBytes]byte

func XORDistance(a, b NodeID) Distance {
	var d Distance
	for i := 0; i < IDBytes; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp compares two distances as unsigned integers: -1 if d < other,
// 0 if equal, 1 if d > other.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

func (d Distance) IsZero() bool {
	return d == Distance{}
}

// BucketIndex returns the position of the highest set bit of the
// distance, counting from the least significant bit. The result is in
// [0, 159]; a zero distance (self) yields -1.
func (d Distance) BucketIndex() int {
	for i := 0; i < IDBytes; i++ {
		if d[i] != 0 {
			return (IDBytes-1-i)*8 + (7 - bits.LeadingZeros8(d[i]))
		}
	}
	return -1
}
