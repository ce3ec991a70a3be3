package hbconsensus

import (
	"encoding/hex"
	"fmt"

	"github.com/mellivora-engine/mellivora/hbcrypto"
)

// NodeIDSize is the size in bytes of a validator identifier.
const NodeIDSize = 32

// NodeID identifies a validator on the wire and in the roster.
// It is the raw bytes of the validator's ed25519 public key,
// fixed-size so it is usable as a map key.
type NodeID [NodeIDSize]byte

// NodeIDFromPubKey derives the NodeID for a public key.
func NodeIDFromPubKey(key hbcrypto.PubKey) (NodeID, error) {
	var id NodeID
	b := key.PubKeyBytes()
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("public key has %d bytes, want %d", len(b), NodeIDSize)
	}
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}
