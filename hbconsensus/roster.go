package hbconsensus

import (
	"github.com/mellivora-engine/mellivora/hbcrypto"
)

// Validator is one member of the active validator set.
type Validator struct {
	ID     NodeID
	PubKey hbcrypto.PubKey
}

// Roster is the engine-side snapshot of the BFT core's network information
// for one honey-badger epoch:
// the ordered validator set, the local node's identity,
// and the number of signature shares required to assemble a block seal.
type Roster struct {
	// Validators in canonical order.
	// The order is fixed for the lifetime of the roster;
	// seal share indexes refer to positions in this slice.
	Validators []Validator

	// OurID is the local node.
	// It is not required to be a roster member;
	// observer nodes track consensus without contributing shares.
	OurID NodeID

	// Threshold is the number of distinct shares required for a valid seal.
	Threshold int
}

// Index returns the position of id in the validator set,
// or -1 if id is not a member.
func (r Roster) Index(id NodeID) int {
	for i, v := range r.Validators {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// OurIndex returns the local node's position in the validator set,
// or -1 for observer nodes.
func (r Roster) OurIndex() int {
	return r.Index(r.OurID)
}

// Contains reports whether id is a roster member.
func (r Roster) Contains(id NodeID) bool {
	return r.Index(id) >= 0
}

// PubKeys returns the validators' public keys in roster order.
func (r Roster) PubKeys() []hbcrypto.PubKey {
	keys := make([]hbcrypto.PubKey, len(r.Validators))
	for i, v := range r.Validators {
		keys[i] = v.PubKey
	}
	return keys
}

// KeyHash returns the hash pinning this roster's ordered key set.
func (r Roster) KeyHash() ([]byte, error) {
	return hbcrypto.PubKeyHash(r.PubKeys())
}

// PubKeyOf returns the public key for id, or nil if id is not a member.
func (r Roster) PubKeyOf(id NodeID) hbcrypto.PubKey {
	i := r.Index(id)
	if i < 0 {
		return nil
	}
	return r.Validators[i].PubKey
}

// OtherIDs returns all roster members except the local node.
func (r Roster) OtherIDs() []NodeID {
	ids := make([]NodeID, 0, len(r.Validators))
	for _, v := range r.Validators {
		if v.ID != r.OurID {
			ids = append(ids, v.ID)
		}
	}
	return ids
}
