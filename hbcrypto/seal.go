package hbcrypto

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SealShare is one validator's contribution to a block seal.
// The key index refers to the candidate key set the seal was assembled against.
type SealShare struct {
	KeyIndex  uint   `json:"key_index"`
	Signature []byte `json:"signature"`
}

// Seal is an assembled block seal:
// at least a threshold count of distinct validator signature shares
// over the same block hash, ordered ascending by key index.
//
// The key hash pins the seal to a specific ordered candidate key set,
// so that two seals can only be compared against the same roster.
type Seal struct {
	PubKeyHash []byte      `json:"pub_key_hash"`
	Shares     []SealShare `json:"shares"`
}

// SignedBy reports whether the seal contains a share from the key at idx.
func (s Seal) SignedBy(idx uint) bool {
	for _, sh := range s.Shares {
		if sh.KeyIndex == idx {
			return true
		}
	}
	return false
}

// PubKeyHash calculates the hash of the ordered candidate key set.
func PubKeyHash(keys []PubKey) ([]byte, error) {
	hasher, err := blake2b.New(32, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create new blake2b hasher: %w", err)
	}

	for i, k := range keys {
		if i > 0 {
			hasher.Write([]byte{','})
		}
		fmt.Fprintf(hasher, "%s:%x", k.TypeName(), k.PubKeyBytes())
	}

	return hasher.Sum(nil), nil
}

// VerifySeal reports whether seal is a valid seal of msg
// against the ordered candidate key set and the given threshold.
//
// Every listed share must verify against its key,
// key indexes must be strictly ascending (which also forbids duplicates),
// and there must be at least threshold shares.
func VerifySeal(msg []byte, seal Seal, keys []PubKey, threshold int) bool {
	if len(seal.Shares) < threshold {
		return false
	}

	keyHash, err := PubKeyHash(keys)
	if err != nil {
		return false
	}
	if !bytes.Equal(keyHash, seal.PubKeyHash) {
		return false
	}

	prev := -1
	for _, sh := range seal.Shares {
		if int(sh.KeyIndex) <= prev {
			return false
		}
		prev = int(sh.KeyIndex)

		if sh.KeyIndex >= uint(len(keys)) {
			return false
		}
		if !keys[sh.KeyIndex].Verify(msg, sh.Signature) {
			return false
		}
	}

	return true
}
