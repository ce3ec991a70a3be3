package hbcrypto

import (
	"github.com/bits-and-blooms/bitset"
)

// SealProof accumulates validator signature shares over a single message,
// typically a block hash, until enough are present to assemble a [Seal].
//
// The proof tracks share presence by candidate key index in a bitset,
// and assembly iterates that bitset in ascending order,
// so the assembled seal is a pure function of the share set:
// arrival order never influences the output.
type SealProof struct {
	msg []byte

	// Candidate keys, in roster order.
	keys []PubKey

	// string(pub key bytes) -> index in keys.
	keyIdxs map[string]int

	// Indication of the candidate key set,
	// so that shares and seals are only combined against the same roster.
	keyHash []byte

	// Share bytes by key index; only set bits of the bitset have entries.
	shares map[uint][]byte

	bits *bitset.BitSet
}

// NewSealProof returns a proof collecting shares of msg
// from the ordered candidate key set.
func NewSealProof(msg []byte, candidateKeys []PubKey) (*SealProof, error) {
	keyHash, err := PubKeyHash(candidateKeys)
	if err != nil {
		return nil, err
	}

	keyIdxs := make(map[string]int, len(candidateKeys))
	for i, k := range candidateKeys {
		keyIdxs[string(k.PubKeyBytes())] = i
	}

	return &SealProof{
		msg:     msg,
		keys:    candidateKeys,
		keyIdxs: keyIdxs,
		keyHash: keyHash,
		shares:  make(map[uint][]byte),
		bits:    bitset.New(uint(len(candidateKeys))),
	}, nil
}

func (p *SealProof) Message() []byte {
	return p.msg
}

func (p *SealProof) PubKeyHash() []byte {
	return p.keyHash
}

// AddShare verifies and records one share from key.
// Returns [ErrUnknownKey] if key is not in the candidate set,
// or [ErrInvalidShare] if the share does not verify.
// Re-adding a share for a key that already has one is a no-op.
func (p *SealProof) AddShare(share []byte, key PubKey) error {
	keyIdx, ok := p.keyIdxs[string(key.PubKeyBytes())]
	if !ok {
		return ErrUnknownKey
	}
	if !key.Verify(p.msg, share) {
		return ErrInvalidShare
	}

	p.shares[uint(keyIdx)] = share
	p.bits.Set(uint(keyIdx))
	return nil
}

// ShareCount returns the number of distinct shares present.
func (p *SealProof) ShareCount() int {
	return int(p.bits.Count())
}

// Ready reports whether the proof holds at least threshold distinct shares.
func (p *SealProof) Ready(threshold int) bool {
	return p.ShareCount() >= threshold
}

// Assemble produces the seal from the accumulated shares.
// Returns [ErrThresholdNotMet] if fewer than threshold shares are present.
func (p *SealProof) Assemble(threshold int) (Seal, error) {
	if !p.Ready(threshold) {
		return Seal{}, ErrThresholdNotMet
	}

	shares := make([]SealShare, 0, p.ShareCount())
	for i, ok := p.bits.NextSet(0); ok; i, ok = p.bits.NextSet(i + 1) {
		shares = append(shares, SealShare{
			KeyIndex:  i,
			Signature: p.shares[i],
		})
	}

	return Seal{
		PubKeyHash: p.keyHash,
		Shares:     shares,
	}, nil
}
