// Package hbcryptotest provides deterministic key material for tests.
package hbcryptotest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"sync"

	"github.com/mellivora-engine/mellivora/hbcrypto"
)

var (
	muEd sync.Mutex

	generatedEd25519 []ed25519.PrivateKey
)

// DeterministicEd25519Signers returns a deterministic slice of ed25519 signers.
//
// Deterministic keys keep validator IDs stable across test runs,
// which simplifies reading logs while debugging,
// and the generated keys are cached so repeated calls are effectively free.
func DeterministicEd25519Signers(n int) []hbcrypto.Ed25519Signer {
	muEd.Lock()
	defer muEd.Unlock()

	for i := len(generatedEd25519); i < n; i++ {
		seed := sha512.Sum512_256([]byte(fmt.Sprintf("mellivora-ed25519-%d", i)))
		generatedEd25519 = append(generatedEd25519, ed25519.NewKeyFromSeed(seed[:]))
	}

	res := make([]hbcrypto.Ed25519Signer, n)
	for i := range res {
		res[i] = hbcrypto.NewEd25519Signer(bytes.Clone(generatedEd25519[i]))
	}
	return res
}
