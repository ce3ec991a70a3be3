package hbcrypto

import "context"

// Signer produces signature shares against an input.
type Signer interface {
	// PubKey returns the signer's public key.
	PubKey() PubKey

	// Sign returns the signature for a given input.
	// It accepts a context in case the signing happens remotely.
	Sign(ctx context.Context, input []byte) (signature []byte, err error)
}
