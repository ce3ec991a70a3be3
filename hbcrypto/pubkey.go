package hbcrypto

// PubKey is the minimal interface for a validator's public key.
type PubKey interface {
	// PubKeyBytes returns the raw bytes of the public key.
	PubKeyBytes() []byte

	// Equal reports whether other is the same key.
	Equal(other PubKey) bool

	// Verify reports whether sig is a valid signature of msg by this key.
	Verify(msg, sig []byte) bool

	// TypeName returns the name of the key's algorithm,
	// for self-describing serialized forms.
	TypeName() string
}
