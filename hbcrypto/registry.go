package hbcrypto

import (
	"bytes"
	"fmt"
)

// Key type names are encoded as a fixed-width, zero-padded prefix.
const typePrefixSize = 8

// NewPubKeyFunc constructs a PubKey from its raw bytes.
type NewPubKeyFunc func([]byte) (PubKey, error)

// Registry maps public key type names to their decode functions,
// so rosters can be persisted and exchanged on the wire without
// fixing the key algorithm at compile time.
//
// Register all expected key types before any concurrent use;
// the zero value is ready to use.
type Registry struct {
	decoders map[string]NewPubKeyFunc
}

// Register makes keys whose TypeName is name decodable.
// Registering a name twice replaces the earlier decoder.
func (r *Registry) Register(name string, newFn NewPubKeyFunc) {
	if len(name) > typePrefixSize {
		panic(fmt.Errorf("key type name %q exceeds %d bytes", name, typePrefixSize))
	}
	if r.decoders == nil {
		r.decoders = map[string]NewPubKeyFunc{}
	}
	r.decoders[name] = newFn
}

// Marshal encodes key with its type name as the prefix.
// It panics if the key's type was never registered,
// since such a key could not be decoded again.
func (r *Registry) Marshal(key PubKey) []byte {
	name := key.TypeName()
	if _, ok := r.decoders[name]; !ok {
		panic(fmt.Errorf("marshal of unregistered key type %q", name))
	}

	out := make([]byte, typePrefixSize, typePrefixSize+len(key.PubKeyBytes()))
	copy(out, name)
	return append(out, key.PubKeyBytes()...)
}

// Unmarshal decodes the result of a previous [*Registry.Marshal] call.
// The returned key may retain a reference to b,
// so b must not be modified afterwards.
func (r *Registry) Unmarshal(b []byte) (PubKey, error) {
	if len(b) < typePrefixSize {
		return nil, fmt.Errorf("encoded public key too short: %d bytes", len(b))
	}
	name := string(bytes.TrimRight(b[:typePrefixSize], "\x00"))
	return r.Decode(name, b[typePrefixSize:])
}

// Decode returns a key of the named type built from its raw bytes.
func (r *Registry) Decode(typeName string, b []byte) (PubKey, error) {
	fn := r.decoders[typeName]
	if fn == nil {
		return nil, fmt.Errorf("no decoder registered for key type %q", typeName)
	}
	return fn(b)
}
