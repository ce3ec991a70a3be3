package hbwire

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbcrypto"
)

// jsonRoster is the serialized form of a roster snapshot.
// Validator IDs are derived from the keys on decode,
// so only the keys themselves go on the wire.
type jsonRoster struct {
	Keys      [][]byte `json:"keys"`
	OurID     string   `json:"our_id"`
	Threshold int      `json:"threshold"`
}

// MarshalRoster serializes roster, encoding each validator key
// through reg so the key algorithm travels with the key bytes.
// Hosts use this to persist network info snapshots
// and to hand rosters to newly joining peers.
func MarshalRoster(roster hbconsensus.Roster, reg *hbcrypto.Registry) ([]byte, error) {
	jr := jsonRoster{
		Keys:      make([][]byte, len(roster.Validators)),
		OurID:     roster.OurID.String(),
		Threshold: roster.Threshold,
	}
	for i, v := range roster.Validators {
		jr.Keys[i] = reg.Marshal(v.PubKey)
	}
	return json.Marshal(jr)
}

// UnmarshalRoster deserializes the result of a previous
// [MarshalRoster] call, decoding validator keys through reg.
func UnmarshalRoster(b []byte, reg *hbcrypto.Registry) (hbconsensus.Roster, error) {
	var jr jsonRoster
	if err := json.Unmarshal(b, &jr); err != nil {
		return hbconsensus.Roster{}, fmt.Errorf("failed to unmarshal roster: %w", err)
	}
	if jr.Threshold <= 0 {
		return hbconsensus.Roster{}, errors.New("roster threshold must be positive")
	}

	roster := hbconsensus.Roster{
		Validators: make([]hbconsensus.Validator, len(jr.Keys)),
		Threshold:  jr.Threshold,
	}
	for i, kb := range jr.Keys {
		key, err := reg.Unmarshal(kb)
		if err != nil {
			return hbconsensus.Roster{}, fmt.Errorf("invalid key for validator %d: %w", i, err)
		}
		id, err := hbconsensus.NodeIDFromPubKey(key)
		if err != nil {
			return hbconsensus.Roster{}, fmt.Errorf("unusable key for validator %d: %w", i, err)
		}
		roster.Validators[i] = hbconsensus.Validator{ID: id, PubKey: key}
	}

	idBytes, err := hex.DecodeString(jr.OurID)
	if err != nil || len(idBytes) != hbconsensus.NodeIDSize {
		return hbconsensus.Roster{}, fmt.Errorf("invalid local node id %q", jr.OurID)
	}
	copy(roster.OurID[:], idBytes)

	return roster, nil
}
