// Package hbwire defines the wire envelope for engine-to-engine traffic.
//
// The envelope is self-describing JSON with a kind discriminator,
// so peers can route a message without understanding its payload:
//
//	{"kind":"consensus","sequence":7,"payload":{...}}
//	{"kind":"seal","block_number":42,"payload":{...}}
package hbwire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbseal"
)

const (
	kindConsensus = "consensus"
	kindSeal      = "seal"
)

// ConsensusEnvelope wraps a BFT-core message with its dispatch sequence number.
// The sequence number is advisory; recipients use it for diagnostics only.
type ConsensusEnvelope struct {
	Sequence uint64
	Payload  hbconsensus.CoreMessage
}

// SealEnvelope wraps a signature share with its target block number.
type SealEnvelope struct {
	BlockNumber uint64
	Payload     hbseal.Message
}

// Envelope is a wrapper around the two kinds of messages
// exchanged between engine instances.
// Exactly one of the fields must be set.
type Envelope struct {
	Consensus *ConsensusEnvelope
	Seal      *SealEnvelope
}

type jsonEnvelope struct {
	Kind        string          `json:"kind"`
	Sequence    uint64          `json:"sequence,omitempty"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Marshal serializes e.
// It returns an error unless exactly one envelope variant is set.
func Marshal(e Envelope) ([]byte, error) {
	switch {
	case e.Consensus != nil && e.Seal == nil:
		payload, err := json.Marshal(e.Consensus.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal consensus payload: %w", err)
		}
		return json.Marshal(jsonEnvelope{
			Kind:     kindConsensus,
			Sequence: e.Consensus.Sequence,
			Payload:  payload,
		})

	case e.Seal != nil && e.Consensus == nil:
		payload, err := json.Marshal(e.Seal.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal seal payload: %w", err)
		}
		return json.Marshal(jsonEnvelope{
			Kind:        kindSeal,
			BlockNumber: e.Seal.BlockNumber,
			Payload:     payload,
		})

	default:
		return nil, errors.New("exactly one envelope variant must be set")
	}
}

// Unmarshal deserializes b into e.
// Unknown kinds, missing payloads, and malformed JSON are all errors;
// the caller treats any failure as a malformed message.
func Unmarshal(b []byte, e *Envelope) error {
	var je jsonEnvelope
	if err := json.Unmarshal(b, &je); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if len(je.Payload) == 0 {
		return errors.New("envelope is missing a payload")
	}

	switch je.Kind {
	case kindConsensus:
		var msg hbconsensus.CoreMessage
		if err := json.Unmarshal(je.Payload, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal consensus payload: %w", err)
		}
		*e = Envelope{Consensus: &ConsensusEnvelope{
			Sequence: je.Sequence,
			Payload:  msg,
		}}
		return nil

	case kindSeal:
		var msg hbseal.Message
		if err := json.Unmarshal(je.Payload, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal seal payload: %w", err)
		}
		*e = Envelope{Seal: &SealEnvelope{
			BlockNumber: je.BlockNumber,
			Payload:     msg,
		}}
		return nil

	default:
		return fmt.Errorf("unknown envelope kind %q", je.Kind)
	}
}
