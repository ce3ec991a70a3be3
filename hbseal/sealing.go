// Package hbseal implements the per-block sealing state machine:
// collection of validator signature shares into a single block seal.
package hbseal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbcrypto"
	"github.com/mellivora-engine/mellivora/internal/glog"
)

var (
	// ErrSenderNotInRoster indicates a share from a node
	// outside the roster responsible for the block.
	ErrSenderNotInRoster = errors.New("sender is not a member of the roster")

	// ErrHashMismatch indicates a Sign call with a block hash
	// different from the one already being signed.
	ErrHashMismatch = errors.New("already signing a different block hash")
)

// Message is the wire payload of one signature share.
type Message struct {
	Share []byte `json:"share"`
}

// Step is the output of one sealing operation:
// zero or more share messages to broadcast to the other roster members,
// and the assembled seal if this operation completed the session.
type Step struct {
	Messages  []Message
	Signature *hbcrypto.Seal
}

// Sealing collects signature shares for a single block.
//
// A session is Ongoing until enough distinct shares have been verified,
// at which point it transitions to Complete; the transition is irreversible
// and the assembled seal never changes afterwards.
// Shares arriving after completion are still verified but have no effect.
//
// Peer shares may arrive before the local node has computed the block hash;
// those are buffered and replayed once Sign provides the hash.
//
// Sealing is not safe for concurrent use; the owner serializes access.
type Sealing struct {
	log *slog.Logger

	roster hbconsensus.Roster
	signer hbcrypto.Signer

	// Nil until Sign establishes the hash being signed.
	hash  []byte
	proof *hbcrypto.SealProof

	// Shares received before the hash was known, by sender.
	pending map[hbconsensus.NodeID][]byte

	seal *hbcrypto.Seal
}

// New returns an Ongoing sealing session for the given roster.
// The signer produces the local node's own share and may be nil
// for observer nodes that only track peers' shares.
func New(log *slog.Logger, roster hbconsensus.Roster, signer hbcrypto.Signer) *Sealing {
	return &Sealing{
		log:     log,
		roster:  roster,
		signer:  signer,
		pending: make(map[hbconsensus.NodeID][]byte),
	}
}

// Sign produces the local node's share of blockHash
// and returns a step carrying the share message for broadcast.
// Any buffered peer shares are applied,
// so the returned step may already carry the assembled seal.
func (s *Sealing) Sign(ctx context.Context, blockHash []byte) (Step, error) {
	if s.hash != nil && !bytes.Equal(s.hash, blockHash) {
		return Step{}, ErrHashMismatch
	}

	if s.proof == nil {
		if err := s.setHash(blockHash); err != nil {
			return Step{}, err
		}
	}

	if s.signer == nil {
		return Step{}, errors.New("cannot sign without a signer")
	}

	share, err := s.signer.Sign(ctx, blockHash)
	if err != nil {
		return Step{}, fmt.Errorf("failed to produce local signature share: %w", err)
	}

	if s.seal == nil {
		if err := s.proof.AddShare(share, s.signer.PubKey()); err != nil {
			return Step{}, fmt.Errorf("failed to add local signature share: %w", err)
		}
	}

	step := Step{Messages: []Message{{Share: share}}}
	step.Signature = s.maybeComplete()
	return step, nil
}

// HandleMessage verifies and records one peer share.
// The returned step carries the assembled seal
// if this share completed the session.
func (s *Sealing) HandleMessage(sender hbconsensus.NodeID, msg Message) (Step, error) {
	if !s.roster.Contains(sender) {
		return Step{}, ErrSenderNotInRoster
	}

	if s.hash == nil {
		// The local hash is not known yet; keep the share for later.
		// Only the latest share per sender is retained.
		s.pending[sender] = msg.Share
		return Step{}, nil
	}

	if err := s.addPeerShare(sender, msg.Share); err != nil {
		return Step{}, err
	}

	var step Step
	step.Signature = s.maybeComplete()
	return step, nil
}

// Signature returns the assembled seal, or nil while the session is Ongoing.
func (s *Sealing) Signature() *hbcrypto.Seal {
	return s.seal
}

// Complete reports whether the session has an assembled seal.
func (s *Sealing) Complete() bool {
	return s.seal != nil
}

func (s *Sealing) setHash(blockHash []byte) error {
	proof, err := hbcrypto.NewSealProof(blockHash, s.roster.PubKeys())
	if err != nil {
		return fmt.Errorf("failed to create seal proof: %w", err)
	}
	s.hash = bytes.Clone(blockHash)
	s.proof = proof

	// Replay shares that arrived before the hash was known.
	// Invalid ones are dropped here; had they arrived after Sign,
	// they would have surfaced as HandleMessage errors instead.
	for sender, share := range s.pending {
		if err := s.addPeerShare(sender, share); err != nil {
			s.log.Warn("Dropping buffered signature share",
				"sender", sender, "err", err)
		}
	}
	clear(s.pending)

	return nil
}

func (s *Sealing) addPeerShare(sender hbconsensus.NodeID, share []byte) error {
	key := s.roster.PubKeyOf(sender)
	if key == nil {
		return ErrSenderNotInRoster
	}

	if s.seal != nil {
		// Already complete; verify for the caller's benefit
		// but leave the assembled seal untouched.
		if !key.Verify(s.hash, share) {
			return hbcrypto.ErrInvalidShare
		}
		return nil
	}

	return s.proof.AddShare(share, key)
}

func (s *Sealing) maybeComplete() *hbcrypto.Seal {
	if s.seal != nil || s.proof == nil || !s.proof.Ready(s.roster.Threshold) {
		return nil
	}

	seal, err := s.proof.Assemble(s.roster.Threshold)
	if err != nil {
		// Ready was just checked; assembly cannot miss the threshold.
		s.log.Error("Seal assembly failed despite threshold being met", "err", err)
		return nil
	}

	s.seal = &seal
	s.log.Debug("Block seal assembled", "hash", glog.Hex(s.hash),
		"shares", len(seal.Shares))
	return s.seal
}
