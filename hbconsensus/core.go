package hbconsensus

import (
	"github.com/mellivora-engine/mellivora/hbcrypto"
)

// Core is the BFT agreement algorithm collaborator.
//
// The engine treats it as a step-producing black box:
// messages go in, steps and roster snapshots come out.
// Its internal sub-protocols (broadcast, agreement, decryption shares)
// are deliberately opaque here.
//
// Step-producing calls return a nil step when the core had nothing to do,
// and a nil roster only alongside a nil step.
type Core interface {
	// ProcessMessage feeds one peer message to the algorithm.
	ProcessMessage(sender NodeID, msg CoreMessage) (*Step, *Roster, error)

	// NetworkInfoFor returns the roster snapshot responsible for block,
	// or nil if no matching snapshot is available.
	NetworkInfoFor(block uint64) *Roster

	// ContributeIfThresholdReached joins the current epoch
	// once enough peer contributions have been observed.
	ContributeIfThresholdReached() (*Step, *Roster)

	// TrySendContribution proposes the local node's contribution
	// for the current epoch.
	TrySendContribution() (*Step, *Roster)

	// ReplayCachedMessages processes messages that arrived
	// for an epoch that had not been reached yet.
	ReplayCachedMessages() ([]ReplayResult, *Roster)

	// UpdateHoneyBadger refreshes the algorithm instance
	// against the latest known block.
	// With force set, the instance is rebuilt even if the epoch is unchanged.
	UpdateHoneyBadger(force bool) error

	// VerifySeal reports whether seal is valid for the block's hash
	// under the roster responsible for that block.
	VerifySeal(block uint64, blockHash []byte, seal hbcrypto.Seal) bool
}
