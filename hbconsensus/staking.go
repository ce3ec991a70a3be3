package hbconsensus

import "time"

// Staking is the on-chain staking / validator-set contract collaborator.
type Staking interface {
	// PendingValidators returns the validator set for the next staking epoch.
	// An empty set means no key generation phase is in progress.
	PendingValidators() ([]NodeID, error)

	// IsPendingValidator reports whether id belongs to the pending set.
	IsPendingValidator(id NodeID) (bool, error)

	// KeygenReady reports whether distributed key generation
	// for the pending set has completed.
	KeygenReady() (bool, error)

	// SendKeygenTransactions submits the local node's outstanding
	// key generation transactions (parts and acks).
	SendKeygenTransactions() error

	// StartTimeOfNextPhaseTransition returns when the next governance
	// phase begins.
	StartTimeOfNextPhaseTransition() (time.Time, error)

	// CurrentStakingEpoch returns the active staking epoch's id
	// and its first block.
	CurrentStakingEpoch() (id uint64, startBlock uint64, err error)
}
