package hbmem

import (
	"github.com/mellivora-engine/mellivora/hbconsensus"
)

// BadSealReason enumerates why a sealing contribution was rejected.
type BadSealReason int

const (
	// BadSealThresholdStep means the threshold-signing step itself failed,
	// e.g. a malformed or cryptographically invalid share.
	BadSealThresholdStep BadSealReason = iota + 1

	// BadSealMismatchedRoster means no matching roster snapshot
	// was available for the share's target block.
	BadSealMismatchedRoster
)

func (r BadSealReason) String() string {
	switch r {
	case BadSealThresholdStep:
		return "threshold-step-error"
	case BadSealMismatchedRoster:
		return "mismatched-roster"
	default:
		return "unknown"
	}
}

// SealEventGood records an accepted sealing contribution.
type SealEventGood struct {
	Node  hbconsensus.NodeID
	Block uint64
}

// SealEventLate records a sealing contribution that arrived
// after its block was already sealed.
type SealEventLate struct {
	Node  hbconsensus.NodeID
	Block uint64
}

// SealEventBad records a rejected sealing contribution.
type SealEventBad struct {
	Node   hbconsensus.NodeID
	Block  uint64
	Reason BadSealReason
}

// NodeStakingEpochHistory aggregates one validator's sealing behavior
// within one staking epoch.
// It is mutated only by the Memorium's worker.
type NodeStakingEpochHistory struct {
	node hbconsensus.NodeID

	lastGoodBlock uint64
	lastLateBlock uint64
	lastBadBlock  uint64

	goodBlocks []uint64
	lateBlocks []uint64
	badBlocks  []uint64
}

func newNodeStakingEpochHistory(node hbconsensus.NodeID) *NodeStakingEpochHistory {
	return &NodeStakingEpochHistory{node: node}
}

// addGoodSealEvent records an accepted contribution.
// A good sealing is by definition on the latest block,
// so an older block number is recorded but flagged by the caller.
// It reports whether the event advanced the last-good marker.
func (h *NodeStakingEpochHistory) addGoodSealEvent(ev SealEventGood) bool {
	inOrder := ev.Block > h.lastGoodBlock
	if inOrder {
		h.lastGoodBlock = ev.Block
	}
	h.goodBlocks = append(h.goodBlocks, ev.Block)
	return inOrder
}

func (h *NodeStakingEpochHistory) addLateSealEvent(ev SealEventLate) {
	if ev.Block > h.lastLateBlock {
		h.lastLateBlock = ev.Block
	}
	h.lateBlocks = append(h.lateBlocks, ev.Block)
}

func (h *NodeStakingEpochHistory) addBadSealEvent(ev SealEventBad) {
	if ev.Block > h.lastBadBlock {
		h.lastBadBlock = ev.Block
	}
	h.badBlocks = append(h.badBlocks, ev.Block)
}

func (h *NodeStakingEpochHistory) Node() hbconsensus.NodeID { return h.node }

func (h *NodeStakingEpochHistory) GoodCount() int { return len(h.goodBlocks) }
func (h *NodeStakingEpochHistory) LateCount() int { return len(h.lateBlocks) }
func (h *NodeStakingEpochHistory) BadCount() int  { return len(h.badBlocks) }

// TotalCount returns the number of sealing contributions in any category.
func (h *NodeStakingEpochHistory) TotalCount() int {
	return h.GoodCount() + h.LateCount() + h.BadCount()
}

func (h *NodeStakingEpochHistory) LastGoodBlock() uint64 { return h.lastGoodBlock }
func (h *NodeStakingEpochHistory) LastLateBlock() uint64 { return h.lastLateBlock }
func (h *NodeStakingEpochHistory) LastBadBlock() uint64  { return h.lastBadBlock }

// StakingEpochHistory aggregates all validators' sealing behavior
// within one staking epoch.
//
// The node collection is bounded by the validator-set size,
// expected to be at most tens of entries,
// so a slice performs about the same as a map.
type StakingEpochHistory struct {
	epoch      uint64
	startBlock uint64

	// endBlock is zero while the epoch is still open;
	// a nonzero value makes the block range the half-open [startBlock, endBlock).
	endBlock uint64

	nodes []*NodeStakingEpochHistory
}

func (e *StakingEpochHistory) Epoch() uint64      { return e.epoch }
func (e *StakingEpochHistory) StartBlock() uint64 { return e.startBlock }
func (e *StakingEpochHistory) EndBlock() uint64   { return e.endBlock }

// containsBlock reports whether block falls in the epoch's range.
func (e *StakingEpochHistory) containsBlock(block uint64) bool {
	return block >= e.startBlock && (e.endBlock == 0 || block < e.endBlock)
}

// NodeHistory returns the recorded history for node, or nil if none exists.
func (e *StakingEpochHistory) NodeHistory(node hbconsensus.NodeID) *NodeStakingEpochHistory {
	for _, h := range e.nodes {
		if h.node == node {
			return h
		}
	}
	return nil
}

// nodeHistory returns the history for node, creating it if necessary.
func (e *StakingEpochHistory) nodeHistory(node hbconsensus.NodeID) *NodeStakingEpochHistory {
	if h := e.NodeHistory(node); h != nil {
		return h
	}
	h := newNodeStakingEpochHistory(node)
	e.nodes = append(e.nodes, h)
	return h
}
