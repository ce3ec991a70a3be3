package hbconsensus

import "encoding/json"

// CoreMessage is an opaque message produced and consumed by the BFT core.
// The engine never inspects the payload;
// it only needs the epoch tag for routing and audit purposes.
type CoreMessage struct {
	Epoch   uint64          `json:"epoch"`
	Payload json.RawMessage `json:"payload"`
}

// Target selects the recipients of an outbound consensus message.
//
// With AllExcept false, the message goes exactly to Nodes.
// With AllExcept true, the message goes to every roster member not in Nodes.
// The local node is excluded in both cases.
type Target struct {
	AllExcept bool
	Nodes     []NodeID
}

// TargetNodes returns a target selecting exactly the given nodes.
func TargetNodes(ids ...NodeID) Target {
	return Target{Nodes: ids}
}

// TargetAll returns a target selecting every roster member but the local node.
func TargetAll() Target {
	return Target{AllExcept: true}
}

// TargetAllExcept returns a target selecting every roster member
// other than the given nodes and the local node.
func TargetAllExcept(ids ...NodeID) Target {
	return Target{AllExcept: true, Nodes: ids}
}

// Resolve returns the concrete recipient set for the target under roster,
// never including the local node.
func (t Target) Resolve(roster Roster) []NodeID {
	if !t.AllExcept {
		out := make([]NodeID, 0, len(t.Nodes))
		for _, id := range t.Nodes {
			if id != roster.OurID {
				out = append(out, id)
			}
		}
		return out
	}

	excluded := make(map[NodeID]struct{}, len(t.Nodes))
	for _, id := range t.Nodes {
		excluded[id] = struct{}{}
	}

	out := make([]NodeID, 0, len(roster.Validators))
	for _, id := range roster.OtherIDs() {
		if _, ok := excluded[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// TargetedMessage is one outbound consensus message with its recipient set.
type TargetedMessage struct {
	Target  Target
	Message CoreMessage
}

// Step is the unit of output from one BFT-core processing call:
// zero or more outbound messages, and zero or one agreed batch.
//
// The Batches field is a slice only because the underlying algorithm
// models multiple outputs; the engine treats more than one batch per step
// as a protocol-core invariant violation.
type Step struct {
	Messages []TargetedMessage
	Batches  []Batch
}

// ReplayResult is one entry of the output of replaying cached messages:
// either a step or the error that message produced.
type ReplayResult struct {
	Step *Step
	Err  error
}
