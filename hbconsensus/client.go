package hbconsensus

// BlockHeader is the subset of a block header the engine consumes.
type BlockHeader struct {
	Number    uint64
	Timestamp uint64

	// Hash of the header with the seal fields excluded;
	// the content the seal shares sign.
	BareHash []byte
}

// Client is the host node collaborator:
// chain state access, block production, and the outbound message transport.
//
// All methods must be safe for concurrent use.
type Client interface {
	// LatestBlockNumber returns the current chain head's number.
	LatestBlockNumber() (uint64, bool)

	// LatestBlockHeader returns the current chain head's header.
	LatestBlockHeader() (*BlockHeader, bool)

	// QueuedTransactionCount returns the length of the pending
	// transaction queue.
	QueuedTransactionCount() int

	// DecodeTransaction reports whether raw is a well-formed,
	// validly signed transaction.
	DecodeTransaction(raw []byte) error

	// CreatePendingBlock assembles the pending block for epoch
	// from the given transactions and timestamp,
	// returning its header.
	CreatePendingBlock(txs [][]byte, timestamp uint64, epoch uint64) (*BlockHeader, error)

	// UpdateSealing asks the node to re-attempt sealing the pending block.
	UpdateSealing()

	// SendConsensusMessage hands a serialized envelope to the transport
	// for delivery to one peer. Ownership of payload transfers to the client.
	SendConsensusMessage(payload []byte, to NodeID)

	// IsSyncing reports whether the node is still importing old blocks.
	// The engine does not contribute while syncing.
	IsSyncing() bool
}
