package hbconsensus

// Contribution is one validator's proposal for an epoch:
// its candidate transactions, its view of the current time,
// and its random data for the epoch's shared random value.
type Contribution struct {
	// Serialized transactions as submitted by the contributor.
	Transactions [][]byte

	// Proposed block timestamp, in unix seconds.
	Timestamp uint64

	// Entropy contribution.
	// Must be at least [RandomDataLen] bytes to count toward
	// the epoch's random value.
	RandomData []byte
}

// RandomDataLen is the number of random bytes required from each contribution.
const RandomDataLen = 32

// Batch is the agreed set of contributions for one honey-badger epoch,
// the source of the next block's contents.
type Batch struct {
	Epoch         uint64
	Contributions map[NodeID]Contribution
}
