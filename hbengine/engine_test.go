package hbengine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbcrypto"
	"github.com/mellivora-engine/mellivora/hbcrypto/hbcryptotest"
	"github.com/mellivora-engine/mellivora/hbengine"
	"github.com/mellivora-engine/mellivora/hbmem"
	"github.com/mellivora-engine/mellivora/hbseal"
	"github.com/mellivora-engine/mellivora/hbwire"
	"github.com/mellivora-engine/mellivora/internal/gtest"
)

type stubCore struct {
	roster *hbconsensus.Roster

	// step is returned (and cleared) by the next step-producing call.
	step *stubStep

	contributeCalls int
	tryCalls        int
}

type stubStep struct {
	step hbconsensus.Step
}

func (c *stubCore) ProcessMessage(sender hbconsensus.NodeID, msg hbconsensus.CoreMessage) (*hbconsensus.Step, *hbconsensus.Roster, error) {
	if c.step == nil {
		return nil, nil, nil
	}
	s := c.step.step
	c.step = nil
	return &s, c.roster, nil
}

func (c *stubCore) NetworkInfoFor(block uint64) *hbconsensus.Roster {
	return c.roster
}

func (c *stubCore) ContributeIfThresholdReached() (*hbconsensus.Step, *hbconsensus.Roster) {
	c.contributeCalls++
	return nil, nil
}

func (c *stubCore) TrySendContribution() (*hbconsensus.Step, *hbconsensus.Roster) {
	c.tryCalls++
	if c.step == nil {
		return nil, nil
	}
	s := c.step.step
	c.step = nil
	return &s, c.roster
}

func (c *stubCore) ReplayCachedMessages() ([]hbconsensus.ReplayResult, *hbconsensus.Roster) {
	return nil, nil
}

func (c *stubCore) UpdateHoneyBadger(force bool) error { return nil }

func (c *stubCore) VerifySeal(block uint64, blockHash []byte, seal hbcrypto.Seal) bool {
	if c.roster == nil {
		return false
	}
	return hbcrypto.VerifySeal(blockHash, seal, c.roster.PubKeys(), c.roster.Threshold)
}

type sentMessage struct {
	payload []byte
	to      hbconsensus.NodeID
}

type pendingBlock struct {
	txs       [][]byte
	timestamp uint64
	epoch     uint64
}

type stubClient struct {
	latest   uint64
	header   *hbconsensus.BlockHeader
	queued   int
	syncing  bool
	nextHash []byte

	sent      []sentMessage
	pending   []pendingBlock
	sealCalls int
}

func (c *stubClient) LatestBlockNumber() (uint64, bool) { return c.latest, true }

func (c *stubClient) LatestBlockHeader() (*hbconsensus.BlockHeader, bool) {
	return c.header, c.header != nil
}

func (c *stubClient) QueuedTransactionCount() int { return c.queued }

func (c *stubClient) DecodeTransaction(raw []byte) error {
	if bytes.HasPrefix(raw, []byte("bad")) {
		return errors.New("undecodable transaction")
	}
	return nil
}

func (c *stubClient) CreatePendingBlock(txs [][]byte, timestamp uint64, epoch uint64) (*hbconsensus.BlockHeader, error) {
	c.pending = append(c.pending, pendingBlock{txs: txs, timestamp: timestamp, epoch: epoch})
	return &hbconsensus.BlockHeader{
		Number:    c.latest + 1,
		Timestamp: timestamp,
		BareHash:  c.nextHash,
	}, nil
}

func (c *stubClient) UpdateSealing() { c.sealCalls++ }

func (c *stubClient) SendConsensusMessage(payload []byte, to hbconsensus.NodeID) {
	c.sent = append(c.sent, sentMessage{payload: payload, to: to})
}

func (c *stubClient) IsSyncing() bool { return c.syncing }

type stubStaking struct {
	pending     []hbconsensus.NodeID
	keygenReady bool
	nextPhase   time.Time
	keygenTxs   int

	epochID    uint64
	startBlock uint64
}

func (s *stubStaking) PendingValidators() ([]hbconsensus.NodeID, error) { return s.pending, nil }

func (s *stubStaking) IsPendingValidator(id hbconsensus.NodeID) (bool, error) {
	for _, p := range s.pending {
		if p == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStaking) KeygenReady() (bool, error) { return s.keygenReady, nil }

func (s *stubStaking) SendKeygenTransactions() error {
	s.keygenTxs++
	return nil
}

func (s *stubStaking) StartTimeOfNextPhaseTransition() (time.Time, error) {
	if s.nextPhase.IsZero() {
		return time.Time{}, errors.New("no phase transition scheduled")
	}
	return s.nextPhase, nil
}

func (s *stubStaking) CurrentStakingEpoch() (uint64, uint64, error) {
	if s.epochID == 0 {
		return 1, 1, nil
	}
	return s.epochID, s.startBlock, nil
}

// testRoster builds an n-validator roster with the local node first.
func testRoster(t *testing.T, n, threshold int) (hbconsensus.Roster, []hbcrypto.Ed25519Signer) {
	t.Helper()

	signers := hbcryptotest.DeterministicEd25519Signers(n)
	vals := make([]hbconsensus.Validator, n)
	for i, s := range signers {
		id, err := hbconsensus.NodeIDFromPubKey(s.PubKey())
		require.NoError(t, err)
		vals[i] = hbconsensus.Validator{ID: id, PubKey: s.PubKey()}
	}

	return hbconsensus.Roster{
		Validators: vals,
		OurID:      vals[0].ID,
		Threshold:  threshold,
	}, signers
}

func newTestEngine(t *testing.T, core *stubCore, client *stubClient, opts ...hbengine.Opt) (*hbengine.Engine, *hbmem.Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	log := gtest.NewLogger(t)

	d := hbmem.NewDispatcher(ctx, log, hbmem.Config{})

	opts = append([]hbengine.Opt{
		hbengine.WithCore(core),
		hbengine.WithDispatcher(d),
		hbengine.WithStaking(&stubStaking{}),
		hbengine.WithParams(hbengine.Params{
			MinimumBlockTime: time.Second,
			DisableTimer:     true,
		}),
	}, opts...)

	e, err := hbengine.New(ctx, log, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		d.Wait()
		e.Wait()
	})

	if client != nil {
		e.RegisterClient(client)
	}
	return e, d
}

func consensusEnvelope(t *testing.T, epoch uint64) []byte {
	t.Helper()
	b, err := hbwire.Marshal(hbwire.Envelope{Consensus: &hbwire.ConsensusEnvelope{
		Payload: hbconsensus.CoreMessage{Epoch: epoch, Payload: []byte(`{}`)},
	}})
	require.NoError(t, err)
	return b
}

func sealEnvelope(t *testing.T, block uint64, share []byte) []byte {
	t.Helper()
	b, err := hbwire.Marshal(hbwire.Envelope{Seal: &hbwire.SealEnvelope{
		BlockNumber: block,
		Payload:     hbseal.Message{Share: share},
	}})
	require.NoError(t, err)
	return b
}

func TestEngine_rejectsMalformedEnvelope(t *testing.T) {
	t.Parallel()

	roster, _ := testRoster(t, 3, 2)
	e, _ := newTestEngine(t, &stubCore{roster: &roster}, &stubClient{latest: 1})

	err := e.HandleMessage(context.Background(), []byte("\x00not json"), roster.Validators[1].ID)
	require.ErrorIs(t, err, hbengine.ErrMalformedMessage)
}

func TestEngine_dropsObsoleteSealShares(t *testing.T) {
	t.Parallel()

	roster, _ := testRoster(t, 3, 2)
	client := &stubClient{latest: 150}
	e, d := newTestEngine(t, &stubCore{roster: &roster}, client)

	sender := roster.Validators[1].ID

	// Block 100 is far behind the chain head; the share is ignored
	// without error, but the sender's lateness is recorded.
	err := e.HandleMessage(context.Background(), sealEnvelope(t, 100, []byte("x")), sender)
	require.NoError(t, err)
	require.False(t, e.SealReady())
	require.Empty(t, client.sent)

	require.Eventually(t, func() bool {
		epoch := d.Memorium().EpochHistory(1)
		if epoch == nil {
			return false
		}
		h := epoch.NodeHistory(sender)
		return h != nil && h.LateCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_sealMessageWithoutRoster(t *testing.T) {
	t.Parallel()

	_, signers := testRoster(t, 3, 2)
	senderID, err := hbconsensus.NodeIDFromPubKey(signers[1].PubKey())
	require.NoError(t, err)

	e, d := newTestEngine(t, &stubCore{}, &stubClient{latest: 5})

	err = e.HandleMessage(context.Background(), sealEnvelope(t, 10, []byte("x")), senderID)
	require.ErrorIs(t, err, hbengine.ErrUnexpectedMessage)

	require.Eventually(t, func() bool {
		epoch := d.Memorium().EpochHistory(1)
		if epoch == nil {
			return false
		}
		h := epoch.NodeHistory(senderID)
		return h != nil && h.BadCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_fullSealFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	roster, signers := testRoster(t, 3, 2)
	hash := []byte("block 6 bare hash")

	tx1 := []byte("tx-transfer-1")
	tx2 := []byte("tx-transfer-2")
	tx3 := []byte("tx-transfer-3")

	randA := bytes.Repeat([]byte{0x11}, hbconsensus.RandomDataLen)
	randB := bytes.Repeat([]byte{0x2f}, hbconsensus.RandomDataLen)

	core := &stubCore{roster: &roster}
	core.step = &stubStep{step: hbconsensus.Step{
		Batches: []hbconsensus.Batch{{
			Epoch: 1,
			Contributions: map[hbconsensus.NodeID]hbconsensus.Contribution{
				roster.Validators[0].ID: {
					Transactions: [][]byte{tx1, tx2},
					Timestamp:    100,
					RandomData:   randA,
				},
				roster.Validators[1].ID: {
					// tx2 is a duplicate and the second entry is undecodable;
					// neither may reach the pending block.
					Transactions: [][]byte{tx2, []byte("bad-tx")},
					Timestamp:    104,
					RandomData:   randB,
				},
				roster.Validators[2].ID: {
					Transactions: [][]byte{tx3},
					Timestamp:    102,
					// Too short; excluded from the shared random value.
					RandomData: []byte{0xff},
				},
			},
		}},
	}}

	client := &stubClient{latest: 5, nextHash: hash}
	e, _ := newTestEngine(t, core, client, hbengine.WithSigner(signers[0]))

	require.NoError(t, e.HandleMessage(ctx, consensusEnvelope(t, 1), roster.Validators[1].ID))

	// The batch became exactly one pending block with the deduplicated,
	// decodable transactions and the median contribution timestamp.
	require.Len(t, client.pending, 1)
	require.ElementsMatch(t, [][]byte{tx1, tx2, tx3}, client.pending[0].txs)
	require.Equal(t, uint64(102), client.pending[0].timestamp)
	require.Equal(t, uint64(1), client.pending[0].epoch)

	// The agreed random value is the XOR of the full-length contributions.
	var want uint256.Int
	var a, b uint256.Int
	a.SetBytes(randA)
	b.SetBytes(randB)
	want.Xor(&a, &b)
	got, ok := e.RandomNumber(1)
	require.True(t, ok)
	require.Zero(t, want.Cmp(got))

	// The local share went out to both peers; the seal is not complete yet.
	require.Len(t, client.sent, 2)
	require.ElementsMatch(t,
		[]hbconsensus.NodeID{roster.Validators[1].ID, roster.Validators[2].ID},
		[]hbconsensus.NodeID{client.sent[0].to, client.sent[1].to})
	require.False(t, e.SealReady())
	require.Zero(t, client.sealCalls)

	// A peer's share completes the threshold of two.
	share, err := signers[1].Sign(ctx, hash)
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage(ctx,
		sealEnvelope(t, 6, share), roster.Validators[1].ID))

	require.Equal(t, 1, client.sealCalls)
	require.True(t, e.SealReady())

	header := &hbconsensus.BlockHeader{Number: 6, Timestamp: 102, BareHash: hash}
	sealBytes := e.GenerateSeal(header)
	require.NotNil(t, sealBytes)
	require.NoError(t, e.VerifyBlockFamily(header, sealBytes))

	// A seal for different block content does not verify.
	tampered := &hbconsensus.BlockHeader{Number: 6, Timestamp: 102, BareHash: []byte("other hash")}
	require.Error(t, e.VerifyBlockFamily(tampered, sealBytes))
}

func TestEngine_registersStakingEpochAutomatically(t *testing.T) {
	t.Parallel()

	roster, _ := testRoster(t, 3, 2)
	client := &stubClient{latest: 150}
	e, d := newTestEngine(t, &stubCore{roster: &roster}, client,
		hbengine.WithStaking(&stubStaking{epochID: 3, startBlock: 42}))

	// No explicit epoch report anywhere: handling a message must pick up
	// the staking epoch itself, and the late event must land in it.
	sender := roster.Validators[1].ID
	require.NoError(t, e.HandleMessage(context.Background(),
		sealEnvelope(t, 100, []byte("x")), sender))

	require.Eventually(t, func() bool {
		epoch := d.Memorium().EpochHistory(3)
		if epoch == nil || epoch.StartBlock() != 42 {
			return false
		}
		h := epoch.NodeHistory(sender)
		return h != nil && h.LateCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_generateSealWhileSharesArrive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	roster, signers := testRoster(t, 3, 2)
	hash := []byte("block 6 bare hash")

	core := &stubCore{roster: &roster}
	core.step = &stubStep{step: hbconsensus.Step{
		Batches: []hbconsensus.Batch{{
			Epoch: 1,
			Contributions: map[hbconsensus.NodeID]hbconsensus.Contribution{
				roster.Validators[0].ID: {
					Timestamp:  100,
					RandomData: bytes.Repeat([]byte{1}, hbconsensus.RandomDataLen),
				},
			},
		}},
	}}

	client := &stubClient{latest: 5, nextHash: hash}
	e, _ := newTestEngine(t, core, client, hbengine.WithSigner(signers[0]))

	// Local share is signed; the session is ongoing.
	require.NoError(t, e.HandleMessage(ctx, consensusEnvelope(t, 1), roster.Validators[1].ID))

	// Poll for the seal from another goroutine while the completing
	// share arrives. The session transitions under the engine lock,
	// so the reader must observe either nil or the finished seal.
	header := &hbconsensus.BlockHeader{Number: 6, Timestamp: 100, BareHash: hash}
	var sealBytes []byte
	done := make(chan struct{})
	deadline := time.Now().Add(5 * time.Second)
	go func() {
		defer close(done)
		for time.Now().Before(deadline) {
			if b := e.GenerateSeal(header); b != nil {
				sealBytes = b
				return
			}
		}
	}()

	share, err := signers[1].Sign(ctx, hash)
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage(ctx, sealEnvelope(t, 6, share), roster.Validators[1].ID))

	<-done
	require.NotNil(t, sealBytes)
	require.NoError(t, e.VerifyBlockFamily(header, sealBytes))
}

func TestEngine_multipleBatchesPanics(t *testing.T) {
	t.Parallel()

	roster, _ := testRoster(t, 3, 2)
	core := &stubCore{roster: &roster}
	core.step = &stubStep{step: hbconsensus.Step{
		Batches: []hbconsensus.Batch{{Epoch: 1}, {Epoch: 1}},
	}}

	e, _ := newTestEngine(t, core, &stubClient{latest: 5})

	require.Panics(t, func() {
		_ = e.HandleMessage(context.Background(), consensusEnvelope(t, 1), roster.Validators[1].ID)
	})
}

func TestEngine_verifyBlockFamilyRejectsOutOfOrder(t *testing.T) {
	t.Parallel()

	roster, _ := testRoster(t, 3, 2)
	e, _ := newTestEngine(t, &stubCore{roster: &roster}, &stubClient{latest: 5})

	// Block 8 cannot be verified while the head is 5; its parent is unknown.
	err := e.VerifyBlockFamily(&hbconsensus.BlockHeader{Number: 8}, []byte("{}"))
	require.Error(t, err)
	require.NotErrorIs(t, err, hbengine.ErrRequiresClient)
}

func TestEngine_assignsMonotonicSequenceNumbers(t *testing.T) {
	t.Parallel()

	// Two validators, so every broadcast resolves to exactly one send.
	roster, _ := testRoster(t, 2, 2)
	msg := func() hbconsensus.TargetedMessage {
		return hbconsensus.TargetedMessage{
			Target:  hbconsensus.TargetAll(),
			Message: hbconsensus.CoreMessage{Epoch: 1, Payload: []byte(`{}`)},
		}
	}

	core := &stubCore{roster: &roster}
	client := &stubClient{latest: 5}
	e, _ := newTestEngine(t, core, client)

	core.step = &stubStep{step: hbconsensus.Step{
		Messages: []hbconsensus.TargetedMessage{msg(), msg()},
	}}
	require.NoError(t, e.HandleMessage(context.Background(), consensusEnvelope(t, 1), roster.Validators[1].ID))

	core.step = &stubStep{step: hbconsensus.Step{
		Messages: []hbconsensus.TargetedMessage{msg()},
	}}
	require.NoError(t, e.HandleMessage(context.Background(), consensusEnvelope(t, 1), roster.Validators[1].ID))

	require.Len(t, client.sent, 3)
	for i, sm := range client.sent {
		var env hbwire.Envelope
		require.NoError(t, hbwire.Unmarshal(sm.payload, &env))
		require.NotNil(t, env.Consensus)
		require.Equal(t, uint64(i+1), env.Consensus.Sequence)
	}
}

func TestEngine_onTransactionsImported(t *testing.T) {
	t.Parallel()

	roster, _ := testRoster(t, 3, 2)
	core := &stubCore{roster: &roster}
	client := &stubClient{
		latest: 5,
		header: &hbconsensus.BlockHeader{
			Number: 5,
			// Old enough that the minimum block time has long passed.
			Timestamp: uint64(time.Now().Add(-time.Hour).Unix()),
		},
		queued: 3,
	}

	e, _ := newTestEngine(t, core, client)

	e.OnTransactionsImported(context.Background())
	require.Equal(t, 1, core.tryCalls)

	// A syncing node never contributes.
	client.syncing = true
	e.OnTransactionsImported(context.Background())
	require.Equal(t, 1, core.tryCalls)

	// An empty queue below the trigger holds the contribution back.
	client.syncing = false
	client.queued = 0
	e2, _ := newTestEngine(t, core, client, hbengine.WithParams(hbengine.Params{
		MinimumBlockTime:            time.Second,
		TransactionQueueSizeTrigger: 1,
		DisableTimer:                true,
	}))
	e2.OnTransactionsImported(context.Background())
	require.Equal(t, 1, core.tryCalls)
}
