// Package hbengine implements the consensus message router and step processor
// of the block-sealing engine:
// it feeds inbound wire messages to the BFT core,
// turns the core's steps into outbound sends and block proposals,
// drives the per-block sealing sessions,
// and mirrors all dispatched traffic into the audit subsystem.
package hbengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbcrypto"
	"github.com/mellivora-engine/mellivora/hbmem"
	"github.com/mellivora-engine/mellivora/hbmetrics"
	"github.com/mellivora-engine/mellivora/hbseal"
	"github.com/mellivora-engine/mellivora/hbwire"
	"github.com/mellivora-engine/mellivora/internal/glog"
)

// Engine is the block-sealing consensus engine.
//
// One lock guards the engine's mutable state:
// the registered client and signer, the sealing-session map,
// the message sequence counter, and the per-epoch random values.
// The lock is held for the duration of a step-processing call
// but released before any outbound network send.
// Concurrent message handling serializes on it;
// consensus traffic is bounded by the validator-set size,
// so the simplicity is worth the lost parallelism.
type Engine struct {
	log *slog.Logger

	params Params

	core       hbconsensus.Core
	staking    hbconsensus.Staking
	dispatcher *hbmem.Dispatcher
	metrics    *hbmetrics.Metrics

	mu      sync.RWMutex
	client  hbconsensus.Client
	signer  hbcrypto.Signer
	sealing map[uint64]*hbseal.Sealing

	// Process-wide monotonic sequence for outbound consensus messages.
	messageCounter uint64

	// Latest staking epoch forwarded to the audit trail.
	lastStakingEpoch  uint64
	stakingEpochKnown bool

	// Agreed per-epoch random values, XOR of the contributions' entropy.
	randomNumbers map[uint64]*uint256.Int

	wg sync.WaitGroup
}

// New returns a running Engine.
// The liveness timer loop is tied to ctx and runs until it is canceled,
// unless Params.DisableTimer is set.
func New(ctx context.Context, log *slog.Logger, opts ...Opt) (*Engine, error) {
	e := &Engine{
		log:           log,
		sealing:       make(map[uint64]*hbseal.Sealing),
		randomNumbers: make(map[uint64]*uint256.Int),
	}

	var err error
	for _, opt := range opts {
		err = errors.Join(err, opt(e))
	}
	if err != nil {
		return nil, err
	}

	if e.core == nil {
		return nil, errors.New("the WithCore option is required")
	}
	if e.dispatcher == nil {
		return nil, errors.New("the WithDispatcher option is required")
	}
	if e.staking == nil {
		return nil, errors.New("the WithStaking option is required")
	}
	if e.params.MinimumBlockTime <= 0 {
		return nil, errors.New("params: minimum block time must be positive")
	}

	if !e.params.DisableTimer {
		e.wg.Add(1)
		go e.timerLoop(ctx)
	}

	return e, nil
}

// Wait blocks until the engine's background goroutines have stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RegisterClient wires the engine to the host node.
// The honey-badger instance is force-refreshed against the new chain view.
func (e *Engine) RegisterClient(client hbconsensus.Client) {
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	if err := e.core.UpdateHoneyBadger(true); err != nil {
		e.log.Error("Error during honey badger initialization", "err", err)
	}
}

// SetSigner sets the local validator key.
// The honey-badger instance is force-refreshed,
// since the node may now be a contributing validator.
func (e *Engine) SetSigner(signer hbcrypto.Signer) {
	e.mu.Lock()
	e.signer = signer
	e.mu.Unlock()

	if err := e.core.UpdateHoneyBadger(true); err != nil {
		e.log.Info("Honey badger instance could not be created, client possibly not set yet", "err", err)
	}
}

// SealsInternally reports that this engine produces its own seals.
func (e *Engine) SealsInternally() bool {
	return true
}

// HandleMessage routes one inbound wire envelope from sender.
//
// The caller is never blocked on network or disk I/O;
// everything beyond one lock acquisition is local computation.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte, sender hbconsensus.NodeID) error {
	e.checkForEpochChange()

	var env hbwire.Envelope
	if err := hbwire.Unmarshal(raw, &env); err != nil {
		if e.metrics != nil {
			e.metrics.MalformedMessages.Inc()
		}
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch {
	case env.Consensus != nil:
		return e.processCoreMessage(ctx, env.Consensus, sender)
	case env.Seal != nil:
		return e.processSealingMessage(ctx, env.Seal, sender)
	default:
		return fmt.Errorf("%w: empty envelope", ErrMalformedMessage)
	}
}

func (e *Engine) processCoreMessage(ctx context.Context, env *hbwire.ConsensusEnvelope, sender hbconsensus.NodeID) error {
	client := e.loadClient()
	if client == nil {
		return ErrRequiresClient
	}

	e.log.Debug("Received consensus message",
		"seq", env.Sequence, "epoch", env.Payload.Epoch, "sender", sender)

	step, roster, err := e.core.ProcessMessage(sender, env.Payload)
	if err != nil {
		return fmt.Errorf("core rejected message from %v: %w", sender, err)
	}
	if step != nil {
		e.processStep(ctx, client, step, roster)
		e.joinEpoch(ctx)
	}
	return nil
}

func (e *Engine) processSealingMessage(ctx context.Context, env *hbwire.SealEnvelope, sender hbconsensus.NodeID) error {
	client := e.loadClient()
	if client == nil {
		return ErrRequiresClient
	}

	block := env.BlockNumber
	if latest, ok := client.LatestBlockNumber(); ok && latest >= block {
		// The chain has already advanced past this block; the share is
		// obsolete. Not an error, but the lateness is recorded.
		e.dispatcher.ReportSealLate(sender, block)
		return nil
	}

	roster := e.core.NetworkInfoFor(block)
	if roster == nil {
		glog.BN(e.log, block).Error(
			"Sealing message could not be processed due to missing or mismatching network info",
			"sender", sender)
		e.dispatcher.ReportSealBad(sender, block, hbmem.BadSealMismatchedRoster)
		return fmt.Errorf("%w: no roster for block %d", ErrUnexpectedMessage, block)
	}

	e.mu.Lock()
	step, err := e.sealingSessionLocked(block, roster).HandleMessage(sender, env.Payload)
	e.mu.Unlock()

	if err != nil {
		glog.BNE(e.log, block, err).Error("Error on threshold signing step", "sender", sender)
		e.dispatcher.ReportSealBad(sender, block, hbmem.BadSealThresholdStep)
		return nil
	}

	e.processSealStep(client, step, block, roster)
	return nil
}

// sealingSessionLocked returns the sealing session for block,
// creating one from roster if none exists. Callers hold e.mu.
func (e *Engine) sealingSessionLocked(block uint64, roster *hbconsensus.Roster) *hbseal.Sealing {
	s, ok := e.sealing[block]
	if !ok {
		s = hbseal.New(glog.BN(e.log, block), *roster, e.signer)
		e.sealing[block] = s
	}
	return s
}

// processStep turns one BFT-core step into outbound sends and,
// if the step carries an agreed batch, a block proposal.
func (e *Engine) processStep(ctx context.Context, client hbconsensus.Client, step *hbconsensus.Step, roster *hbconsensus.Roster) {
	if step == nil || roster == nil {
		return
	}

	// Assign sequence numbers under the lock, send after releasing it.
	e.mu.Lock()
	seqs := make([]uint64, len(step.Messages))
	for i := range step.Messages {
		e.messageCounter++
		seqs[i] = e.messageCounter
	}
	e.mu.Unlock()

	for i, m := range step.Messages {
		e.dispatchMessage(client, seqs[i], m, roster)
	}

	e.processBatches(ctx, client, step.Batches, roster)
}

// dispatchMessage sends one targeted consensus message to its recipients
// and mirrors it into the audit trail.
func (e *Engine) dispatchMessage(client hbconsensus.Client, seq uint64, m hbconsensus.TargetedMessage, roster *hbconsensus.Roster) {
	payload, err := hbwire.Marshal(hbwire.Envelope{Consensus: &hbwire.ConsensusEnvelope{
		Sequence: seq,
		Payload:  m.Message,
	}})
	if err != nil {
		// A message the engine cannot serialize cannot reach peers;
		// the protocol's resend machinery covers the gap.
		e.log.Error("Serialization of consensus message failed", "seq", seq, "err", err)
		return
	}

	for _, to := range m.Target.Resolve(*roster) {
		client.SendConsensusMessage(payload, to)
	}

	e.dispatcher.OnMessageReceived(m.Message)
	if e.metrics != nil {
		e.metrics.MessagesDispatched.Inc()
	}
}

// processBatches converts an agreed batch into a pending block
// and produces the local signature share for it.
func (e *Engine) processBatches(ctx context.Context, client hbconsensus.Client, batches []hbconsensus.Batch, roster *hbconsensus.Roster) {
	if len(batches) > 1 {
		// The protocol never produces concurrent batches for a single step;
		// more than one means the core is corrupted and the process
		// must not continue sealing on top of it.
		e.log.Error("Unhandled epoch outputs", "count", len(batches))
		panic(fmt.Sprintf("consensus core produced %d batches in one step", len(batches)))
	}
	if len(batches) == 0 {
		return
	}
	batch := batches[0]

	e.log.Debug("Batch received, creating new block", "epoch", batch.Epoch)

	txs := e.collectBatchTransactions(client, batch)
	timestamp, ok := medianTimestamp(batch)
	if !ok {
		e.log.Error("Error calculating the block timestamp", "epoch", batch.Epoch)
		return
	}

	random := e.xorRandomData(batch)
	e.mu.Lock()
	e.randomNumbers[batch.Epoch] = random
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.BatchesProcessed.Inc()
		e.metrics.BatchSize.Observe(float64(len(txs)))
	}

	header, err := client.CreatePendingBlock(txs, timestamp, batch.Epoch)
	if err != nil {
		e.log.Error("Could not create pending block", "epoch", batch.Epoch, "err", err)
		return
	}

	glog.BN(e.log, header.Number).Debug("Sending signature share",
		"hash", glog.Hex(header.BareHash))

	e.mu.Lock()
	step, err := e.sealingSessionLocked(header.Number, roster).Sign(ctx, header.BareHash)
	e.mu.Unlock()
	if err != nil {
		// Abandon the attempt; the next timer tick or message retries naturally.
		glog.BNE(e.log, header.Number, err).Error("Error creating signature share")
		return
	}

	e.processSealStep(client, step, header.Number, roster)
}

// collectBatchTransactions validates and deduplicates the batch's
// embedded transactions.
// Contributions are visited in ascending contributor order
// so the result is deterministic across nodes.
func (e *Engine) collectBatchTransactions(client hbconsensus.Client, batch hbconsensus.Batch) [][]byte {
	contributors := sortedContributors(batch)

	var txs [][]byte
	seen := make(map[[32]byte]struct{})
	for _, id := range contributors {
		for _, raw := range batch.Contributions[id].Transactions {
			if err := client.DecodeTransaction(raw); err != nil {
				// Reporting candidate: the contributor proposed garbage.
				e.log.Debug("Dropping malformed transaction from batch",
					"contributor", id, "err", err)
				continue
			}
			h := blake2b.Sum256(raw)
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			txs = append(txs, raw)
		}
	}
	return txs
}

// xorRandomData folds the contributions' entropy into the epoch's
// shared random value.
// Contributions shorter than the required length are excluded and logged
// as a misbehavior reporting candidate, not treated as fatal.
func (e *Engine) xorRandomData(batch hbconsensus.Batch) *uint256.Int {
	acc := uint256.NewInt(0)
	for _, id := range sortedContributors(batch) {
		c := batch.Contributions[id]
		if len(c.RandomData) < hbconsensus.RandomDataLen {
			e.log.Error("Insufficient random data from node",
				"node", id, "len", len(c.RandomData))
			continue
		}
		var word uint256.Int
		word.SetBytes(c.RandomData[:hbconsensus.RandomDataLen])
		acc.Xor(acc, &word)
	}
	return acc
}

func sortedContributors(batch hbconsensus.Batch) []hbconsensus.NodeID {
	ids := make([]hbconsensus.NodeID, 0, len(batch.Contributions))
	for id := range batch.Contributions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

func medianTimestamp(batch hbconsensus.Batch) (uint64, bool) {
	if len(batch.Contributions) == 0 {
		return 0, false
	}
	ts := make([]uint64, 0, len(batch.Contributions))
	for _, c := range batch.Contributions {
		ts = append(ts, c.Timestamp)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts[len(ts)/2], true
}

// processSealStep dispatches a sealing step's share messages and,
// if the step completed the seal, records the outcome
// and asks the host to re-attempt sealing.
func (e *Engine) processSealStep(client hbconsensus.Client, step hbseal.Step, block uint64, roster *hbconsensus.Roster) {
	for _, msg := range step.Messages {
		payload, err := hbwire.Marshal(hbwire.Envelope{Seal: &hbwire.SealEnvelope{
			BlockNumber: block,
			Payload:     msg,
		}})
		if err != nil {
			glog.BNE(e.log, block, err).Error("Serialization of sealing message failed")
			continue
		}
		for _, to := range roster.OtherIDs() {
			client.SendConsensusMessage(payload, to)
		}

		e.dispatcher.OnSealingMessageReceived(msg, block)
		if e.metrics != nil {
			e.metrics.SealSharesDispatched.Inc()
		}
	}

	if step.Signature == nil {
		return
	}

	glog.BN(e.log, block).Debug("Signature for block is ready")
	if e.metrics != nil {
		e.metrics.SealsCompleted.Inc()
	}

	// Every share in the assembled seal is an accepted contribution.
	for _, share := range step.Signature.Shares {
		if int(share.KeyIndex) < len(roster.Validators) {
			e.dispatcher.ReportSealGood(roster.Validators[share.KeyIndex].ID, block)
		}
	}

	client.UpdateSealing()
}

// SealReady reports whether a completed sealing session exists
// for the next block to be produced.
// Sessions for already produced blocks are pruned as a side effect,
// bounding memory to the sliding window of in-flight blocks.
func (e *Engine) SealReady() bool {
	client := e.loadClient()
	if client == nil {
		return false
	}
	latest, ok := client.LatestBlockNumber()
	if !ok {
		return false
	}
	next := latest + 1

	e.mu.Lock()
	defer e.mu.Unlock()

	for num := range e.sealing {
		if num < next {
			delete(e.sealing, num)
		}
	}

	s, ok := e.sealing[next]
	return ok && s.Complete()
}

// GenerateSeal returns the serialized seal for the block,
// or nil if no completed, verifiable seal is available.
func (e *Engine) GenerateSeal(header *hbconsensus.BlockHeader) []byte {
	// The session and its seal pointer are read under the engine lock;
	// a completed seal is immutable, so verification and serialization
	// can run with the lock released.
	e.mu.RLock()
	var seal *hbcrypto.Seal
	if s, ok := e.sealing[header.Number]; ok {
		seal = s.Signature()
	}
	e.mu.RUnlock()

	if seal == nil {
		return nil
	}

	if !e.core.VerifySeal(header.Number, header.BareHash, *seal) {
		glog.BN(e.log, header.Number).Error("Threshold signature does not match new block")
		return nil
	}

	out, err := json.Marshal(seal)
	if err != nil {
		glog.BNE(e.log, header.Number, err).Error("Could not serialize block seal")
		return nil
	}

	glog.BN(e.log, header.Number).Debug("Returning generated seal")
	return out
}

// VerifyBlockFamily checks an imported block's seal.
// It requires in-order import: the parent must already be on the chain.
func (e *Engine) VerifyBlockFamily(header *hbconsensus.BlockHeader, sealBytes []byte) error {
	client := e.loadClient()
	if client == nil {
		return ErrRequiresClient
	}

	latest, ok := client.LatestBlockNumber()
	if !ok {
		return errors.New("latest block number unavailable")
	}
	if header.Number > latest+1 {
		glog.BN(e.log, header.Number).Error("Block verification out of order")
		return fmt.Errorf("out-of-order block %d with chain head %d", header.Number, latest)
	}

	var seal hbcrypto.Seal
	if err := json.Unmarshal(sealBytes, &seal); err != nil {
		return fmt.Errorf("invalid seal encoding for block %d: %w", header.Number, err)
	}

	if !e.core.VerifySeal(header.Number, header.BareHash, seal) {
		return fmt.Errorf("invalid seal for block %d", header.Number)
	}
	return nil
}

// VerifyLocalSeal is invoked by the host when it verifies its own sealed
// block; it only serves as an epoch-change trigger.
func (e *Engine) VerifyLocalSeal() {
	e.checkForEpochChange()
}

// OnTransactionsImported triggers a new local contribution if the
// transaction-queue and block-time thresholds are both met.
func (e *Engine) OnTransactionsImported(ctx context.Context) {
	e.checkForEpochChange()

	client := e.loadClient()
	if client == nil {
		return
	}
	if e.thresholdsReached(client) {
		e.startEpoch(ctx, client)
	}
}

// OnCloseBlock runs the key generation cycle.
// It is deliberately invoked only once per block close
// to bound contract-call overhead.
func (e *Engine) OnCloseBlock(ctx context.Context) {
	e.checkForEpochChange()

	if e.doKeygen() {
		// A new key is ready; adopt the new honey-badger epoch.
		if err := e.core.UpdateHoneyBadger(true); err != nil {
			e.log.Error("Could not adopt new honey badger epoch after keygen", "err", err)
		}
	}
}

// RandomNumber returns the agreed random value for epoch, if known.
func (e *Engine) RandomNumber(epoch uint64) (*uint256.Int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.randomNumbers[epoch]
	return r, ok
}

// doKeygen reports whether a new key has been generated
// for the pending validator set.
func (e *Engine) doKeygen() bool {
	pending, err := e.staking.PendingValidators()
	if err != nil || len(pending) == 0 {
		// No pending validator set means no key generation phase.
		return false
	}

	ready, err := e.staking.KeygenReady()
	if err != nil {
		e.log.Warn("Could not query keygen readiness", "err", err)
	} else if ready {
		return true
	}

	signer := e.loadSigner()
	if signer == nil {
		return false
	}
	id, err := hbconsensus.NodeIDFromPubKey(signer.PubKey())
	if err != nil {
		e.log.Error("Local signer key is unusable as a node ID", "err", err)
		return false
	}

	isPending, err := e.staking.IsPendingValidator(id)
	if err != nil || !isPending {
		return false
	}

	if err := e.staking.SendKeygenTransactions(); err != nil {
		e.log.Warn("Could not send keygen transactions", "err", err)
	}
	return false
}

// joinEpoch conditionally joins the current honey-badger epoch once the
// number of observed contributions exceeds the fault threshold.
func (e *Engine) joinEpoch(ctx context.Context) {
	client := e.loadClient()
	if client == nil || client.IsSyncing() {
		return
	}
	step, roster := e.core.ContributeIfThresholdReached()
	e.processStep(ctx, client, step, roster)
}

// startEpoch proposes the local node's contribution for the current epoch.
func (e *Engine) startEpoch(ctx context.Context, client hbconsensus.Client) {
	if client.IsSyncing() {
		return
	}
	step, roster := e.core.TrySendContribution()
	e.processStep(ctx, client, step, roster)
}

// startEpochIfNextPhase starts a new epoch once the next governance
// phase's start time has passed.
func (e *Engine) startEpochIfNextPhase(ctx context.Context) {
	client := e.loadClient()
	if client == nil {
		return
	}

	transition, err := e.staking.StartTimeOfNextPhaseTransition()
	if err != nil {
		return
	}
	if time.Now().After(transition) {
		e.startEpoch(ctx, client)
	}
}

// replayCachedMessages processes messages that arrived for an epoch
// that had not been reached when they were received.
func (e *Engine) replayCachedMessages(ctx context.Context) {
	client := e.loadClient()
	if client == nil {
		return
	}

	results, roster := e.core.ReplayCachedMessages()
	processed := false
	for _, res := range results {
		if res.Err != nil {
			e.log.Error("Error handling replayed message", "err", res.Err)
			continue
		}
		processed = true
		e.processStep(ctx, client, res.Step, roster)
	}

	if processed {
		e.joinEpoch(ctx)
	}
}

// checkForEpochChange refreshes the honey-badger instance against the
// latest known block. Runs on every external trigger so epoch state
// never goes stale relative to freshly observed chain height.
// Failure is logged but never crashes the process;
// the next trigger retries.
func (e *Engine) checkForEpochChange() {
	if e.loadClient() == nil {
		return
	}
	e.reportStakingEpoch()
	if err := e.core.UpdateHoneyBadger(false); err != nil {
		e.log.Error("Fatal: updating honey badger instance failed", "err", err)
	}
}

// reportStakingEpoch forwards a newly begun staking epoch to the audit
// trail, so seal events get attributed to the right epoch without any
// host involvement. Repeat reports for a known epoch are filtered here;
// the memorium would only warn about them.
func (e *Engine) reportStakingEpoch() {
	epoch, startBlock, err := e.staking.CurrentStakingEpoch()
	if err != nil {
		e.log.Warn("Could not query the current staking epoch", "err", err)
		return
	}

	e.mu.Lock()
	if e.stakingEpochKnown && epoch <= e.lastStakingEpoch {
		e.mu.Unlock()
		return
	}
	e.lastStakingEpoch = epoch
	e.stakingEpochKnown = true
	e.mu.Unlock()

	e.dispatcher.ReportNewEpoch(epoch, startBlock)
}

// thresholdsReached reports whether both contribution gates are open:
// the minimum block time has passed and the queue is long enough.
func (e *Engine) thresholdsReached(client hbconsensus.Client) bool {
	header, ok := client.LatestBlockHeader()
	if !ok {
		return false
	}

	targetMinTime := time.Unix(int64(header.Timestamp), 0).Add(e.params.MinimumBlockTime)
	if time.Now().Before(targetMinTime) {
		return false
	}
	return client.QueuedTransactionCount() >= e.params.TransactionQueueSizeTrigger
}

func (e *Engine) loadClient() hbconsensus.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

func (e *Engine) loadSigner() hbcrypto.Signer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signer
}
