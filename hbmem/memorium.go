// Package hbmem implements the message memorium:
// a best-effort, disk-backed audit trail of consensus activity
// plus in-memory per-validator behavioral statistics,
// kept off the hot consensus path by a background persistence worker.
package hbmem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbmetrics"
	"github.com/mellivora-engine/mellivora/hbseal"
)

// Config configures a Memorium.
type Config struct {
	// BlocksToKeepOnDisk is the disk retention window, in blocks.
	// Zero disables all audit disk I/O.
	BlocksToKeepOnDisk uint64

	// Dir is the root of the persisted audit layout:
	// one directory per epoch, one numbered file per record.
	Dir string

	// Metrics may be nil.
	Metrics *hbmetrics.Metrics
}

type dispatchedSeal struct {
	msg   hbseal.Message
	block uint64
}

// Memorium holds the audit queues, the staking-epoch histories,
// and the persistence bookkeeping.
//
// All public calls enqueue under a single coarse lock and return immediately;
// the [Dispatcher]'s worker drains the queues.
type Memorium struct {
	log *slog.Logger
	cfg Config

	mu sync.RWMutex

	dispatchedMessages []hbconsensus.CoreMessage
	dispatchedSeals    []dispatchedSeal

	sealEventsGood []SealEventGood
	sealEventsLate []SealEventLate
	sealEventsBad  []SealEventBad

	// Ascending by epoch id, unique ids, never reordered.
	epochHistory []*StakingEpochHistory

	// Persistence bookkeeping below is touched only while persisting,
	// which happens on the single worker goroutine, outside mu.

	// Strictly increasing id naming persisted files.
	trackingID uint64

	// Epochs at or below this watermark are never written again,
	// so late messages cannot resurrect just-deleted directories.
	lastBlockDeletedFromDisk uint64
}

// NewMemorium returns a Memorium without a running worker;
// it is normally owned and driven by a [Dispatcher].
func NewMemorium(log *slog.Logger, cfg Config) *Memorium {
	return &Memorium{
		log: log,
		cfg: cfg,
	}
}

// RecordMessage copies one dispatched consensus message into the audit queue.
// No-op if disk retention is disabled.
func (m *Memorium) RecordMessage(msg hbconsensus.CoreMessage) {
	if m.cfg.BlocksToKeepOnDisk == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchedMessages = append(m.dispatchedMessages, msg)
	m.updateQueueDepth()
}

// RecordSeal copies one dispatched signature share into the audit queue.
// No-op if disk retention is disabled.
func (m *Memorium) RecordSeal(msg hbseal.Message, block uint64) {
	if m.cfg.BlocksToKeepOnDisk == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchedSeals = append(m.dispatchedSeals, dispatchedSeal{msg: msg, block: block})
	m.updateQueueDepth()
}

// ReportSealGood enqueues an accepted-contribution event.
func (m *Memorium) ReportSealGood(node hbconsensus.NodeID, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealEventsGood = append(m.sealEventsGood, SealEventGood{Node: node, Block: block})
}

// ReportSealLate enqueues a late-contribution event.
func (m *Memorium) ReportSealLate(node hbconsensus.NodeID, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealEventsLate = append(m.sealEventsLate, SealEventLate{Node: node, Block: block})
}

// ReportSealBad enqueues a rejected-contribution event.
func (m *Memorium) ReportSealBad(node hbconsensus.NodeID, block uint64, reason BadSealReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealEventsBad = append(m.sealEventsBad, SealEventBad{Node: node, Block: block, Reason: reason})
}

// ReportNewEpoch registers a new open staking epoch, effective immediately
// so later history queries observe it without waiting for the worker.
//
// A duplicate or out-of-order epoch id is logged and ignored.
// Registering epoch E closes the previously open epoch at E's start block.
func (m *Memorium) ReportNewEpoch(epoch, startBlock uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.epochHistory); n > 0 {
		last := m.epochHistory[n-1]
		if last.epoch >= epoch {
			m.log.Warn("Ignoring staking epoch report that is not newer than the known history",
				"epoch", epoch, "latest_known", last.epoch)
			return
		}
		if last.endBlock == 0 {
			last.endBlock = startBlock
		}
	}

	m.log.Info("New staking epoch reported", "epoch", epoch, "start_block", startBlock)
	m.epochHistory = append(m.epochHistory, &StakingEpochHistory{
		epoch:      epoch,
		startBlock: startBlock,
	})
}

// FreeMemory drops staking-epoch histories that are closed
// and more than the retention window behind currentBlock.
func (m *Memorium) FreeMemory(currentBlock uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.epochHistory[:0]
	for _, e := range m.epochHistory {
		if e.endBlock != 0 && e.endBlock+m.cfg.BlocksToKeepOnDisk < currentBlock {
			m.log.Debug("Dropping staking epoch history", "epoch", e.epoch,
				"end_block", e.endBlock, "current_block", currentBlock)
			continue
		}
		kept = append(kept, e)
	}
	m.epochHistory = kept
}

// EpochHistoryFor returns the staking epoch history covering block,
// or nil if no registered epoch contains it.
func (m *Memorium) EpochHistoryFor(block uint64) *StakingEpochHistory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epochHistoryForLocked(block)
}

// EpochHistory returns the history for the exact epoch id, or nil.
func (m *Memorium) EpochHistory(epoch uint64) *StakingEpochHistory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.epochHistory {
		if e.epoch == epoch {
			return e
		}
	}
	return nil
}

func (m *Memorium) epochHistoryForLocked(block uint64) *StakingEpochHistory {
	for _, e := range m.epochHistory {
		if e.containsBlock(block) {
			return e
		}
	}
	return nil
}

// workOnce performs one worker iteration:
// at most one queued consensus message, one queued seal share,
// and one seal event per category are processed.
// It reports whether any work was done.
//
// Queue pops and history updates run under the write lock;
// all disk I/O runs with the lock released,
// so producers never wait on the filesystem.
func (m *Memorium) workOnce() bool {
	worked := false

	m.mu.Lock()
	var msg hbconsensus.CoreMessage
	haveMsg := len(m.dispatchedMessages) > 0
	if haveMsg {
		msg, m.dispatchedMessages = m.dispatchedMessages[0], m.dispatchedMessages[1:]
	}
	var seal dispatchedSeal
	haveSeal := len(m.dispatchedSeals) > 0
	if haveSeal {
		seal, m.dispatchedSeals = m.dispatchedSeals[0], m.dispatchedSeals[1:]
	}
	m.updateQueueDepth()
	m.mu.Unlock()

	if haveMsg {
		m.persistRecord(auditRecord{
			Type:    "consensus_message",
			Epoch:   msg.Epoch,
			Payload: msg.Payload,
		}, msg.Epoch)
		worked = true
	}

	if haveSeal {
		payload, err := json.Marshal(seal.msg)
		if err != nil {
			// Dropping the record costs dispute evidence, nothing more.
			m.log.Warn("Could not serialize seal share for the audit trail", "err", err)
			m.countWriteError()
		} else {
			m.persistRecord(auditRecord{
				Type:    "seal_share",
				Epoch:   seal.block,
				Payload: payload,
			}, seal.block)
		}
		worked = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sealEventsGood) > 0 {
		ev := m.sealEventsGood[0]
		m.sealEventsGood = m.sealEventsGood[1:]
		m.onGoodSeal(ev)
		worked = true
	}

	if len(m.sealEventsLate) > 0 {
		ev := m.sealEventsLate[0]
		m.sealEventsLate = m.sealEventsLate[1:]
		m.onLateSeal(ev)
		worked = true
	}

	if len(m.sealEventsBad) > 0 {
		ev := m.sealEventsBad[0]
		m.sealEventsBad = m.sealEventsBad[1:]
		m.onBadSeal(ev)
		worked = true
	}

	m.updateQueueDepth()
	return worked
}

// auditRecord is the self-describing persisted form of one audit entry.
type auditRecord struct {
	Type    string          `json:"type"`
	Epoch   uint64          `json:"epoch"`
	Payload json.RawMessage `json:"payload"`
}

// persistRecord writes one record into the epoch's directory
// and runs the retention check.
// It runs without m.mu held; the bookkeeping it touches belongs to
// the worker goroutine alone.
// All failures are logged and the record dropped;
// consensus liveness never depends on audit durability.
func (m *Memorium) persistRecord(rec auditRecord, epoch uint64) {
	m.trackingID++

	// Skip epochs already behind the deletion watermark:
	// late messages must not re-create just-deleted directories.
	if m.cfg.BlocksToKeepOnDisk == 0 || epoch <= m.lastBlockDeletedFromDisk {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		m.log.Warn("Could not serialize audit record", "epoch", epoch, "err", err)
		m.countWriteError()
		return
	}

	dir := filepath.Join(m.cfg.Dir, strconv.FormatUint(epoch, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.log.Warn("Error creating audit directory", "dir", dir, "err", err)
		m.countWriteError()
		return
	}

	name := filepath.Join(dir, fmt.Sprintf("%d.json", m.trackingID))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		m.log.Warn("Error writing audit file", "path", name, "err", err)
		m.countWriteError()
		return
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.AuditPersisted.Inc()
	}

	m.maybeDeleteOldEpochs(epoch)
}

// maybeDeleteOldEpochs removes epoch directories that fell out of the
// retention window. The check runs at most once per watermark advance,
// so repeated records for the same epoch do not rescan the directory.
func (m *Memorium) maybeDeleteOldEpochs(epoch uint64) {
	keep := m.cfg.BlocksToKeepOnDisk
	if epoch <= keep || epoch <= m.lastBlockDeletedFromDisk+keep {
		return
	}
	cutoff := epoch - keep

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		m.log.Warn("Could not scan audit directory for retention", "dir", m.cfg.Dir, "err", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirEpoch, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		if dirEpoch > cutoff {
			continue
		}

		path := filepath.Join(m.cfg.Dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("Could not delete old audit directory", "path", path, "err", err)
			continue
		}
		m.log.Info("Deleted old audit directory", "path", path)
	}

	m.lastBlockDeletedFromDisk = epoch
}

func (m *Memorium) onGoodSeal(ev SealEventGood) {
	epoch := m.epochHistoryForLocked(ev.Block)
	if epoch == nil {
		m.log.Warn("Good seal event for a block outside any known staking epoch",
			"node", ev.Node, "block", ev.Block)
		return
	}

	if !epoch.nodeHistory(ev.Node).addGoodSealEvent(ev) {
		m.log.Warn("Good seal event arrived out of order",
			"node", ev.Node, "block", ev.Block)
	}
}

func (m *Memorium) onLateSeal(ev SealEventLate) {
	epoch := m.epochHistoryForLocked(ev.Block)
	if epoch == nil {
		m.log.Warn("Late seal event for a block outside any known staking epoch",
			"node", ev.Node, "block", ev.Block)
		return
	}
	epoch.nodeHistory(ev.Node).addLateSealEvent(ev)
}

func (m *Memorium) onBadSeal(ev SealEventBad) {
	epoch := m.epochHistoryForLocked(ev.Block)
	if epoch == nil {
		m.log.Warn("Bad seal event for a block outside any known staking epoch",
			"node", ev.Node, "block", ev.Block, "reason", ev.Reason)
		return
	}
	epoch.nodeHistory(ev.Node).addBadSealEvent(ev)
}

func (m *Memorium) updateQueueDepth() {
	if m.cfg.Metrics == nil {
		return
	}
	depth := len(m.dispatchedMessages) + len(m.dispatchedSeals) +
		len(m.sealEventsGood) + len(m.sealEventsLate) + len(m.sealEventsBad)
	m.cfg.Metrics.AuditQueueDepth.Set(float64(depth))
}

func (m *Memorium) countWriteError() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.AuditWriteErrors.Inc()
	}
}
