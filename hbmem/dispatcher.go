package hbmem

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbseal"
)

// workerIdleSleep bounds how long the worker waits when both queues are empty.
// Polling with a fixed sleep keeps producers' write-lock waits short
// without a wake-up channel between producers and the worker.
const workerIdleSleep = 250 * time.Millisecond

// Dispatcher owns a [Memorium] and its background persistence worker.
// It is the engine's only entry point into the audit subsystem;
// every call is fire-and-forget.
//
// The worker starts exactly once at construction and runs until the
// constructor's context is canceled; the Dispatcher never restarts it.
type Dispatcher struct {
	log *slog.Logger

	blocksToKeepOnDisk uint64

	mem *Memorium

	wg sync.WaitGroup
}

// NewDispatcher returns a Dispatcher with its worker running.
func NewDispatcher(ctx context.Context, log *slog.Logger, cfg Config) *Dispatcher {
	d := &Dispatcher{
		log:                log,
		blocksToKeepOnDisk: cfg.BlocksToKeepOnDisk,
		mem:                NewMemorium(log.With("m_sys", "memorium"), cfg),
	}

	d.wg.Add(1)
	go d.worker(ctx)

	return d
}

// Wait blocks until the worker has stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		if d.mem.workOnce() {
			// Release the lock between items so producers get a turn.
			continue
		}

		select {
		case <-ctx.Done():
			d.log.Info("Audit worker stopping", "cause", context.Cause(ctx))
			return
		case <-time.After(workerIdleSleep):
		}
	}
}

// OnMessageReceived mirrors one dispatched consensus message
// into the audit trail.
// With disk retention disabled this is a fast-path no-op.
func (d *Dispatcher) OnMessageReceived(msg hbconsensus.CoreMessage) {
	if d.blocksToKeepOnDisk > 0 {
		d.mem.RecordMessage(msg)
	}
}

// OnSealingMessageReceived mirrors one dispatched signature share
// into the audit trail.
// With disk retention disabled this is a fast-path no-op.
func (d *Dispatcher) OnSealingMessageReceived(msg hbseal.Message, block uint64) {
	if d.blocksToKeepOnDisk > 0 {
		d.mem.RecordSeal(msg, block)
	}
}

// ReportSealGood records an accepted sealing contribution.
// Behavioral history is kept regardless of disk retention.
func (d *Dispatcher) ReportSealGood(node hbconsensus.NodeID, block uint64) {
	d.mem.ReportSealGood(node, block)
}

// ReportSealLate records a contribution for an already sealed block.
func (d *Dispatcher) ReportSealLate(node hbconsensus.NodeID, block uint64) {
	d.mem.ReportSealLate(node, block)
}

// ReportSealBad records a rejected sealing contribution.
func (d *Dispatcher) ReportSealBad(node hbconsensus.NodeID, block uint64, reason BadSealReason) {
	d.mem.ReportSealBad(node, block, reason)
}

// ReportNewEpoch registers a new staking epoch.
// Applied synchronously so it is visible to history queries immediately.
func (d *Dispatcher) ReportNewEpoch(epoch, startBlock uint64) {
	d.mem.ReportNewEpoch(epoch, startBlock)
}

// FreeMemory bounds in-memory history growth relative to currentBlock.
func (d *Dispatcher) FreeMemory(currentBlock uint64) {
	d.mem.FreeMemory(currentBlock)
}

// Memorium exposes the underlying Memorium for history queries.
func (d *Dispatcher) Memorium() *Memorium {
	return d.mem
}
