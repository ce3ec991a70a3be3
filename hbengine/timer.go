package hbengine

import (
	"context"
	"time"
)

// defaultTimerInterval is the keep-alive tick used when the chain head
// is unavailable or the next block is already due.
const defaultTimerInterval = time.Second

// minTimerInterval is the lower clamp on the recomputed tick delay.
const minTimerInterval = time.Millisecond

// timerLoop is the liveness loop:
// a single recurring timer that re-triggers seal and block production
// and replays messages cached for a future epoch.
// The delay until the next tick is recomputed, never accumulated.
func (e *Engine) timerLoop(ctx context.Context) {
	defer e.wg.Done()

	timer := time.NewTimer(defaultTimerInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Liveness timer stopping", "cause", context.Cause(ctx))
			return
		case <-timer.C:
			e.onTimer(ctx)
			timer.Reset(e.nextTimerDuration())
		}
	}
}

func (e *Engine) onTimer(ctx context.Context) {
	// The block may be complete but not have been ready to seal;
	// trigger a new seal attempt.
	if client := e.loadClient(); client != nil {
		client.UpdateSealing()

		if latest, ok := client.LatestBlockNumber(); ok {
			e.dispatcher.FreeMemory(latest)
		}
	}

	e.startEpochIfNextPhase(ctx)

	// Transactions may have been submitted during creation of the last
	// block; trigger a new block if the thresholds have been reached.
	e.OnTransactionsImported(ctx)

	e.replayCachedMessages(ctx)
}

// nextTimerDuration returns the time remaining until the minimum block
// time after the latest block, clamped to
// [minTimerInterval, MinimumBlockTime].
// Without a chain head it falls back to the keep-alive interval.
func (e *Engine) nextTimerDuration() time.Duration {
	client := e.loadClient()
	if client == nil {
		return defaultTimerInterval
	}
	header, ok := client.LatestBlockHeader()
	if !ok {
		e.log.Error("Latest block header could not be obtained")
		return defaultTimerInterval
	}

	nextBlockTime := time.Unix(int64(header.Timestamp), 0).Add(e.params.MinimumBlockTime)
	remaining := time.Until(nextBlockTime)
	if remaining <= 0 {
		// Already past the minimum time for the next block;
		// just keep ticking at the keep-alive interval.
		return defaultTimerInterval
	}

	return clampDuration(remaining, minTimerInterval, e.params.MinimumBlockTime)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}
