package hbengine

import (
	"time"

	"github.com/mellivora-engine/mellivora/hbconsensus"
	"github.com/mellivora-engine/mellivora/hbcrypto"
	"github.com/mellivora-engine/mellivora/hbmem"
	"github.com/mellivora-engine/mellivora/hbmetrics"
)

// Params are the engine's chain-spec-level settings.
type Params struct {
	// MinimumBlockTime is the shortest allowed spacing between blocks.
	MinimumBlockTime time.Duration

	// TransactionQueueSizeTrigger is the pending-queue length that,
	// together with the minimum block time having passed,
	// triggers a new local contribution.
	// Both gates bound empty-block spam and unbounded latency.
	TransactionQueueSizeTrigger int

	// DisableTimer skips starting the liveness timer loop.
	// Intended for tests that drive the engine directly.
	DisableTimer bool
}

// Opt is an option for the Engine.
type Opt func(*Engine) error

// WithCore sets the BFT core collaborator.
// This option is required.
func WithCore(c hbconsensus.Core) Opt {
	return func(e *Engine) error {
		e.core = c
		return nil
	}
}

// WithDispatcher sets the audit message dispatcher.
// This option is required.
func WithDispatcher(d *hbmem.Dispatcher) Opt {
	return func(e *Engine) error {
		e.dispatcher = d
		return nil
	}
}

// WithStaking sets the staking contract collaborator.
// This option is required.
func WithStaking(s hbconsensus.Staking) Opt {
	return func(e *Engine) error {
		e.staking = s
		return nil
	}
}

// WithParams sets the engine parameters.
// This option is required.
func WithParams(p Params) Opt {
	return func(e *Engine) error {
		e.params = p
		return nil
	}
}

// WithMetrics sets the engine's metrics. Optional.
func WithMetrics(m *hbmetrics.Metrics) Opt {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithSigner sets the local validator's signer at construction.
// Optional; [*Engine.SetSigner] may also be called later.
func WithSigner(s hbcrypto.Signer) Opt {
	return func(e *Engine) error {
		e.signer = s
		return nil
	}
}
