// ABOUTME: Dispatches single tool invocations to their owning agent connection.
// ABOUTME: Bounded retry with exponential backoff, failing fast on caller errors.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agenthub/internal/agent"
	"github.com/2389/agenthub/internal/correlate"
	"github.com/2389/agenthub/internal/envelope"
)

const (
	// DefaultMaxAttempts bounds retries of one tool call.
	DefaultMaxAttempts = 5
	// DefaultBackoffBase is the first retry delay; doubles per attempt.
	DefaultBackoffBase = time.Second
	// backoffCapFactor caps the exponential sequence at base * 8 (1s, 2s, 4s, 8s).
	backoffCapFactor = 8
)

// Config customizes a Dispatcher. Zero values select the defaults.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Dispatcher resolves tool names through the registry and runs correlated
// requests against agent connections with a bounded retry policy.
type Dispatcher struct {
	registry    *agent.Registry
	table       *correlate.Table
	notifier    agent.Notifier
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
}

// New creates a Dispatcher.
func New(registry *agent.Registry, table *correlate.Table, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	return &Dispatcher{
		registry:    registry,
		table:       table,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		logger:      logger,
	}
}

// SetNotifier wires best-effort retry progress notices for UI sessions.
func (d *Dispatcher) SetNotifier(n agent.Notifier) { d.notifier = n }

// Dispatch sends one tool invocation and waits for its outcome.
//
// An unknown tool or missing connection returns an immediate non-retryable
// failure with no delay. Retryable failures are re-attempted up to the
// configured maximum with exponential backoff; each retry generates a fresh
// request identifier. Non-retryable failures and successes return at once.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args json.RawMessage) correlate.Outcome {
	agentID, ok := d.registry.Resolve(toolName)
	if !ok {
		return correlate.Failure(fmt.Sprintf("no agent available for tool %q", toolName), false)
	}

	var last correlate.Outcome
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		conn, ok := d.registry.Connection(agentID)
		if !ok {
			// Agent vanished mid-dispatch; a registry lookup and a table
			// insert are two independent atomic steps, so this is a normal
			// failure case rather than a race to guard against.
			return correlate.Failure(fmt.Sprintf("no agent available for tool %q", toolName), false)
		}

		last = d.attempt(ctx, conn, toolName, args)
		if last.OK || !last.Retryable {
			return last
		}

		if attempt == d.maxAttempts {
			break
		}

		d.logger.Warn("tool call failed, retrying",
			"tool", toolName,
			"agent_id", agentID,
			"attempt", attempt,
			"max_attempts", d.maxAttempts,
			"error", last.ErrMessage,
		)
		d.notifyRetry(toolName, attempt+1)

		if err := d.sleep(ctx, backoffDelay(d.backoffBase, attempt)); err != nil {
			return correlate.Failure("cancelled during retry backoff", false)
		}
	}

	d.logger.Warn("tool call exhausted retries",
		"tool", toolName,
		"agent_id", agentID,
		"attempts", d.maxAttempts,
		"error", last.ErrMessage,
	)
	return last
}

// attempt runs one correlated request and waits for its outcome.
func (d *Dispatcher) attempt(ctx context.Context, conn agent.Sender, toolName string, args json.RawMessage) correlate.Outcome {
	_, ch, err := d.table.Begin(conn, toolName, args)
	if err != nil {
		return correlate.Failure(err.Error(), true)
	}

	select {
	case outcome := <-ch:
		return outcome
	case <-ctx.Done():
		return correlate.Failure("dispatch cancelled: "+ctx.Err().Error(), false)
	}
}

// notifyRetry emits a best-effort progress notice describing the next attempt.
func (d *Dispatcher) notifyRetry(toolName string, attempt int) {
	if d.notifier == nil {
		return
	}
	d.notifier.NotifyAll(&envelope.Envelope{
		Type: envelope.TypeRetryNotice,
		RetryNotice: &envelope.RetryNotice{
			Tool:        toolName,
			Attempt:     attempt,
			MaxAttempts: d.maxAttempts,
		},
	})
}

// sleep waits for the backoff delay or context cancellation.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay returns base * 2^(attempt-1), capped at base * backoffCapFactor.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt-1)
	if cap := base * backoffCapFactor; delay > cap {
		return cap
	}
	return delay
}
