// ABOUTME: Correlation table matching outstanding tool requests to pending callers.
// ABOUTME: Timeout-driven cleanup; late or duplicate responses are logged and discarded.

package correlate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agenthub/internal/agent"
	"github.com/2389/agenthub/internal/envelope"
)

// DefaultTimeout bounds how long one attempt waits for a correlated response.
const DefaultTimeout = 30 * time.Second

// Outcome is the result of one dispatched tool call: tagged success with an
// opaque result payload and optional UI fragments, or failure with a message
// and a retryable flag.
type Outcome struct {
	OK          bool
	Result      json.RawMessage
	UIFragments []envelope.UIFragment
	ErrMessage  string
	Retryable   bool
}

// Success builds a successful outcome.
func Success(result json.RawMessage, fragments []envelope.UIFragment) Outcome {
	return Outcome{OK: true, Result: result, UIFragments: fragments}
}

// Failure builds a failed outcome.
func Failure(message string, retryable bool) Outcome {
	return Outcome{ErrMessage: message, Retryable: retryable}
}

// FromResponse converts a wire tool_response into an Outcome.
func FromResponse(resp *envelope.ToolResponse) Outcome {
	if resp.Error != nil {
		return Failure(resp.Error.Message, resp.Error.IsRetryable())
	}
	return Success(resp.Result, resp.UIFragments)
}

// pending is one outstanding request awaiting its correlated response.
type pending struct {
	connID string
	ch     chan Outcome
	timer  *time.Timer
}

// Table tracks outstanding tool invocations by request identifier.
// Safe for concurrent Begin/Resolve/FailConnection from any goroutine.
type Table struct {
	mu      sync.Mutex
	entries map[string]*pending
	timeout time.Duration
	logger  *slog.Logger
}

// NewTable creates a Table. A zero timeout selects DefaultTimeout.
func NewTable(timeout time.Duration, logger *slog.Logger) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{
		entries: make(map[string]*pending),
		timeout: timeout,
		logger:  logger,
	}
}

// Begin generates a fresh request identifier, records a pending entry, and
// sends the tool_request envelope on conn. The returned channel delivers
// exactly one Outcome: the correlated response, a synthetic retryable timeout
// failure, or a retryable failure if conn closes first.
//
// A send failure removes the entry and is returned to the caller directly;
// nothing was put on the wire, so no response can arrive.
func (t *Table) Begin(conn agent.Sender, toolName string, args json.RawMessage) (string, <-chan Outcome, error) {
	requestID := uuid.New().String()
	ch := make(chan Outcome, 1)

	p := &pending{connID: conn.ConnID(), ch: ch}
	p.timer = time.AfterFunc(t.timeout, func() {
		t.resolve(requestID, Failure(fmt.Sprintf("tool %s timed out after %s", toolName, t.timeout), true), true)
	})

	t.mu.Lock()
	t.entries[requestID] = p
	t.mu.Unlock()

	env := &envelope.Envelope{
		Type: envelope.TypeToolRequest,
		ToolRequest: &envelope.ToolRequest{
			RequestID: requestID,
			Method:    envelope.MethodToolsCall,
			Params:    envelope.CallParams{Tool: toolName, Arguments: args},
		},
	}
	if err := conn.Send(env); err != nil {
		t.remove(requestID)
		return "", nil, fmt.Errorf("sending tool request: %w", err)
	}

	t.logger.Debug("tool request sent",
		"request_id", requestID,
		"tool", toolName,
		"conn_id", conn.ConnID(),
	)
	return requestID, ch, nil
}

// Resolve completes the pending entry for requestID with the given outcome.
// An unknown identifier (late or duplicate response) is logged and discarded.
func (t *Table) Resolve(requestID string, outcome Outcome) {
	t.resolve(requestID, outcome, false)
}

// resolve removes the entry under the lock and delivers the outcome.
// The buffered channel and delete-before-send guarantee at-most-one
// resolution per identifier.
func (t *Table) resolve(requestID string, outcome Outcome, fromTimeout bool) {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !ok {
		if !fromTimeout {
			t.logger.Warn("received response for unknown request",
				"request_id", requestID,
			)
		}
		return
	}

	if !fromTimeout {
		p.timer.Stop()
	}
	p.ch <- outcome
}

// FailConnection resolves every entry pending on connID with a retryable
// failure. Called by the hub when an agent channel closes.
func (t *Table) FailConnection(connID, reason string) {
	t.mu.Lock()
	var failed []*pending
	for id, p := range t.entries {
		if p.connID == connID {
			delete(t.entries, id)
			failed = append(failed, p)
		}
	}
	t.mu.Unlock()

	for _, p := range failed {
		p.timer.Stop()
		p.ch <- Failure(reason, true)
	}

	if len(failed) > 0 {
		t.logger.Warn("failed pending requests for closed connection",
			"conn_id", connID,
			"count", len(failed),
		)
	}
}

// remove drops an entry without delivering an outcome (send never happened).
func (t *Table) remove(requestID string) {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// PendingCount reports the number of outstanding requests.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
