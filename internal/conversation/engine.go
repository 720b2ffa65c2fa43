// ABOUTME: Re-Act conversation loop: model turns interleaved with tool execution
// ABOUTME: All messages flow through here - history is the source of truth, not a side effect

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agenthub/internal/correlate"
	"github.com/2389/agenthub/internal/envelope"
	"github.com/2389/agenthub/internal/llm"
	"github.com/2389/agenthub/internal/store"
)

const (
	// DefaultTurnBudget bounds the number of model turns per user message.
	DefaultTurnBudget = 5

	// DefaultHistoryLimit bounds how many prior turns seed a new loop.
	DefaultHistoryLimit = 20

	defaultModelAttempts = 3
	defaultModelBackoff  = time.Second
)

// DefaultSystemPrompt frames the model as a tool-using assistant.
const DefaultSystemPrompt = "You are a helpful assistant with access to tools " +
	"provided by connected agents. Use a tool when it can answer the user's " +
	"request; otherwise answer directly. When a tool fails, you may retry with " +
	"different arguments, try another tool, or explain the failure to the user."

// ToolRunner dispatches one tool call and blocks until a terminal outcome.
type ToolRunner interface {
	Dispatch(ctx context.Context, toolName string, args json.RawMessage) correlate.Outcome
}

// CatalogProvider supplies the currently-resolvable tool catalog. The catalog
// is re-read every model turn so agents joining mid-conversation are visible.
type CatalogProvider interface {
	Catalog() []envelope.Skill
}

// UISink delivers render envelopes to a chat's UI session. Sends are
// best-effort: an error means the session is gone, not that the loop failed.
type UISink interface {
	Render(chatID string, render *envelope.UIRender) error
}

// Config tunes one conversation engine.
type Config struct {
	SystemPrompt  string
	TurnBudget    int
	HistoryLimit  int
	ModelAttempts int
	ModelBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.TurnBudget <= 0 {
		c.TurnBudget = DefaultTurnBudget
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.ModelAttempts <= 0 {
		c.ModelAttempts = defaultModelAttempts
	}
	if c.ModelBackoff <= 0 {
		c.ModelBackoff = defaultModelBackoff
	}
}

// Engine runs the Re-Act loop for chat sessions. A single Run call is
// strictly sequential turn-by-turn; separate chats may Run concurrently.
type Engine struct {
	model   llm.Model
	tools   ToolRunner
	catalog CatalogProvider
	history store.HistoryStore
	ui      UISink
	cfg     Config
	logger  *slog.Logger
}

// New creates a conversation engine.
func New(model llm.Model, tools ToolRunner, catalog CatalogProvider, history store.HistoryStore, ui UISink, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{
		model:   model,
		tools:   tools,
		catalog: catalog,
		history: history,
		ui:      ui,
		cfg:     cfg,
		logger:  logger.With("component", "conversation"),
	}
}

// session is the per-Run state: the working turn list plus UI bookkeeping.
type session struct {
	chatID   string
	turns    []llm.Turn
	uiClosed bool
}

// Run drives one user message to completion: seed history, then loop model
// turns, executing requested tools between them, until the model answers in
// plain text or the turn budget runs out. Tool and model failures never
// panic out of the loop; every path ends with a user-visible message.
func (e *Engine) Run(ctx context.Context, chatID, userText string) error {
	s := &session{chatID: chatID}
	s.turns = append(s.turns, llm.Turn{Role: llm.RoleSystem, Content: e.cfg.SystemPrompt})

	prior, err := e.history.Recent(ctx, chatID, e.cfg.HistoryLimit)
	if err != nil {
		e.logger.Warn("history load failed, starting fresh",
			"chat_id", chatID,
			"error", err)
	}
	for _, t := range prior {
		s.turns = append(s.turns, llm.Turn{Role: llm.Role(t.Role), Content: t.Content})
	}
	s.turns = append(s.turns, llm.Turn{Role: llm.RoleUser, Content: userText})

	// Record first, then act: the user message is persisted before the
	// model ever sees it, so a provider outage cannot lose it.
	if err := e.history.Append(ctx, chatID, string(llm.RoleUser), userText); err != nil {
		e.logger.Error("failed to record user message",
			"chat_id", chatID,
			"error", err)
	}

	e.logger.Info("=== CONVERSATION START ===",
		"chat_id", chatID,
		"model", e.model.Info().Name,
		"turn_budget", e.cfg.TurnBudget)

	for turn := 1; turn <= e.cfg.TurnBudget; turn++ {
		completion, err := e.completeWithRetry(ctx, s.turns)
		if err != nil {
			e.logger.Error("model call failed",
				"chat_id", chatID,
				"turn", turn,
				"error", err)
			e.render(s, &envelope.UIRender{
				Alert: "the AI model is unavailable, please try again later",
			})
			return fmt.Errorf("model call failed: %w", err)
		}

		if len(completion.ToolCalls) == 0 {
			return e.finish(ctx, s, completion.Text)
		}

		s.turns = append(s.turns, llm.Turn{
			Role:      llm.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		e.logger.Info("executing tools",
			"chat_id", chatID,
			"turn", turn,
			"count", len(completion.ToolCalls))

		e.executeTools(ctx, s, completion.ToolCalls)
	}

	// Budget exhausted without a final answer. Exactly one notice, and it
	// is an alert rather than a final-answer render.
	e.logger.Warn("turn budget exhausted",
		"chat_id", chatID,
		"budget", e.cfg.TurnBudget)
	e.render(s, &envelope.UIRender{
		Alert: fmt.Sprintf("stopped after %d turns without a final answer", e.cfg.TurnBudget),
	})
	return nil
}

// finish records and renders the model's final text answer.
func (e *Engine) finish(ctx context.Context, s *session, text string) error {
	if err := e.history.Append(ctx, s.chatID, string(llm.RoleAssistant), text); err != nil {
		e.logger.Error("failed to record assistant message",
			"chat_id", s.chatID,
			"error", err)
	}
	e.render(s, &envelope.UIRender{Final: true, Text: text})
	e.logger.Info("=== CONVERSATION DONE ===", "chat_id", s.chatID)
	return nil
}

// toolResult pairs an outcome with the call that produced it.
type toolResult struct {
	call    llm.ToolCall
	outcome correlate.Outcome
}

// executeTools runs a turn's tool calls, in parallel when there is more than
// one, folds every outcome into the turn list keyed by call id, and surfaces
// UI updates: one batched render for the successes, an immediate alert per
// failure.
func (e *Engine) executeTools(ctx context.Context, s *session, calls []llm.ToolCall) {
	results := make([]toolResult, len(calls))

	if len(calls) == 1 {
		results[0] = toolResult{call: calls[0], outcome: e.runTool(ctx, calls[0])}
	} else {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call llm.ToolCall) {
				defer wg.Done()
				results[i] = toolResult{call: call, outcome: e.runTool(ctx, call)}
			}(i, call)
		}
		wg.Wait()
	}

	var fragments []envelope.UIFragment
	for _, r := range results {
		s.turns = append(s.turns, llm.Turn{
			Role:       llm.RoleTool,
			Content:    foldOutcome(r.outcome),
			ToolCallID: r.call.ID,
		})

		if r.outcome.OK {
			fragments = append(fragments, r.outcome.UIFragments...)
			continue
		}

		// Failures surface immediately and individually so the user
		// is not left waiting silently.
		e.render(s, &envelope.UIRender{
			Alert: fmt.Sprintf("tool %s failed: %s", r.call.Name, r.outcome.ErrMessage),
		})
	}

	// Successes batch into a single render per turn to avoid flooding.
	if len(fragments) > 0 {
		e.render(s, &envelope.UIRender{Components: fragments})
	}
}

// runTool dispatches one call, converting dispatcher panics into failures so
// a misbehaving tool can never take the loop down.
func (e *Engine) runTool(ctx context.Context, call llm.ToolCall) (out correlate.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool dispatch panicked",
				"tool", call.Name,
				"panic", r)
			out = correlate.Failure(fmt.Sprintf("tool %s crashed", call.Name), false)
		}
	}()
	return e.tools.Dispatch(ctx, call.Name, call.Arguments)
}

// foldOutcome converts a tool outcome into the content of a tool-result turn.
func foldOutcome(o correlate.Outcome) string {
	if o.OK {
		if len(o.Result) == 0 {
			return `{"status":"ok"}`
		}
		return string(o.Result)
	}
	return fmt.Sprintf(`{"error":%q}`, o.ErrMessage)
}

// completeWithRetry calls the model, retrying transient provider errors with
// exponential backoff. Fatal errors (bad credentials, unknown model) abort
// immediately.
func (e *Engine) completeWithRetry(ctx context.Context, turns []llm.Turn) (*llm.Completion, error) {
	catalog := e.catalog.Catalog()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.ModelAttempts; attempt++ {
		completion, err := e.model.Complete(ctx, turns, catalog)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		if !llm.IsTransient(err) {
			return nil, err
		}
		if attempt == e.cfg.ModelAttempts {
			break
		}

		delay := e.cfg.ModelBackoff << (attempt - 1)
		e.logger.Warn("transient model error, backing off",
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("model unavailable after %d attempts: %w", e.cfg.ModelAttempts, lastErr)
}

// render pushes one UI update, best-effort. After the first send failure the
// session is treated as closed and further renders are skipped.
func (e *Engine) render(s *session, r *envelope.UIRender) {
	if s.uiClosed {
		return
	}
	if err := e.ui.Render(s.chatID, r); err != nil {
		e.logger.Warn("ui render failed, suppressing further updates",
			"chat_id", s.chatID,
			"error", err)
		s.uiClosed = true
	}
}
