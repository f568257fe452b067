package models

import (
	"math"
	"time"
)

// StreamEvent types. Exactly one "complete" or "error" event terminates a
// stream; nothing may follow it.
const (
	EventStatus       = "status"
	EventChunk        = "chunk"
	EventToolStart    = "tool_start"
	EventToolResult   = "tool_result"
	EventContextUsage = "context_usage"
	EventComplete     = "complete"
	EventError        = "error"
)

// StreamEvent is one unit of the server-to-client push protocol.
type StreamEvent struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"` // chunk delta or status text
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"` // set on complete
	ActivityID     string `json:"activity_id,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	// Arguments is either the tool's input map or the redaction marker string
	// when the input carried sensitive material.
	Arguments    interface{}    `json:"arguments,omitempty"`
	Result       string         `json:"result,omitempty"`
	Status       string         `json:"status,omitempty"` // "executing", "completed", "failed"
	Usage        *UsageSnapshot `json:"usage,omitempty"`
	Iteration    int            `json:"iteration,omitempty"` // model round counter, for observability
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// IsTerminal reports whether the event ends its stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// UsageSnapshot is the client-facing view of the token budget.
type UsageSnapshot struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Limit        int     `json:"limit"`
	Percent      float64 `json:"percent"`
}

// Activity is the ephemeral record of one in-flight or completed tool
// invocation. Not durable like a Message: it exists for live progress UX and
// is retired once the turn's assistant message is persisted. Its ID stays
// stable across every event describing it so receivers can merge idempotently.
type Activity struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "tool_call", "status", "context_usage", "error"
	ToolName string `json:"tool_name,omitempty"`
	// Params mirrors StreamEvent.Arguments: input map, or the redaction
	// marker string when the input carried sensitive material.
	Params      interface{} `json:"params,omitempty"`
	Result      string      `json:"result,omitempty"`
	Status      string      `json:"status,omitempty"`
	AgentID     string      `json:"agent_id,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// TokenBudget tracks cumulative context consumption for one stream. Owned
// exclusively by that stream's agent loop; everyone else gets read-only
// snapshots. TotalTokens never decreases within a stream's lifetime.
type TokenBudget struct {
	InputTokens       int
	OutputTokens      int
	Limit             int
	ThresholdFraction float64
}

// Add folds one model round-trip's reported usage into the running totals.
func (b *TokenBudget) Add(u TokenUsage) {
	if u.InputTokens > 0 {
		b.InputTokens += u.InputTokens
	}
	if u.OutputTokens > 0 {
		b.OutputTokens += u.OutputTokens
	}
}

// TotalTokens returns cumulative input + output tokens.
func (b *TokenBudget) TotalTokens() int {
	return b.InputTokens + b.OutputTokens
}

// Exhausted reports whether the hard safety stop has been reached:
// totalTokens >= floor(limit * thresholdFraction).
func (b *TokenBudget) Exhausted() bool {
	if b.Limit <= 0 {
		return false
	}
	return b.TotalTokens() >= int(math.Floor(float64(b.Limit)*b.ThresholdFraction))
}

// Percent returns consumption as a percentage of the limit, rounded to one
// decimal place for display.
func (b *TokenBudget) Percent() float64 {
	if b.Limit <= 0 {
		return 0
	}
	return math.Round(float64(b.TotalTokens())/float64(b.Limit)*1000) / 10
}

// Snapshot returns the client-facing usage view.
func (b *TokenBudget) Snapshot() *UsageSnapshot {
	return &UsageSnapshot{
		InputTokens:  b.InputTokens,
		OutputTokens: b.OutputTokens,
		TotalTokens:  b.TotalTokens(),
		Limit:        b.Limit,
		Percent:      b.Percent(),
	}
}
