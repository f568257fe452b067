// Package timeline reconciles the three client-side facets of a
// conversation view: durable messages fetched from the server, the live
// text buffer of an in-flight stream, and the live activity map of tool
// invocations. It consumes StreamEvents from a channel and exposes
// consistent snapshots for rendering.
package timeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"jobpilot/internal/models"
)

// MessageFetcher loads the persisted messages of a conversation.
type MessageFetcher func(ctx context.Context, conversationID string) ([]models.Message, error)

// StreamError is the terminal error of a failed stream, kept for display
// until the next stream or conversation switch.
type StreamError struct {
	Kind    string
	Message string
}

// Snapshot is one consistent view of the timeline for rendering.
type Snapshot struct {
	ConversationID string
	Messages       []models.Message
	LiveText       string
	Activities     []models.Activity
	Status         string
	Usage          *models.UsageSnapshot
	Err            *StreamError
	Streaming      bool
}

// Reconciler merges persisted messages with live stream state for one
// conversation at a time. All methods are safe for concurrent use; Apply is
// expected to be driven by a single event channel.
type Reconciler struct {
	mu    sync.RWMutex
	fetch MessageFetcher

	conversationID string
	persisted      []models.Message
	liveText       strings.Builder
	activities     map[string]*models.Activity
	order          []string // activity ids in arrival order
	status         string
	usage          *models.UsageSnapshot
	lastErr        *StreamError
	streaming      bool
}

func NewReconciler(fetch MessageFetcher) *Reconciler {
	return &Reconciler{
		fetch:      fetch,
		activities: make(map[string]*models.Activity),
	}
}

// Switch changes the active conversation and resets every facet: persisted
// list, live buffer, activity map, status, usage, and error state. State
// from the previous conversation can never leak into the new view.
func (r *Reconciler) Switch(ctx context.Context, conversationID string) error {
	messages, err := r.fetch(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversationID = conversationID
	r.persisted = messages
	r.resetLiveLocked()
	r.lastErr = nil
	r.usage = nil
	return nil
}

func (r *Reconciler) resetLiveLocked() {
	r.liveText.Reset()
	r.activities = make(map[string]*models.Activity)
	r.order = r.order[:0]
	r.status = ""
	r.streaming = false
}

// Apply folds one stream event into the timeline. Events for a different
// conversation than the active one are ignored; they belong to a view the
// user has navigated away from.
func (r *Reconciler) Apply(ctx context.Context, ev models.StreamEvent) {
	r.mu.Lock()

	if ev.ConversationID != "" && r.conversationID != "" && ev.ConversationID != r.conversationID {
		r.mu.Unlock()
		return
	}
	// A brand-new conversation learns its id from the first event carrying one.
	if r.conversationID == "" && ev.ConversationID != "" {
		r.conversationID = ev.ConversationID
	}

	switch ev.Type {
	case models.EventStatus:
		r.streaming = true
		r.status = ev.Status
		r.mu.Unlock()

	case models.EventChunk:
		r.streaming = true
		r.liveText.WriteString(ev.Content)
		r.mu.Unlock()

	case models.EventToolStart:
		r.upsertActivityLocked(ev.ActivityID, func(a *models.Activity) {
			a.Type = "tool_call"
			a.ToolName = ev.ToolName
			a.Params = ev.Arguments
			// A late-arriving start must not drag a finished activity back
			// to executing.
			if a.CompletedAt == nil {
				a.Status = ev.Status
			}
			if a.StartedAt.IsZero() {
				a.StartedAt = time.Now()
			}
		})
		r.mu.Unlock()

	case models.EventToolResult:
		r.upsertActivityLocked(ev.ActivityID, func(a *models.Activity) {
			a.Type = "tool_call"
			if ev.ToolName != "" {
				a.ToolName = ev.ToolName
			}
			a.Result = ev.Result
			a.Status = ev.Status
			now := time.Now()
			a.CompletedAt = &now
		})
		r.mu.Unlock()

	case models.EventContextUsage:
		r.usage = ev.Usage
		r.mu.Unlock()

	case models.EventComplete:
		// The final text now lives in a persisted Message; drop the live
		// buffer and activities and render strictly from the refreshed list.
		conversationID := r.conversationID
		r.resetLiveLocked()
		if ev.Usage != nil {
			r.usage = ev.Usage
		}
		r.lastErr = nil
		r.mu.Unlock()
		r.refetch(ctx, conversationID)

	case models.EventError:
		// Partial text stays visible alongside the error; in-flight
		// activities are marked failed so nothing spins forever.
		for _, id := range r.order {
			if a := r.activities[id]; a != nil && a.Status == "executing" {
				a.Status = "failed"
				now := time.Now()
				a.CompletedAt = &now
			}
		}
		r.streaming = false
		r.status = ""
		r.lastErr = &StreamError{Kind: ev.ErrorKind, Message: ev.ErrorMessage}
		r.mu.Unlock()

	default:
		r.mu.Unlock()
	}
}

// upsertActivityLocked creates or updates the activity with the given id.
// Duplicate or re-ordered events for the same id merge into one record.
func (r *Reconciler) upsertActivityLocked(id string, update func(*models.Activity)) {
	if id == "" {
		return
	}
	a, exists := r.activities[id]
	if !exists {
		a = &models.Activity{ID: id, StartedAt: time.Now()}
		r.activities[id] = a
		r.order = append(r.order, id)
	}
	update(a)
}

func (r *Reconciler) refetch(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	messages, err := r.fetch(ctx, conversationID)
	if err != nil {
		log.Printf("⚠️  [TIMELINE] Refetch after complete failed for %s: %v", conversationID, err)
		return
	}
	r.mu.Lock()
	if r.conversationID == conversationID {
		r.persisted = messages
	}
	r.mu.Unlock()
}

// Consume drains an event channel, applying every event until it closes.
func (r *Reconciler) Consume(ctx context.Context, events <-chan models.StreamEvent) {
	for ev := range events {
		r.Apply(ctx, ev)
	}
}

// Snapshot returns a consistent copy of all facets.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messages := make([]models.Message, len(r.persisted))
	copy(messages, r.persisted)

	activities := make([]models.Activity, 0, len(r.order))
	for _, id := range r.order {
		if a := r.activities[id]; a != nil {
			activities = append(activities, *a)
		}
	}

	var errCopy *StreamError
	if r.lastErr != nil {
		e := *r.lastErr
		errCopy = &e
	}

	return Snapshot{
		ConversationID: r.conversationID,
		Messages:       messages,
		LiveText:       r.liveText.String(),
		Activities:     activities,
		Status:         r.status,
		Usage:          r.usage,
		Err:            errCopy,
		Streaming:      r.streaming,
	}
}
