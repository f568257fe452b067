package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobpilot/internal/config"
	"jobpilot/internal/database"
	"jobpilot/internal/models"
	"jobpilot/internal/tools"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		TokenLimit:        200000,
		ThresholdFraction: 0.95,
		MaxToolRounds:     25,
		MaxTokensPerCall:  4096,
	}
}

// sseBody joins chunk JSON strings into a provider stream body.
func sseBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func contentChunk(text string) string {
	out, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"delta": map[string]interface{}{"content": text}},
		},
	})
	return string(out)
}

func finishChunk(reason string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{},"finish_reason":"%s"}]}`, reason)
}

func usageChunk(input, output int) string {
	return fmt.Sprintf(`{"choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`, input, output)
}

func toolCallChunk(id, name, args string) string {
	out, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"delta": map[string]interface{}{
				"tool_calls": []map[string]interface{}{
					{
						"index": 0,
						"id":    id,
						"type":  "function",
						"function": map[string]interface{}{
							"name":      name,
							"arguments": args,
						},
					},
				},
			}},
		},
	})
	return string(out)
}

// fakeProvider serves scripted SSE responses, one per streaming model round.
// Non-streaming calls (background title generation) get a canned completion.
func fakeProvider(t *testing.T, rounds []string) *httptest.Server {
	t.Helper()
	var call int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if !body.Stream {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"Test conversation"}}]}`)
			return
		}
		n := atomic.AddInt64(&call, 1)
		if int(n) > len(rounds) {
			t.Errorf("unexpected model call %d (scripted %d rounds)", n, len(rounds))
			http.Error(w, "no more rounds", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, rounds[n-1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runLoop(t *testing.T, srv *httptest.Server, registry *tools.Registry, cfg *config.Config) []models.StreamEvent {
	t.Helper()
	db := testDB(t)
	conversations := NewConversationService(db)
	provider := NewProvider(srv.URL, "test-key", "test-model", 10*time.Second)
	loop := NewAgentLoop(provider, registry, conversations, cfg)

	events := make(chan models.StreamEvent, 64)
	go loop.Run(context.Background(), models.StreamChatRequest{Content: "find me a Go job"}, "user-1", events)

	var collected []models.StreamEvent
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, ev)
		case <-deadline:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func countTerminal(events []models.StreamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.IsTerminal() {
			n++
		}
	}
	return n
}

func lastEvent(t *testing.T, events []models.StreamEvent) models.StreamEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	return events[len(events)-1]
}

func TestRunPlainTextStream(t *testing.T) {
	srv := fakeProvider(t, []string{
		sseBody(
			contentChunk("Here are "),
			contentChunk("three openings."),
			finishChunk("stop"),
			usageChunk(100, 20),
		),
	})

	events := runLoop(t, srv, tools.NewRegistry(), testConfig())

	if countTerminal(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", countTerminal(events))
	}
	final := lastEvent(t, events)
	if final.Type != models.EventComplete {
		t.Fatalf("expected complete, got %s (%s)", final.Type, final.ErrorMessage)
	}
	if final.MessageID == "" {
		t.Error("complete event must carry the persisted message id")
	}

	var text strings.Builder
	sawStatus := false
	for _, ev := range events {
		switch ev.Type {
		case models.EventChunk:
			text.WriteString(ev.Content)
		case models.EventStatus:
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Error("expected a status event before the first chunk")
	}
	if text.String() != "Here are three openings." {
		t.Errorf("concatenated chunks = %q", text.String())
	}
	if events[0].Type != models.EventStatus {
		t.Errorf("first event must be status, got %s", events[0].Type)
	}
}

func TestRunPersistsMessageBeforeComplete(t *testing.T) {
	srv := fakeProvider(t, []string{
		sseBody(contentChunk("Done."), finishChunk("stop"), usageChunk(10, 2)),
	})

	db := testDB(t)
	conversations := NewConversationService(db)
	provider := NewProvider(srv.URL, "k", "m", 10*time.Second)
	loop := NewAgentLoop(provider, tools.NewRegistry(), conversations, testConfig())

	events := make(chan models.StreamEvent, 64)
	go loop.Run(context.Background(), models.StreamChatRequest{Content: "hi"}, "user-1", events)

	for ev := range events {
		if ev.Type != models.EventComplete {
			continue
		}
		// Read-your-writes: the message named by complete must already be
		// readable when the event arrives.
		msgs, err := conversations.ListMessages(context.Background(), ev.ConversationID)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		found := false
		for _, m := range msgs {
			if m.ID == ev.MessageID && m.Role == "assistant" && m.Content == "Done." {
				found = true
			}
		}
		if !found {
			t.Errorf("persisted assistant message %s not visible at complete time", ev.MessageID)
		}
	}
}

func TestRunSendsUserMessageOnce(t *testing.T) {
	// The provider must see each user message exactly once, on the first
	// turn and on later turns where the transcript cache has expired and is
	// rebuilt from persisted rows.
	var mu sync.Mutex
	var captured [][]map[string]interface{}
	rounds := []string{
		sseBody(contentChunk("Try Acme."), finishChunk("stop"), usageChunk(40, 8)),
		sseBody(contentChunk("They are hiring."), finishChunk("stop"), usageChunk(60, 10)),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream   bool                     `json:"stream"`
			Messages []map[string]interface{} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if !body.Stream {
			// Background title generation; not part of the turn transcript.
			fmt.Fprint(w, `{"choices":[{"message":{"content":"Go job search"}}]}`)
			return
		}
		mu.Lock()
		captured = append(captured, body.Messages)
		n := len(captured)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, rounds[n-1])
	}))
	t.Cleanup(srv.Close)

	db := testDB(t)
	conversations := NewConversationService(db)
	provider := NewProvider(srv.URL, "k", "m", 10*time.Second)
	loop := NewAgentLoop(provider, tools.NewRegistry(), conversations, testConfig())

	countRole := func(msgs []map[string]interface{}, role, content string) int {
		n := 0
		for _, m := range msgs {
			if m["role"] == role && m["content"] == content {
				n++
			}
		}
		return n
	}

	events := make(chan models.StreamEvent, 64)
	go loop.Run(context.Background(), models.StreamChatRequest{Content: "find me a Go job"}, "user-1", events)
	var conversationID string
	for ev := range events {
		if ev.ConversationID != "" {
			conversationID = ev.ConversationID
		}
	}

	if len(captured) != 1 {
		t.Fatalf("expected 1 model call after first turn, got %d", len(captured))
	}
	if got := countRole(captured[0], "user", "find me a Go job"); got != 1 {
		t.Fatalf("first-turn transcript carries the user message %d times, want 1: %v", got, captured[0])
	}

	// Simulate TTL expiry: the next turn rebuilds the transcript from rows.
	conversations.ClearTranscript(conversationID)

	events = make(chan models.StreamEvent, 64)
	go loop.Run(context.Background(), models.StreamChatRequest{ConversationID: conversationID, Content: "where exactly?"}, "user-1", events)
	for range events {
	}

	if len(captured) != 2 {
		t.Fatalf("expected 2 model calls after second turn, got %d", len(captured))
	}
	second := captured[1]
	if got := countRole(second, "user", "find me a Go job"); got != 1 {
		t.Errorf("rebuilt transcript carries the first user message %d times, want 1", got)
	}
	if got := countRole(second, "assistant", "Try Acme."); got != 1 {
		t.Errorf("rebuilt transcript carries the assistant reply %d times, want 1", got)
	}
	if got := countRole(second, "user", "where exactly?"); got != 1 {
		t.Errorf("rebuilt transcript carries the new user message %d times, want 1", got)
	}
}

func TestRunToolRound(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name: "lookup_salary",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"role": map[string]interface{}{"type": "string"},
			},
			"required": []string{"role"},
		},
		Execute: func(_ context.Context, args map[string]interface{}) (string, error) {
			return fmt.Sprintf("median salary for %s: 120000", args["role"]), nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	srv := fakeProvider(t, []string{
		sseBody(
			toolCallChunk("call_1", "lookup_salary", `{"role":"backend engineer"}`),
			finishChunk("tool_calls"),
			usageChunk(200, 30),
		),
		sseBody(
			contentChunk("Backend engineers earn about 120k."),
			finishChunk("stop"),
			usageChunk(260, 25),
		),
	})

	events := runLoop(t, srv, registry, testConfig())

	if countTerminal(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", countTerminal(events))
	}
	if final := lastEvent(t, events); final.Type != models.EventComplete {
		t.Fatalf("expected complete, got %s (%s)", final.Type, final.ErrorMessage)
	}

	var start, result *models.StreamEvent
	for i := range events {
		switch events[i].Type {
		case models.EventToolStart:
			start = &events[i]
		case models.EventToolResult:
			result = &events[i]
		}
	}
	if start == nil || result == nil {
		t.Fatal("expected tool_start and tool_result events")
	}
	if start.ActivityID == "" || start.ActivityID != result.ActivityID {
		t.Errorf("tool_start and tool_result must share a non-empty activity id: %q vs %q", start.ActivityID, result.ActivityID)
	}
	if start.ToolName != "lookup_salary" {
		t.Errorf("tool_start tool name = %q", start.ToolName)
	}
	if !strings.Contains(result.Result, "120000") {
		t.Errorf("tool_result missing tool output: %q", result.Result)
	}
}

func TestRunToolFailureIsNotStreamFatal(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name:       "flaky",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return "", fmt.Errorf("upstream unavailable")
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	srv := fakeProvider(t, []string{
		sseBody(
			toolCallChunk("call_1", "flaky", `{}`),
			finishChunk("tool_calls"),
			usageChunk(50, 10),
		),
		sseBody(
			contentChunk("The lookup failed, sorry."),
			finishChunk("stop"),
			usageChunk(80, 12),
		),
	})

	events := runLoop(t, srv, registry, testConfig())

	if final := lastEvent(t, events); final.Type != models.EventComplete {
		t.Fatalf("tool failure must not fail the stream, got %s (%s)", final.Type, final.ErrorMessage)
	}
	for _, ev := range events {
		if ev.Type == models.EventToolResult {
			if ev.Status != "failed" {
				t.Errorf("expected failed tool_result status, got %q", ev.Status)
			}
			if !strings.Contains(ev.Result, "upstream unavailable") {
				t.Errorf("tool error not surfaced in result: %q", ev.Result)
			}
		}
	}
}

func TestRunBudgetExhaustionForcesComplete(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name:       "noisy",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return "data", nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Limit 1000, threshold 0.95 → hard stop at 950 total tokens. The first
	// round reports 960, so the loop must terminate without a second call.
	cfg := testConfig()
	cfg.TokenLimit = 1000
	cfg.ThresholdFraction = 0.95

	srv := fakeProvider(t, []string{
		sseBody(
			contentChunk("Partial answer"),
			toolCallChunk("call_1", "noisy", `{}`),
			finishChunk("tool_calls"),
			usageChunk(900, 60),
		),
	})

	events := runLoop(t, srv, registry, cfg)

	if countTerminal(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", countTerminal(events))
	}
	final := lastEvent(t, events)
	if final.Type != models.EventComplete {
		t.Fatalf("budget exhaustion must force complete, not %s", final.Type)
	}
	if final.Status != "token_budget_exhausted" {
		t.Errorf("expected token_budget_exhausted status, got %q", final.Status)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 960 {
		t.Errorf("expected usage snapshot with 960 total tokens, got %+v", final.Usage)
	}
	for _, ev := range events {
		if ev.Type == models.EventToolStart {
			t.Error("no tool round may run after the budget is exhausted")
		}
	}
}

func TestRunUsageMonotonicallyIncreases(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name:       "step",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return "ok", nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	srv := fakeProvider(t, []string{
		sseBody(toolCallChunk("c1", "step", `{}`), finishChunk("tool_calls"), usageChunk(100, 10)),
		sseBody(toolCallChunk("c2", "step", `{}`), finishChunk("tool_calls"), usageChunk(150, 12)),
		sseBody(contentChunk("done"), finishChunk("stop"), usageChunk(200, 15)),
	})

	events := runLoop(t, srv, registry, testConfig())

	prev := 0
	usageEvents := 0
	for _, ev := range events {
		if ev.Type != models.EventContextUsage {
			continue
		}
		usageEvents++
		if ev.Usage.TotalTokens <= prev {
			t.Errorf("usage total went from %d to %d; must strictly increase", prev, ev.Usage.TotalTokens)
		}
		prev = ev.Usage.TotalTokens
	}
	if usageEvents != 3 {
		t.Errorf("expected 3 context_usage events, got %d", usageEvents)
	}
	if prev != 487 {
		t.Errorf("final usage total = %d, want 487", prev)
	}
}

func TestRunMaxTokensContinuation(t *testing.T) {
	srv := fakeProvider(t, []string{
		sseBody(contentChunk("First half "), finishChunk("length"), usageChunk(50, 40)),
		sseBody(contentChunk("second half."), finishChunk("stop"), usageChunk(95, 20)),
	})

	events := runLoop(t, srv, tools.NewRegistry(), testConfig())

	final := lastEvent(t, events)
	if final.Type != models.EventComplete {
		t.Fatalf("expected complete, got %s (%s)", final.Type, final.ErrorMessage)
	}

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == models.EventChunk {
			text.WriteString(ev.Content)
		}
	}
	if text.String() != "First half second half." {
		t.Errorf("continuation produced %q", text.String())
	}
}

func TestRunModelErrorEmitsSingleErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	events := runLoop(t, srv, tools.NewRegistry(), testConfig())

	if countTerminal(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", countTerminal(events))
	}
	final := lastEvent(t, events)
	if final.Type != models.EventError {
		t.Fatalf("expected error event, got %s", final.Type)
	}
	if final.ErrorKind != ErrKindModelCall {
		t.Errorf("expected kind %s, got %s", ErrKindModelCall, final.ErrorKind)
	}
}

func TestRunToolRoundLimit(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name:       "again",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return "more", nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cfg := testConfig()
	cfg.MaxToolRounds = 3

	rounds := make([]string, cfg.MaxToolRounds)
	for i := range rounds {
		rounds[i] = sseBody(
			toolCallChunk(fmt.Sprintf("c%d", i), "again", `{}`),
			finishChunk("tool_calls"),
			usageChunk(10, 5),
		)
	}
	srv := fakeProvider(t, rounds)

	events := runLoop(t, srv, registry, cfg)

	if countTerminal(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", countTerminal(events))
	}
	final := lastEvent(t, events)
	if final.Type != models.EventError || final.ErrorKind != ErrKindMaxIterations {
		t.Fatalf("expected max_iterations error, got %s/%s", final.Type, final.ErrorKind)
	}
}
