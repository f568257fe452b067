package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobpilot/internal/config"
	"jobpilot/internal/models"
	"jobpilot/internal/tools"
)

// LoopState is the agent loop's explicit state. Transitions:
// Idle → AwaitingModel → (ToolRequested → AwaitingModel | TextReceived) →
// (Complete | Failed).
type LoopState string

const (
	StateIdle          LoopState = "idle"
	StateAwaitingModel LoopState = "awaiting_model"
	StateToolRequested LoopState = "tool_requested"
	StateTextReceived  LoopState = "text_received"
	StateComplete      LoopState = "complete"
	StateFailed        LoopState = "failed"
)

// Stream-fatal error kinds. Tool failures are NOT stream-fatal: they are
// reported back to the model as tool results and the loop continues.
const (
	ErrKindModelCall     = "model_call_failed"
	ErrKindCancelled     = "cancelled"
	ErrKindMaxIterations = "max_iterations"
	ErrKindEmptyResponse = "empty_response"
	ErrKindPersistence   = "persistence_failed"
	ErrKindInternal      = "internal"
)

// AgentLoop orchestrates one conversation turn: model rounds, tool
// execution, token accounting, and persistence. One instance serves many
// concurrent streams; all per-stream state lives in Run's stack frame, so
// streams never observe each other.
type AgentLoop struct {
	provider      *Provider
	registry      *tools.Registry
	conversations *ConversationService

	tokenLimit        int
	thresholdFraction float64
	maxToolRounds     int
	maxTokensPerCall  int
}

func NewAgentLoop(provider *Provider, registry *tools.Registry, conversations *ConversationService, cfg *config.Config) *AgentLoop {
	return &AgentLoop{
		provider:          provider,
		registry:          registry,
		conversations:     conversations,
		tokenLimit:        cfg.TokenLimit,
		thresholdFraction: cfg.ThresholdFraction,
		maxToolRounds:     cfg.MaxToolRounds,
		maxTokensPerCall:  cfg.MaxTokensPerCall,
	}
}

// Run executes one agent turn and publishes its StreamEvents on events.
// It closes events when done. Exactly one terminal event (complete or
// error) is sent on every exit path, including panics. Events are dropped
// once ctx is cancelled; the consumer is gone by then.
func (l *AgentLoop) Run(ctx context.Context, req models.StreamChatRequest, userID string, events chan<- models.StreamEvent) {
	metricStreamsStarted.Inc()

	state := StateIdle
	terminalSent := false

	emit := func(ev models.StreamEvent) {
		if terminalSent {
			log.Printf("⚠️  [LOOP] Dropped %s event after terminal for conversation %s", ev.Type, ev.ConversationID)
			return
		}
		select {
		case events <- ev:
			if ev.IsTerminal() {
				terminalSent = true
			}
		case <-ctx.Done():
			if ev.IsTerminal() {
				terminalSent = true
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [LOOP] Panic in agent loop for conversation %s: %v", req.ConversationID, r)
			emit(models.StreamEvent{
				Type:         models.EventError,
				ErrorKind:    ErrKindInternal,
				ErrorMessage: "internal error",
			})
			metricStreamsFinished.WithLabelValues("panic").Inc()
		}
		if !terminalSent {
			// Belt and braces: no exit path should reach here without a
			// terminal, but the contract must hold regardless.
			emit(models.StreamEvent{
				Type:         models.EventError,
				ErrorKind:    ErrKindInternal,
				ErrorMessage: "stream ended unexpectedly",
			})
		}
		close(events)
	}()

	emit(models.StreamEvent{Type: models.EventStatus, Status: "starting"})

	conv, err := l.conversations.GetOrCreate(ctx, req.ConversationID, userID, req.AgentID)
	if err != nil {
		l.fail(emit, "", ErrKindPersistence, fmt.Sprintf("failed to open conversation: %v", err))
		return
	}

	// Build the transcript before persisting the new user message: on a
	// cache miss BuildTranscript rebuilds from persisted rows, and the turn's
	// message must not already be among them or the model sees it twice.
	transcript, err := l.conversations.BuildTranscript(ctx, conv.ID)
	if err != nil {
		l.fail(emit, conv.ID, ErrKindPersistence, fmt.Sprintf("failed to build transcript: %v", err))
		return
	}

	userMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           "user",
		Content:        req.Content,
		AgentID:        req.AgentID,
	}
	if err := l.conversations.AppendMessage(ctx, userMsg); err != nil {
		l.fail(emit, conv.ID, ErrKindPersistence, fmt.Sprintf("failed to persist user message: %v", err))
		return
	}

	transcript = append(transcript, map[string]interface{}{
		"role":    "user",
		"content": req.Content,
	})
	messages := withSystemPrompt(l.systemPrompt(), transcript)

	budget := &models.TokenBudget{
		Limit:             l.tokenLimit,
		ThresholdFraction: l.thresholdFraction,
	}

	var finalText strings.Builder
	toolDefs := l.registry.List()

	for iteration := 1; iteration <= l.maxToolRounds; iteration++ {
		state = StateAwaitingModel
		if iteration == 1 {
			emit(models.StreamEvent{Type: models.EventStatus, Status: "generating", ConversationID: conv.ID, Iteration: iteration})
		} else {
			emit(models.StreamEvent{Type: models.EventStatus, Status: "continuing", ConversationID: conv.ID, Iteration: iteration})
		}

		round, err := l.provider.StreamCompletion(ctx, messages, toolDefs, l.maxTokensPerCall, func(delta string) {
			emit(models.StreamEvent{
				Type:           models.EventChunk,
				Content:        delta,
				ConversationID: conv.ID,
				Iteration:      iteration,
			})
		})
		if err != nil {
			state = StateFailed
			kind := ErrKindModelCall
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				kind = ErrKindCancelled
			}
			log.Printf("❌ [LOOP] Model call failed (state=%s iteration=%d conversation=%s): %v", state, iteration, conv.ID, err)
			l.fail(emit, conv.ID, kind, err.Error())
			return
		}

		if round.Usage != nil {
			budget.Add(*round.Usage)
			metricTokensConsumed.WithLabelValues("input").Add(float64(round.Usage.InputTokens))
			metricTokensConsumed.WithLabelValues("output").Add(float64(round.Usage.OutputTokens))
			emit(models.StreamEvent{
				Type:           models.EventContextUsage,
				ConversationID: conv.ID,
				Usage:          budget.Snapshot(),
				Iteration:      iteration,
			})
		}

		if round.Content != "" {
			finalText.WriteString(round.Content)
		}

		// Hard safety stop: once the budget threshold is crossed the turn is
		// forced to Complete, even mid tool round. Whatever text exists is
		// persisted; nothing further is sent to the model.
		if budget.Exhausted() {
			log.Printf("🛑 [LOOP] Token budget exhausted (%d/%d, %.1f%%) for conversation %s - forcing completion",
				budget.TotalTokens(), budget.Limit, budget.Percent(), conv.ID)
			state = StateComplete
			l.complete(ctx, emit, conv.ID, req.AgentID, req.Content, finalText.String(), messages, budget, true)
			return
		}

		if round.HasToolCalls() {
			state = StateToolRequested
			messages = l.runToolRound(ctx, emit, conv.ID, iteration, round, messages)
			l.conversations.SetTranscript(conv.ID, stripSystemPrompt(messages))
			continue
		}

		if round.FinishReason == "length" {
			// Output was clipped at max_tokens. Feed the partial text back as
			// the assistant message and let the model continue seamlessly;
			// the client has already received every delta.
			state = StateTextReceived
			log.Printf("🔄 [LOOP] max_tokens reached (iteration %d), continuing generation for %s", iteration, conv.ID)
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": round.Content,
			})
			continue
		}

		if strings.TrimSpace(finalText.String()) == "" {
			state = StateFailed
			log.Printf("⚠️  [LOOP] Empty response from model for conversation %s", conv.ID)
			l.fail(emit, conv.ID, ErrKindEmptyResponse, "the model returned an empty response")
			return
		}

		state = StateTextReceived
		l.complete(ctx, emit, conv.ID, req.AgentID, req.Content, finalText.String(), messages, budget, false)
		return
	}

	// Consecutive tool-only rounds exceeded the bound.
	state = StateFailed
	log.Printf("❌ [LOOP] Tool round limit (%d) exceeded for conversation %s (state=%s)", l.maxToolRounds, conv.ID, state)
	l.fail(emit, conv.ID, ErrKindMaxIterations, fmt.Sprintf("exceeded %d consecutive tool rounds", l.maxToolRounds))
}

// runToolRound executes every tool call the model requested, publishes the
// paired tool_start/tool_result events, and appends the {assistant
// tool_calls, tool results} exchange to the transcript. Tool failures are
// folded into the results so the model can react; they never end the stream.
func (l *AgentLoop) runToolRound(ctx context.Context, emit func(models.StreamEvent), conversationID string, iteration int, round *RoundResult, messages []map[string]interface{}) []map[string]interface{} {
	log.Printf("🔧 [LOOP] Executing %d tool call(s) (iteration %d, conversation %s)", len(round.ToolCalls), iteration, conversationID)

	toolCallMsgs := make([]map[string]interface{}, 0, len(round.ToolCalls))
	toolResults := make([]map[string]interface{}, 0, len(round.ToolCalls))

	for _, call := range round.ToolCalls {
		callID := call.ID
		if callID == "" {
			callID = truncateToolCallID("call_" + uuid.New().String())
		}
		toolCallMsgs = append(toolCallMsgs, map[string]interface{}{
			"id":   callID,
			"type": call.Type,
			"function": map[string]interface{}{
				"name":      call.Name,
				"arguments": call.Arguments,
			},
		})

		// One activity id binds the start and result events for this call.
		activityID := uuid.New().String()

		var args map[string]interface{}
		parseErr := json.Unmarshal([]byte(call.Arguments), &args)

		emit(models.StreamEvent{
			Type:           models.EventToolStart,
			ConversationID: conversationID,
			ActivityID:     activityID,
			ToolName:       call.Name,
			Arguments:      tools.RedactValue(args),
			Status:         "executing",
			Iteration:      iteration,
		})

		var resultContent string
		var failed bool
		if parseErr != nil {
			resultContent = fmt.Sprintf("Error: invalid tool arguments: %v", parseErr)
			failed = true
		} else {
			result, toolErr := l.registry.Execute(ctx, call.Name, args)
			if toolErr != nil {
				resultContent = fmt.Sprintf("Error (%s): %v", toolErr.Kind, toolErr.Err)
				failed = true
			} else {
				resultContent = result
			}
		}

		status := "completed"
		outcome := "success"
		if failed {
			status = "failed"
			outcome = "error"
			log.Printf("⚠️  [TOOL] %s failed: %s", call.Name, resultContent)
		} else {
			log.Printf("✅ [TOOL] %s completed (%d bytes)", call.Name, len(resultContent))
		}
		metricToolExecutions.WithLabelValues(call.Name, outcome).Inc()

		emit(models.StreamEvent{
			Type:           models.EventToolResult,
			ConversationID: conversationID,
			ActivityID:     activityID,
			ToolName:       call.Name,
			Result:         resultContent,
			Status:         status,
			Iteration:      iteration,
		})

		toolResults = append(toolResults, map[string]interface{}{
			"role":         "tool",
			"tool_call_id": callID,
			"name":         call.Name,
			"content":      resultContent,
		})
	}

	assistantMsg := map[string]interface{}{
		"role":       "assistant",
		"tool_calls": toolCallMsgs,
	}
	if round.Content != "" {
		assistantMsg["content"] = round.Content
	}
	messages = append(messages, assistantMsg)
	messages = append(messages, toolResults...)
	return messages
}

// complete persists the assistant message and emits the terminal complete
// event carrying the persisted message id. The persist happens strictly
// before the event: a client re-fetching on complete always sees the message.
func (l *AgentLoop) complete(ctx context.Context, emit func(models.StreamEvent), conversationID, agentID, userContent, finalText string, messages []map[string]interface{}, budget *models.TokenBudget, budgetExhausted bool) {
	var messageID string
	if strings.TrimSpace(finalText) != "" {
		msg := &models.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           "assistant",
			Content:        finalText,
			AgentID:        agentID,
		}
		// Persistence must not race the terminal event, and a client
		// disconnect must not lose the message. Detached context, short
		// deadline.
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.conversations.AppendMessage(persistCtx, msg); err != nil {
			log.Printf("❌ [LOOP] Failed to persist assistant message for %s: %v", conversationID, err)
			emit(models.StreamEvent{
				Type:           models.EventError,
				ConversationID: conversationID,
				ErrorKind:      ErrKindPersistence,
				ErrorMessage:   "failed to persist the response",
			})
			metricStreamsFinished.WithLabelValues("error").Inc()
			return
		}
		messageID = msg.ID

		messages = append(messages, map[string]interface{}{
			"role":    "assistant",
			"content": finalText,
		})
		l.maybeGenerateTitle(persistCtx, conversationID, userContent, finalText)
	}
	l.conversations.SetTranscript(conversationID, stripSystemPrompt(messages))

	status := ""
	if budgetExhausted {
		status = "token_budget_exhausted"
	}
	emit(models.StreamEvent{
		Type:           models.EventComplete,
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         status,
		Usage:          budget.Snapshot(),
	})
	metricStreamsFinished.WithLabelValues("complete").Inc()
}

func (l *AgentLoop) fail(emit func(models.StreamEvent), conversationID, kind, message string) {
	emit(models.StreamEvent{
		Type:           models.EventError,
		ConversationID: conversationID,
		ErrorKind:      kind,
		ErrorMessage:   message,
	})
	metricStreamsFinished.WithLabelValues("error").Inc()
}

// maybeGenerateTitle kicks off background title generation after the first
// user/assistant exchange.
func (l *AgentLoop) maybeGenerateTitle(ctx context.Context, conversationID, userContent, assistantContent string) {
	persisted, err := l.conversations.ListMessages(ctx, conversationID)
	if err != nil || len(persisted) != 2 {
		return
	}
	go func() {
		titleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		l.conversations.GenerateTitle(titleCtx, l.provider, conversationID, userContent, assistantContent)
	}()
}

func (l *AgentLoop) systemPrompt() string {
	return `You are JobPilot, a job-search assistant. You help users find job openings, research companies, submit applications, and follow up with recruiters.

Use the available tools when they help: search_jobs for openings, research_company for company background, submit_application to fill application forms, send_email for follow-ups, get_current_time for scheduling. Never invent job listings; base answers on tool results. Keep responses concise and actionable.`
}

// withSystemPrompt prepends the system message, replacing any existing one.
func withSystemPrompt(prompt string, transcript []map[string]interface{}) []map[string]interface{} {
	messages := make([]map[string]interface{}, 0, len(transcript)+1)
	messages = append(messages, map[string]interface{}{
		"role":    "system",
		"content": prompt,
	})
	for _, msg := range transcript {
		if role, _ := msg["role"].(string); role == "system" {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// stripSystemPrompt removes the leading system message before the transcript
// is cached; the prompt is re-attached fresh on every turn.
func stripSystemPrompt(messages []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, msg := range messages {
		if role, _ := msg["role"].(string); role == "system" {
			continue
		}
		out = append(out, msg)
	}
	return out
}
