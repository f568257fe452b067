package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"jobpilot/internal/models"
)

// maxToolCallIDLen bounds tool call ids to the OpenAI constraint.
const maxToolCallIDLen = 40

func truncateToolCallID(id string) string {
	if len(id) > maxToolCallIDLen {
		return id[:maxToolCallIDLen]
	}
	return id
}

// Provider is a client for an OpenAI-compatible chat completion API.
type Provider struct {
	BaseURL string
	APIKey  string
	Model   string
	client  *http.Client
}

// NewProvider creates a completion API client. timeout bounds one full
// model round-trip including streaming.
func NewProvider(baseURL, apiKey, model string, timeout time.Duration) *Provider {
	return &Provider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// ToolCallRequest is one fully-accumulated tool call from a model round.
type ToolCallRequest struct {
	ID        string
	Type      string
	Name      string
	Arguments string // raw JSON as emitted by the model
}

// RoundResult is the outcome of a single streamed model round.
type RoundResult struct {
	Content      string
	ToolCalls    []ToolCallRequest
	FinishReason string
	Usage        *models.TokenUsage
}

// HasToolCalls reports whether the round ended asking for tool execution.
// Some providers report finish_reason "stop" even when tool call data was
// streamed, so accumulated calls count too.
func (r *RoundResult) HasToolCalls() bool {
	return r.FinishReason == "tool_calls" || len(r.ToolCalls) > 0
}

// toolCallAccumulator collects one streamed tool call. Arguments arrive as
// string fragments across many chunks and must be concatenated before parsing.
type toolCallAccumulator struct {
	ID        string
	Type      string
	Name      string
	Arguments strings.Builder
}

// apiError is a non-2xx response from the completion API.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("completion API error (status %d): %s", e.StatusCode, e.Body)
}

// StreamCompletion runs one streamed model round. Each content delta is
// forwarded to onDelta as it arrives; the accumulated round outcome is
// returned once the stream ends. The request always asks the provider to
// include usage in the final chunk.
func (p *Provider) StreamCompletion(ctx context.Context, messages []map[string]interface{}, tools []map[string]interface{}, maxTokens int, onDelta func(string)) (*RoundResult, error) {
	chatReq := models.ChatRequest{
		Model:         p.Model,
		Messages:      messages,
		Stream:        true,
		MaxTokens:     maxTokens,
		Temperature:   0.7,
		StreamOptions: &models.StreamOptions{IncludeUsage: true},
	}
	// Some APIs reject an empty tools array.
	if len(tools) > 0 {
		chatReq.Tools = tools
	}

	reqBody, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	log.Printf("🔍 [LLM-REQUEST] model=%s messages=%d tools=%d body=%d bytes",
		chatReq.Model, len(chatReq.Messages), len(chatReq.Tools), len(reqBody))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return p.readStream(ctx, resp.Body, onDelta)
}

// readStream parses the provider's SSE response body chunk by chunk.
func (p *Provider) readStream(ctx context.Context, body io.Reader, onDelta func(string)) (*RoundResult, error) {
	scanner := bufio.NewScanner(body)

	// 1MB buffer for large chunks; the default 64KB overflows on big tool
	// call arguments.
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	var fullContent strings.Builder
	toolCallsMap := make(map[int]*toolCallAccumulator)
	result := &RoundResult{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk map[string]interface{}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		// The usage chunk may arrive with an empty choices array.
		if usage, ok := chunk["usage"].(map[string]interface{}); ok {
			result.Usage = parseUsage(usage)
		}

		choices, ok := chunk["choices"].([]interface{})
		if !ok || len(choices) == 0 {
			continue
		}
		choice, ok := choices[0].(map[string]interface{})
		if !ok {
			continue
		}

		if reason, ok := choice["finish_reason"].(string); ok && reason != "" {
			result.FinishReason = reason
		}

		delta, ok := choice["delta"].(map[string]interface{})
		if !ok {
			continue
		}

		if content, ok := delta["content"].(string); ok && content != "" {
			fullContent.WriteString(content)
			if onDelta != nil {
				onDelta(content)
			}
		}

		if toolCallsData, ok := delta["tool_calls"].([]interface{}); ok {
			accumulateToolCalls(toolCallsMap, toolCallsData)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	result.Content = fullContent.String()
	indexes := make([]int, 0, len(toolCallsMap))
	for index := range toolCallsMap {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		acc := toolCallsMap[index]
		if acc.Name == "" {
			continue
		}
		argsStr := acc.Arguments.String()
		if argsStr == "" {
			argsStr = "{}"
		}
		if fixed, ok := sanitizeConcatenatedJSON(argsStr); ok {
			log.Printf("🔧 [FIX] Sanitized concatenated JSON in tool call args for %s", acc.Name)
			argsStr = fixed
		}
		result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
			ID:        acc.ID,
			Type:      acc.Type,
			Name:      acc.Name,
			Arguments: argsStr,
		})
	}
	return result, nil
}

// accumulateToolCalls folds one delta's tool_calls fragments into the
// per-index accumulators. Fragments for the same call share an index, not
// necessarily an id.
func accumulateToolCalls(toolCallsMap map[int]*toolCallAccumulator, toolCallsData []interface{}) {
	for _, tc := range toolCallsData {
		toolCallChunk, ok := tc.(map[string]interface{})
		if !ok {
			continue
		}

		var index int
		if idx, ok := toolCallChunk["index"].(float64); ok {
			index = int(idx)
		}
		if _, exists := toolCallsMap[index]; !exists {
			toolCallsMap[index] = &toolCallAccumulator{Type: "function"}
		}
		acc := toolCallsMap[index]

		if id, ok := toolCallChunk["id"].(string); ok && id != "" {
			acc.ID = truncateToolCallID(id)
		}
		if typ, ok := toolCallChunk["type"].(string); ok && typ != "" {
			acc.Type = typ
		}
		if function, ok := toolCallChunk["function"].(map[string]interface{}); ok {
			if name, ok := function["name"].(string); ok && name != "" {
				acc.Name = name
				log.Printf("🔧 [TOOL] Accumulating tool call: %s (index %d)", name, index)
			}
			if args, ok := function["arguments"].(string); ok {
				acc.Arguments.WriteString(args)
			}
		}
	}
}

// parseUsage reads the OpenAI usage block into our usage type.
func parseUsage(usage map[string]interface{}) *models.TokenUsage {
	u := &models.TokenUsage{}
	if v, ok := usage["prompt_tokens"].(float64); ok {
		u.InputTokens = int(v)
	}
	if v, ok := usage["completion_tokens"].(float64); ok {
		u.OutputTokens = int(v)
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return nil
	}
	return u
}

// sanitizeConcatenatedJSON fixes malformed tool call arguments where the
// provider concatenates what should be separate objects into one string:
// {"url":"x"}{"query":"y"}. All key-value pairs are merged into one object
// so no parameters are lost.
func sanitizeConcatenatedJSON(argsStr string) (string, bool) {
	if !strings.Contains(argsStr, "}{") {
		return argsStr, false
	}

	parts := strings.Split(argsStr, "}{")
	if len(parts) < 2 {
		return argsStr, false
	}

	merged := make(map[string]interface{})
	for i, part := range parts {
		if i > 0 {
			part = "{" + part
		}
		if i < len(parts)-1 {
			part = part + "}"
		}

		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(part), &obj); err != nil {
			// If any part fails to parse, fall back to the first object only.
			firstObjEnd := strings.Index(argsStr, "}{") + 1
			candidate := argsStr[:firstObjEnd]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
			return argsStr, false
		}
		for k, v := range obj {
			merged[k] = v
		}
	}

	result, err := json.Marshal(merged)
	if err != nil {
		return argsStr, false
	}
	return string(result), true
}

// Complete runs one non-streaming completion and returns the assistant text.
// Used for background calls like conversation title generation.
func (p *Provider) Complete(ctx context.Context, messages []map[string]interface{}, maxTokens int) (string, error) {
	chatReq := models.ChatRequest{
		Model:     p.Model,
		Messages:  messages,
		Stream:    false,
		MaxTokens: maxTokens,
	}
	reqBody, err := json.Marshal(chatReq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return "", &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion API returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
