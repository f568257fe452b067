package models

import (
	"time"
)

// Message is a persisted conversation message. Immutable once stored: the
// core only ever appends, it never rewrites message rows.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	AgentID        string    `json:"agent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is one logical chat thread. Created on first user input,
// touched on every new message, never deleted by the core.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatRequest is the request body for an OpenAI-compatible chat completion API.
type ChatRequest struct {
	Model         string                   `json:"model"`
	Messages      []map[string]interface{} `json:"messages"`
	Tools         []map[string]interface{} `json:"tools,omitempty"`
	Stream        bool                     `json:"stream"`
	MaxTokens     int                      `json:"max_tokens,omitempty"`
	Temperature   float64                  `json:"temperature,omitempty"`
	StreamOptions *StreamOptions           `json:"stream_options,omitempty"`
}

// StreamOptions asks the provider to report usage in the final stream chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// TokenUsage is the usage block reported by the completion API for one round.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamChatRequest is the client request body that starts an agent stream.
type StreamChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	AgentID        string `json:"agent_id,omitempty"`
	ModelID        string `json:"model_id,omitempty"`
}
