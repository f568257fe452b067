package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"jobpilot/internal/database"
	"jobpilot/internal/models"
)

// ErrConversationNotFound is returned for lookups of unknown or foreign
// conversations.
var ErrConversationNotFound = errors.New("conversation not found")

// transcriptTTL bounds how long an idle working transcript stays cached.
const transcriptTTL = 30 * time.Minute

// ConversationService owns durable conversation state (sqlite) and the
// ephemeral working transcript per conversation (TTL cache). Messages are
// append-only; reads after a successful append always observe it.
type ConversationService struct {
	db          *database.DB
	transcripts *cache.Cache
}

func NewConversationService(db *database.DB) *ConversationService {
	return &ConversationService{
		db:          db,
		transcripts: cache.New(transcriptTTL, 10*time.Minute),
	}
}

// GetOrCreate returns the conversation with the given id, creating it for
// the user when it does not exist yet. An empty id always creates.
func (s *ConversationService) GetOrCreate(ctx context.Context, conversationID, userID, agentID string) (*models.Conversation, error) {
	if conversationID != "" {
		conv, err := s.Get(ctx, conversationID)
		if err == nil {
			if conv.UserID != userID {
				return nil, ErrConversationNotFound
			}
			return conv, nil
		}
		if !errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        conversationID,
		UserID:    userID,
		AgentID:   agentID,
		Title:     "New Conversation",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, agent_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.AgentID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	log.Printf("💬 [CONV] Created conversation %s for user %s", conv.ID, userID)
	return conv, nil
}

// Get returns one conversation by id.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at
		 FROM conversations WHERE id = ?`, conversationID).
		Scan(&conv.ID, &conv.UserID, &conv.AgentID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// IsOwner reports whether the conversation belongs to the user.
func (s *ConversationService) IsOwner(ctx context.Context, conversationID, userID string) bool {
	conv, err := s.Get(ctx, conversationID)
	return err == nil && conv.UserID == userID
}

// ListByUser returns the user's conversations, most recently active first.
func (s *ConversationService) ListByUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.AgentID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// Delete removes a conversation and its messages, provided the user owns it.
func (s *ConversationService) Delete(ctx context.Context, conversationID, userID string) error {
	if !s.IsOwner(ctx, conversationID, userID) {
		return ErrConversationNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.ClearTranscript(conversationID)
	return nil
}

// AppendMessage persists one message. Appends are idempotent on message id:
// replaying the same id is a no-op, never a duplicate row. The parent
// conversation's updated_at is touched on every append.
func (s *ConversationService) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, conversation_id, role, content, agent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.AgentID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), msg.ConversationID); err != nil {
		log.Printf("⚠️  [CONV] Failed to touch conversation %s: %v", msg.ConversationID, err)
	}
	return nil
}

// ListMessages returns a conversation's messages in insertion order.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, agent_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.AgentID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SetTitle updates a conversation's title.
func (s *ConversationService) SetTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}

// ─── Working transcript cache ───────────────────────────────────────────────
//
// The transcript is the model-facing message list for an active stream,
// including tool call/result entries that are never persisted as Messages.
// It is rebuilt from persisted messages when the cache has expired.

func (s *ConversationService) GetTranscript(conversationID string) ([]map[string]interface{}, bool) {
	if cached, found := s.transcripts.Get(conversationID); found {
		if messages, ok := cached.([]map[string]interface{}); ok {
			return messages, true
		}
		log.Printf("⚠️  [CACHE] Invalid cache data type for conversation %s", conversationID)
	}
	return nil, false
}

func (s *ConversationService) SetTranscript(conversationID string, messages []map[string]interface{}) {
	s.transcripts.Set(conversationID, messages, transcriptTTL)
}

func (s *ConversationService) ClearTranscript(conversationID string) {
	s.transcripts.Delete(conversationID)
}

// BuildTranscript returns the model-facing transcript for a conversation,
// from cache when warm, otherwise rebuilt from persisted messages.
func (s *ConversationService) BuildTranscript(ctx context.Context, conversationID string) ([]map[string]interface{}, error) {
	if cached, found := s.GetTranscript(conversationID); found {
		return cached, nil
	}

	persisted, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	transcript := make([]map[string]interface{}, 0, len(persisted))
	for _, msg := range persisted {
		transcript = append(transcript, map[string]interface{}{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}
	return transcript, nil
}

// GenerateTitle names a conversation from its first exchange with one small
// background completion call. Failures only log; the placeholder title stays.
func (s *ConversationService) GenerateTitle(ctx context.Context, provider *Provider, conversationID, userContent, assistantContent string) {
	prompt := fmt.Sprintf(
		"Generate a very short title (3-6 words, no quotes, no punctuation at the end) for a conversation that starts like this:\n\nUser: %s\n\nAssistant: %s",
		clip(userContent, 500), clip(assistantContent, 500))

	title, err := provider.Complete(ctx, []map[string]interface{}{
		{"role": "user", "content": prompt},
	}, 30)
	if err != nil {
		log.Printf("⚠️  [TITLE] Title generation failed for %s: %v", conversationID, err)
		return
	}

	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" {
		return
	}
	if len(title) > 80 {
		title = title[:80]
	}
	if err := s.SetTitle(ctx, conversationID, title); err != nil {
		log.Printf("⚠️  [TITLE] Failed to save title for %s: %v", conversationID, err)
		return
	}
	log.Printf("🎯 [TITLE] Conversation %s titled: %s", conversationID, title)
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
