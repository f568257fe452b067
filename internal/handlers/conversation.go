package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"jobpilot/internal/middleware"
	"jobpilot/internal/services"
)

// ConversationHandler serves conversation and message reads plus deletion.
type ConversationHandler struct {
	conversations *services.ConversationService
}

func NewConversationHandler(conversations *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// List handles GET /api/conversations.
func (h *ConversationHandler) List(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	conversations, err := h.conversations.ListByUser(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list conversations",
		})
	}
	return c.JSON(fiber.Map{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

// Get handles GET /api/conversations/:id.
func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	conversationID := c.Params("id")

	conv, err := h.conversations.Get(c.Context(), conversationID)
	if err != nil || conv.UserID != userID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "conversation not found",
		})
	}
	return c.JSON(conv)
}

// Messages handles GET /api/conversations/:id/messages. This is the read
// path the client re-fetches on every complete event; it always reflects
// appends acknowledged before the request.
func (h *ConversationHandler) Messages(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	conversationID := c.Params("id")

	if !h.conversations.IsOwner(c.Context(), conversationID, userID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "conversation not found",
		})
	}

	messages, err := h.conversations.ListMessages(c.Context(), conversationID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list messages",
		})
	}
	return c.JSON(fiber.Map{
		"messages": messages,
		"count":    len(messages),
	})
}

// Delete handles DELETE /api/conversations/:id.
func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	conversationID := c.Params("id")

	if err := h.conversations.Delete(c.Context(), conversationID, userID); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "conversation not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to delete conversation",
		})
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}
