package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"jobpilot/internal/logging"
	"jobpilot/internal/middleware"
	"jobpilot/internal/models"
	"jobpilot/internal/services"
)

// activeStream tracks one in-flight stream so its owner can stop it.
type activeStream struct {
	userID string
	cancel context.CancelFunc
}

// ChatHandler serves the agent stream over SSE and the stop endpoint.
// Live stream state lives in this instance, created in main and shared by
// reference; there is no package-level registry.
type ChatHandler struct {
	loop          *services.AgentLoop
	conversations *services.ConversationService
	limiter       services.StreamLimiter
	idleTimeout   time.Duration

	mu     sync.Mutex
	active map[string]*activeStream // keyed by conversation id
}

func NewChatHandler(loop *services.AgentLoop, conversations *services.ConversationService, limiter services.StreamLimiter, idleTimeout time.Duration) *ChatHandler {
	return &ChatHandler{
		loop:          loop,
		conversations: conversations,
		limiter:       limiter,
		idleTimeout:   idleTimeout,
		active:        make(map[string]*activeStream),
	}
}

// Stream handles POST /api/chat/stream. The response is a long-lived SSE
// body: one `data: <json>` frame per StreamEvent, terminated by exactly one
// complete or error frame. Client disconnect cancels the loop.
func (h *ChatHandler) Stream(c *fiber.Ctx) error {
	var req models.StreamChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "content is required",
		})
	}
	userID := middleware.GetUserID(c)

	release, err := h.limiter.Acquire(c.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrTooManyStreams) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many concurrent streams, finish or stop one first",
			})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "stream limiter unavailable",
		})
	}

	streamLog := logging.WithStream(req.ConversationID, userID)
	streamLog.Info("stream opened")

	// The loop's lifetime is detached from the request context: fasthttp
	// reuses that context after the handler returns. Disconnect is detected
	// through flush errors below.
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan models.StreamEvent, 64)
	go h.loop.Run(ctx, req, userID, events)

	idleTimeout := h.idleTimeout

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer cancel()
		defer streamLog.Info("stream closed")

		registeredID := ""
		defer func() {
			if registeredID != "" {
				h.unregister(registeredID)
			}
		}()

		// drain discards remaining events after an abort so the loop's
		// sends never block; the loop exits quickly once ctx is cancelled.
		drain := func() {
			for range events {
			}
		}

		idle := time.NewTimer(idleTimeout)
		defer idle.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if registeredID == "" && ev.ConversationID != "" {
					registeredID = ev.ConversationID
					h.register(registeredID, userID, cancel)
				}
				if err := writeEvent(w, ev); err != nil {
					log.Printf("🔌 [SSE] Client disconnected (conversation %s): %v", ev.ConversationID, err)
					cancel()
					drain()
					return
				}
				if ev.IsTerminal() {
					drain()
					return
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(idleTimeout)

			case <-idle.C:
				log.Printf("⏱️  [SSE] Stream idle for %v, aborting (conversation %s)", idleTimeout, registeredID)
				cancel()
				drain()
				return
			}
		}
	})
	return nil
}

// Stop handles DELETE /api/chat/stream/:conversationID. Only the stream's
// owner may stop it. Stopping is idempotent: a finished stream returns 404.
func (h *ChatHandler) Stop(c *fiber.Ctx) error {
	conversationID := c.Params("conversationID")
	userID := middleware.GetUserID(c)

	h.mu.Lock()
	stream, exists := h.active[conversationID]
	if exists && stream.userID != userID {
		h.mu.Unlock()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active stream for this conversation",
		})
	}
	h.mu.Unlock()

	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active stream for this conversation",
		})
	}

	log.Printf("⏹️  [SSE] Stop requested for conversation %s by %s", conversationID, userID)
	stream.cancel()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "stopping",
	})
}

func (h *ChatHandler) register(conversationID, userID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[conversationID] = &activeStream{userID: userID, cancel: cancel}
}

func (h *ChatHandler) unregister(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, conversationID)
}

// writeEvent writes one SSE frame and flushes it to the wire immediately.
func writeEvent(w *bufio.Writer, ev models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
