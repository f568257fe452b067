package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

var startTime = time.Now()

// Health handles GET /health.
func Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"service": "jobpilot",
		"uptime":  time.Since(startTime).Round(time.Second).String(),
	})
}
