package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Per-recipient cooldown so the model cannot spam the same address when it
// retries a round.
type emailLimiter struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	window   time.Duration
}

func newEmailLimiter(window time.Duration) *emailLimiter {
	return &emailLimiter{
		lastSent: make(map[string]time.Time),
		window:   window,
	}
}

func (l *emailLimiter) allow(email string) (bool, time.Duration) {
	key := strings.ToLower(email)
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastSent[key]; ok {
		if elapsed := time.Since(last); elapsed < l.window {
			return false, l.window - elapsed
		}
	}
	// Prune stale entries while we hold the lock; the map stays small.
	now := time.Now()
	for k, t := range l.lastSent {
		if now.Sub(t) > l.window {
			delete(l.lastSent, k)
		}
	}
	l.lastSent[key] = now
	return true, 0
}

type mailPayload struct {
	From        mailAddress   `json:"from"`
	To          []mailAddress `json:"to"`
	Subject     string        `json:"subject"`
	TextContent string        `json:"text,omitempty"`
	HTMLContent string        `json:"html,omitempty"`
	ReplyTo     *mailAddress  `json:"reply_to,omitempty"`
}

type mailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// NewEmailTool creates the send_email tool backed by an HTTP transactional
// mail API. The endpoint and API key come from MAIL_API_URL / MAIL_API_KEY;
// the sender address from MAIL_FROM_EMAIL.
func NewEmailTool() *Tool {
	limiter := newEmailLimiter(1 * time.Minute)

	return &Tool{
		Name:        "send_email",
		DisplayName: "Send Email",
		Description: `Send a transactional email, e.g. a follow-up or thank-you note to a recruiter. Supports plain text and HTML bodies and multiple comma-separated recipients.

Rate limited to one email per recipient per minute. If a send is reported as rate limited, the email was already sent recently - do NOT retry.`,
		Icon:     "Mail",
		Category: "integration",
		Keywords: []string{"email", "send", "mail", "follow-up", "recruiter", "notification"},
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"to": map[string]interface{}{
					"type":        "string",
					"description": "Recipient email address(es), comma-separated for multiple",
				},
				"subject": map[string]interface{}{
					"type":        "string",
					"description": "Email subject line",
				},
				"text_content": map[string]interface{}{
					"type":        "string",
					"description": "Plain text email body. Either text_content or html_content must be provided.",
				},
				"html_content": map[string]interface{}{
					"type":        "string",
					"description": "HTML email body for rich formatting",
				},
				"from_name": map[string]interface{}{
					"type":        "string",
					"description": "Sender display name (optional)",
				},
				"reply_to": map[string]interface{}{
					"type":        "string",
					"description": "Reply-to address (optional)",
				},
			},
			"required": []string{"to", "subject"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return executeSendEmail(ctx, limiter, args)
		},
	}
}

func executeSendEmail(ctx context.Context, limiter *emailLimiter, args map[string]interface{}) (string, error) {
	apiURL := os.Getenv("MAIL_API_URL")
	apiKey := os.Getenv("MAIL_API_KEY")
	fromEmail := os.Getenv("MAIL_FROM_EMAIL")
	if apiURL == "" || apiKey == "" || fromEmail == "" {
		return "", fmt.Errorf("mail API is not configured (MAIL_API_URL, MAIL_API_KEY, MAIL_FROM_EMAIL)")
	}

	toStr, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	textContent, _ := args["text_content"].(string)
	htmlContent, _ := args["html_content"].(string)
	if textContent == "" && htmlContent == "" {
		return "", fmt.Errorf("either 'text_content' or 'html_content' is required")
	}

	recipients := parseRecipients(toStr)
	if len(recipients) == 0 {
		return "", fmt.Errorf("at least one valid 'to' email address is required")
	}

	var blocked []string
	var allowed []mailAddress
	for _, r := range recipients {
		if ok, wait := limiter.allow(r.Email); !ok {
			blocked = append(blocked, fmt.Sprintf("%s (wait %ds)", r.Email, int(wait.Seconds())))
		} else {
			allowed = append(allowed, r)
		}
	}

	if len(allowed) == 0 {
		out, _ := json.Marshal(map[string]interface{}{
			"success":      false,
			"rate_limited": true,
			"message":      "Email already sent to all recipients within the last minute. Do not retry.",
			"blocked":      blocked,
		})
		return string(out), nil
	}

	payload := mailPayload{
		From:        mailAddress{Email: fromEmail},
		To:          allowed,
		Subject:     subject,
		TextContent: textContent,
		HTMLContent: htmlContent,
	}
	if name, ok := args["from_name"].(string); ok && name != "" {
		payload.From.Name = name
	}
	if replyTo, ok := args["reply_to"].(string); ok && replyTo != "" {
		payload.ReplyTo = &mailAddress{Email: replyTo}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mail API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	result := map[string]interface{}{
		"success":     success,
		"status_code": resp.StatusCode,
		"recipients":  len(allowed),
		"subject":     subject,
	}
	if len(blocked) > 0 {
		result["rate_limited_recipients"] = blocked
		result["partial_send"] = true
	}
	if success {
		result["message"] = fmt.Sprintf("Email sent to %d recipient(s)", len(allowed))
	} else {
		result["error"] = strings.TrimSpace(string(respBody))
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}

func parseRecipients(s string) []mailAddress {
	var addrs []mailAddress
	for _, part := range strings.Split(s, ",") {
		email := strings.TrimSpace(part)
		if email != "" && strings.Contains(email, "@") {
			addrs = append(addrs, mailAddress{Email: email})
		}
	}
	return addrs
}
