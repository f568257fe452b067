package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// NewBrowserApplyTool creates the submit_application tool. It drives a
// headless Chromium session: navigates to an application form, fills the
// declared fields, submits, and captures a PDF receipt of the confirmation
// page. The submission itself is left idempotent-safe: the tool performs
// exactly one submit per call and never retries on its own.
func NewBrowserApplyTool() *Tool {
	return &Tool{
		Name:        "submit_application",
		DisplayName: "Submit Job Application",
		Description: `Fill and submit a job application form in a headless browser. Provide the form URL, a map of CSS selectors to values for each input, and optionally the submit button selector. Captures a PDF receipt of the confirmation page as proof of submission.`,
		Icon:        "Send",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "URL of the application form page",
				},
				"fields": map[string]interface{}{
					"type":        "object",
					"description": "Map of CSS selector to value for each form input (e.g. {\"#name\": \"Jane Doe\", \"#email\": \"jane@example.com\"})",
				},
				"submit_selector": map[string]interface{}{
					"type":        "string",
					"description": "CSS selector of the submit button. Default: button[type=submit]",
				},
				"confirmation_selector": map[string]interface{}{
					"type":        "string",
					"description": "Optional CSS selector to wait for after submit (confirmation banner or page)",
				},
			},
			"required": []string{"url", "fields"},
		},
		Execute:  executeSubmitApplication,
		Category: "actions",
		Keywords: []string{"apply", "application", "submit", "form", "browser", "automation"},
		Timeout:  3 * time.Minute,
	}
}

func executeSubmitApplication(ctx context.Context, args map[string]interface{}) (string, error) {
	url, _ := args["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("url must be an absolute http(s) URL")
	}

	fields, _ := args["fields"].(map[string]interface{})
	if len(fields) == 0 {
		return "", fmt.Errorf("fields must contain at least one selector/value pair")
	}

	submitSelector := "button[type=submit]"
	if s, ok := args["submit_selector"].(string); ok && s != "" {
		submitSelector = s
	}
	confirmationSelector, _ := args["confirmation_selector"].(string)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if chromePath := os.Getenv("CHROME_BIN"); chromePath != "" {
		opts = append(opts, chromedp.ExecPath(chromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	}
	for selector, value := range fields {
		text := fmt.Sprintf("%v", value)
		actions = append(actions,
			chromedp.WaitVisible(selector),
			chromedp.Clear(selector),
			chromedp.SendKeys(selector, text),
		)
	}
	actions = append(actions, chromedp.Click(submitSelector))

	if confirmationSelector != "" {
		actions = append(actions, chromedp.WaitVisible(confirmationSelector))
	} else {
		actions = append(actions, chromedp.Sleep(2*time.Second))
	}

	var pdfData []byte
	var finalURL string
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				Do(ctx)
			return err
		}),
	)

	startTime := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("browser automation failed: %w", err)
	}

	receiptPath := ""
	if len(pdfData) > 0 {
		receiptDir := os.Getenv("RECEIPT_DIR")
		if receiptDir == "" {
			receiptDir = os.TempDir()
		}
		receiptPath = filepath.Join(receiptDir, "application-"+uuid.New().String()+".pdf")
		if err := os.WriteFile(receiptPath, pdfData, 0o600); err != nil {
			// Receipt is best-effort; the submission already happened.
			receiptPath = ""
		}
	}

	out, err := json.Marshal(map[string]interface{}{
		"success":        true,
		"url":            url,
		"final_url":      finalURL,
		"fields_filled":  len(fields),
		"receipt_pdf":    receiptPath,
		"execution_time": time.Since(startTime).Seconds(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}
