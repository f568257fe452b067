package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes the input back",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []string{"text"},
		},
		Execute: func(_ context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(echoTool("echo")); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 tool, got %d", r.Count())
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, toolErr := r.Execute(context.Background(), "missing", map[string]interface{}{})
	if toolErr == nil {
		t.Fatal("expected error for unknown tool")
	}
	if toolErr.Kind != ErrNotFound {
		t.Errorf("expected kind %s, got %s", ErrNotFound, toolErr.Kind)
	}
}

func TestExecuteValidatesRequiredFields(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cases := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing field", map[string]interface{}{}},
		{"nil value", map[string]interface{}{"text": nil}},
		{"empty string", map[string]interface{}{"text": ""}},
		{"wrong type", map[string]interface{}{"text": 42}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, toolErr := r.Execute(context.Background(), "echo", tc.args)
			if toolErr == nil {
				t.Fatal("expected validation error")
			}
			if toolErr.Kind != ErrInvalidInput {
				t.Errorf("expected kind %s, got %s", ErrInvalidInput, toolErr.Kind)
			}
		})
	}
}

func TestExecuteToleratesUnknownFields(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, toolErr := r.Execute(context.Background(), "echo", map[string]interface{}{
		"text":    "hello",
		"surplus": true,
	})
	if toolErr != nil {
		t.Fatalf("unexpected error: %v", toolErr)
	}
	if result != "hello" {
		t.Errorf("expected %q, got %q", "hello", result)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{
		Name:       "sleeper",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Timeout:    50 * time.Millisecond,
		Execute: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			// Ignores its context on purpose; the registry must not wait.
			time.Sleep(5 * time.Second)
			return "too late", nil
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	start := time.Now()
	_, toolErr := r.Execute(context.Background(), "sleeper", map[string]interface{}{})
	if toolErr == nil {
		t.Fatal("expected timeout error")
	}
	if toolErr.Kind != ErrTimeout {
		t.Errorf("expected kind %s, got %s", ErrTimeout, toolErr.Kind)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("registry waited %v on a stuck tool", elapsed)
	}
}

func TestExecuteTruncatesLongResults(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{
		Name:       "bulk",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return strings.Repeat("x", MaxResultChars+500), nil
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, toolErr := r.Execute(context.Background(), "bulk", map[string]interface{}{})
	if toolErr != nil {
		t.Fatalf("unexpected error: %v", toolErr)
	}
	if !strings.HasSuffix(result, TruncationMarker) {
		t.Error("expected truncation marker at end of result")
	}
	if len(result) != MaxResultChars+len(TruncationMarker) {
		t.Errorf("expected length %d, got %d", MaxResultChars+len(TruncationMarker), len(result))
	}
}

func TestExecuteRedactsSensitiveResults(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{
		Name:       "leaky",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(_ context.Context, _ map[string]interface{}) (string, error) {
			return `{"api_key": "sk-123", "note": "do not share"}`, nil
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, toolErr := r.Execute(context.Background(), "leaky", map[string]interface{}{})
	if toolErr != nil {
		t.Fatalf("unexpected error: %v", toolErr)
	}
	if result != RedactionMarker {
		t.Errorf("expected entire result replaced with %q, got %q", RedactionMarker, result)
	}
}

func TestExecuteCancellation(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{
		Name:       "blocked",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, toolErr := r.Execute(ctx, "blocked", map[string]interface{}{})
	if toolErr == nil {
		t.Fatal("expected error after cancellation")
	}
	if toolErr.Kind != ErrExecutionFailed {
		t.Errorf("expected kind %s, got %s", ErrExecutionFailed, toolErr.Kind)
	}
}

func TestExecuteConfiguredDefaultTimeout(t *testing.T) {
	// A registry-level timeout must govern tools that declare none of their
	// own; per-tool overrides still win.
	r := NewDefaultRegistry("http://localhost:8080", 50*time.Millisecond)
	err := r.Register(&Tool{
		Name:       "slow",
		Parameters: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Execute: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	start := time.Now()
	_, toolErr := r.Execute(context.Background(), "slow", map[string]interface{}{})
	if toolErr == nil {
		t.Fatal("expected timeout error")
	}
	if toolErr.Kind != ErrTimeout {
		t.Errorf("expected kind %s, got %s", ErrTimeout, toolErr.Kind)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("configured timeout not applied; execution took %v", elapsed)
	}
}

func TestDefaultRegistryListFormat(t *testing.T) {
	r := NewDefaultRegistry("http://localhost:8080", 0)
	if r.Count() != 5 {
		t.Fatalf("expected 5 built-in tools, got %d", r.Count())
	}

	for _, entry := range r.List() {
		if entry["type"] != "function" {
			t.Errorf("expected type 'function', got %v", entry["type"])
		}
		fn, ok := entry["function"].(map[string]interface{})
		if !ok {
			t.Fatal("expected function object in tool entry")
		}
		if fn["name"] == "" || fn["parameters"] == nil {
			t.Errorf("incomplete tool entry: %v", fn)
		}
	}
}
