package tools

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Default execution bounds. Large results are truncated so one tool call can
// never blow out the transport or the model's context budget.
const (
	DefaultToolTimeout = 60 * time.Second
	MaxResultChars     = 24000
	TruncationMarker   = "\n\n[... result truncated ...]"
)

// ErrorKind classifies tool failures per the execution contract.
type ErrorKind string

const (
	ErrInvalidInput    ErrorKind = "invalid_input"
	ErrTimeout         ErrorKind = "timeout"
	ErrNotFound        ErrorKind = "not_found"
	ErrExecutionFailed ErrorKind = "execution_failed"
)

// ToolError is a classified tool execution failure.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ExecuteFunc is the function signature for tool execution.
type ExecuteFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool represents a callable tool with its metadata and execution function.
type Tool struct {
	Name        string
	DisplayName string // User-friendly name (e.g., "Search Jobs")
	Description string
	Parameters  map[string]interface{} // JSON schema for the input object
	Icon        string
	Execute     ExecuteFunc
	Category    string // data_sources, actions, time
	Keywords    []string
	Timeout     time.Duration // per-tool override; DefaultToolTimeout when zero
}

// Registry manages all available tools. Executions are independent of each
// other: the registry holds no per-call state, so concurrent calls from
// different streams are safe.
type Registry struct {
	tools          map[string]*Tool
	defaultTimeout time.Duration // applies when a tool declares no Timeout
	mutex          sync.RWMutex
}

// NewRegistry creates an empty registry. Callers register tools explicitly;
// there is no process-wide singleton, so tests and concurrent streams get
// isolated instances.
func NewRegistry() *Registry {
	return &Registry{
		tools:          make(map[string]*Tool),
		defaultTimeout: DefaultToolTimeout,
	}
}

// NewDefaultRegistry creates a registry with the built-in job-search tools.
// toolTimeout bounds tools that declare no Timeout of their own; zero keeps
// DefaultToolTimeout.
func NewDefaultRegistry(searxngURL string, toolTimeout time.Duration) *Registry {
	r := NewRegistry()
	if toolTimeout > 0 {
		r.defaultTimeout = toolTimeout
	}
	_ = r.Register(NewJobSearchTool(searxngURL))
	_ = r.Register(NewCompanyResearchTool())
	_ = r.Register(NewBrowserApplyTool())
	_ = r.Register(NewEmailTool())
	_ = r.Register(NewTimeTool())
	return r
}

// Register adds a new tool to the registry.
func (r *Registry) Register(tool *Tool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %s must have an Execute function", tool.Name)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}

	r.tools[tool.Name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.tools)
}

// List returns all registered tools in OpenAI tool format.
func (r *Registry) List() []map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tools := make([]map[string]interface{}, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return tools
}

// Execute runs a tool by name with the given arguments. It validates input
// against the tool's declared schema, bounds execution with the tool's
// timeout, truncates oversized results, and redacts sensitive material before
// anything leaves this package. The registry never retries: side-effecting
// tools are left idempotent-safe for the caller to retry at its discretion.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, *ToolError) {
	tool, exists := r.Get(name)
	if !exists {
		return "", &ToolError{Kind: ErrNotFound, Tool: name, Err: fmt.Errorf("tool not registered")}
	}

	if err := validateArgs(tool.Parameters, args); err != nil {
		return "", &ToolError{Kind: ErrInvalidInput, Tool: name, Err: err}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := tool.Execute(execCtx, args)
		done <- outcome{result, err}
	}()

	select {
	case <-execCtx.Done():
		// A tool that ignores its context is allowed to finish in the
		// background; its result is discarded here.
		if ctx.Err() != nil {
			return "", &ToolError{Kind: ErrExecutionFailed, Tool: name, Err: ctx.Err()}
		}
		return "", &ToolError{Kind: ErrTimeout, Tool: name, Err: fmt.Errorf("execution exceeded %v", timeout)}
	case out := <-done:
		if out.err != nil {
			return "", &ToolError{Kind: ErrExecutionFailed, Tool: name, Err: out.err}
		}
		result := out.result
		if len(result) > MaxResultChars {
			result = result[:MaxResultChars] + TruncationMarker
		}
		return RedactText(result), nil
	}
}
