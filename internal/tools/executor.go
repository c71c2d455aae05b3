package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/toolerr"
)

// Config configures per-tool-call timeouts. DefaultRetries, RetryBackoff and
// MaxRetryBackoff mirror internal/agent/executor.go's ExecutorConfig, but
// Executor does not read them and never retries a call. ExecuteAll below
// runs calls strictly sequentially: SPEC_FULL.md §5
// requires "tool execution sequential within a turn, one tool at a time,
// causal order" — the teacher's concurrent semaphore-bounded ExecuteAll
// does not preserve that invariant and is not reused for batch execution.
type Config struct {
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// PerTool overrides DefaultTimeout for specific tool names, matching
	// the spec's execute_command=90s / install_package=120s overrides.
	PerTool map[string]time.Duration
}

// DefaultConfig matches SPEC_FULL.md §5's stated timeouts: 60s tool
// default, 90s execute_command, 120s install_package.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  60 * time.Second,
		DefaultRetries:  0, // tool failures are not auto-retried by the executor; the loop decides
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
		PerTool: map[string]time.Duration{
			"execute_command":  90 * time.Second,
			"install_package":  120 * time.Second,
			"run_test":         30 * time.Second,
		},
	}
}

// Executor runs tool calls against a Registry with a per-call timeout and
// panic recovery.
type Executor struct {
	registry *Registry
	config   Config
}

// NewExecutor builds an Executor over the given registry.
func NewExecutor(registry *Registry, config Config) *Executor {
	if config.DefaultTimeout == 0 {
		config = DefaultConfig()
	}
	return &Executor{registry: registry, config: config}
}

func (e *Executor) timeoutFor(tool string) time.Duration {
	if d, ok := e.config.PerTool[tool]; ok {
		return d
	}
	return e.config.DefaultTimeout
}

// ExecuteAll runs each call in call order, waiting for one to finish
// before starting the next, matching the spec's sequential-tool-execution
// invariant. The returned slice is the same length and order as calls.
func (e *Executor) ExecuteAll(ctx context.Context, calls []store.ToolCall) []*store.ToolResult {
	results := make([]*store.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = e.ExecuteOne(ctx, call, nil)
	}
	return results
}

// ExecuteOne runs a single tool call with a per-call timeout and panic
// recovery. onOutput, when non-nil, is forwarded to the tool if it
// implements StreamingTool (execute_command's command_output chunk,
// SPEC_FULL.md §4.3 step 5e); tools that don't implement it ignore onOutput.
func (e *Executor) ExecuteOne(ctx context.Context, call store.ToolCall, onOutput func(line string)) *store.ToolResult {
	timeout := e.timeoutFor(call.Name)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan *store.ToolResult, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		res, err := e.registry.ExecuteStreaming(tctx, call, onOutput)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	select {
	case res := <-resCh:
		return res
	case err := <-errCh:
		classified := toolerr.New(call.Name, err)
		return &store.ToolResult{ToolCallID: call.ID, IsError: true, Content: "Tool error: " + classified.Error()}
	case <-tctx.Done():
		return &store.ToolResult{ToolCallID: call.ID, IsError: true,
			Content: fmt.Sprintf("Tool error: %s timed out after %s", call.Name, timeout)}
	}
}
