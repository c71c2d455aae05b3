package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coderloop/engine/internal/store"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Limits mirror the teacher's tool_registry.go guard constants, generalized
// to this catalogue's closed tool set.
const (
	MaxToolNameLength  = 256
	MaxToolParamsSize  = 10 << 20 // 10 MiB
)

// Registry is a thread-safe name -> Tool lookup plus schema validation.
// Grounded on internal/agent/tool_registry.go's ToolRegistry.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	schema map[string]*jsonschema.Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		schema: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its declared JSON Schema for later
// argument validation. A tool whose schema fails to compile is still
// registered (Execute is still reachable) but argument validation is
// skipped for it — this mirrors the teacher's fallback-to-{"type":"object"}
// behavior in tools/files/read.go rather than refusing to boot.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	if compiled, err := compileSchema(t.Name(), t.Schema()); err == nil {
		r.schema[t.Name()] = compiled
	} else {
		delete(r.schema, t.Name())
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, stringsReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool, for advertising the catalogue to the
// model.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Validate checks params against the tool's compiled schema, if any.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	s, ok := r.schema[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return fmt.Errorf("SchemaInvalid: params is not valid JSON: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("SchemaInvalid: %w", err)
	}
	return nil
}

// Execute runs a single named tool call after validating name length,
// params size, and schema. Matches the guard order in the teacher's
// ToolRegistry.Execute.
func (r *Registry) Execute(ctx context.Context, call store.ToolCall) (*store.ToolResult, error) {
	if len(call.Name) > MaxToolNameLength {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true,
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)}, nil
	}
	if len(call.Input) > MaxToolParamsSize {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true,
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)}, nil
	}
	t, ok := r.Get(call.Name)
	if !ok {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true,
			Content: "tool not found: " + call.Name}, nil
	}
	if err := r.Validate(call.Name, call.Input); err != nil {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true, Content: err.Error()}, nil
	}
	res, err := t.Execute(ctx, call.Input)
	if err != nil {
		return nil, err
	}
	res.ToolCallID = call.ID
	return res, nil
}

// ExecuteStreaming runs the same guards as Execute, but dispatches to
// ExecuteStreaming when the resolved tool implements StreamingTool so
// callers can surface command_output chunks as they arrive. Tools that
// don't implement StreamingTool run exactly as Execute would.
func (r *Registry) ExecuteStreaming(ctx context.Context, call store.ToolCall, onOutput func(line string)) (*store.ToolResult, error) {
	if len(call.Name) > MaxToolNameLength {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true,
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)}, nil
	}
	if len(call.Input) > MaxToolParamsSize {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true,
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)}, nil
	}
	t, ok := r.Get(call.Name)
	if !ok {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true,
			Content: "tool not found: " + call.Name}, nil
	}
	if err := r.Validate(call.Name, call.Input); err != nil {
		return &store.ToolResult{ToolCallID: call.ID, IsError: true, Content: err.Error()}, nil
	}

	var res *store.ToolResult
	var err error
	if streaming, ok := t.(StreamingTool); ok {
		res, err = streaming.ExecuteStreaming(ctx, call.Input, onOutput)
	} else {
		res, err = t.Execute(ctx, call.Input)
	}
	if err != nil {
		return nil, err
	}
	res.ToolCallID = call.ID
	return res, nil
}
