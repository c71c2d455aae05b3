// Package tools implements the closed tool catalogue (SPEC_FULL.md §4.1):
// the Tool interface, the name-keyed Registry, and the Executor that runs a
// batch of tool calls for one model turn, one call at a time.
//
// Grounded on the teacher's internal/agent/tool_registry.go and
// internal/agent/executor.go, generalized from the teacher's channel-bot
// tool surface to this spec's file/exec/state/scaffolding catalogue.
package tools

import (
	"context"
	"encoding/json"

	"github.com/coderloop/engine/internal/store"
)

// Tool is the interface every catalogue entry implements. Schema is
// generated once via github.com/invopop/jsonschema from the tool's input
// struct and reused both to advertise the tool to the model and to
// validate incoming arguments with github.com/santhosh-tekuri/jsonschema/v5.
type Tool interface {
	// Name is the catalogue key and the model-facing function name.
	Name() string

	// Description is shown to the model to help it decide when to call
	// this tool.
	Description() string

	// Schema returns the JSON Schema for this tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. It never returns a transport-level error for
	// tool-domain failures — those are encoded in the returned
	// store.ToolResult.IsError per SPEC_FULL.md §7. A non-nil error here
	// indicates an executor-level problem (e.g. a panic was recovered).
	Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error)
}

// StreamingTool is optionally implemented by tools that want to emit
// command_output chunks while running (currently execute_command and
// run_test). OnOutput is called with output lines as they arrive, from
// goroutines other than the caller's; execute_command delivers stdout and
// stderr lines from separate goroutines, so calls may overlap.
type StreamingTool interface {
	Tool
	ExecuteStreaming(ctx context.Context, params json.RawMessage, onOutput func(line string)) (*store.ToolResult, error)
}
