// Package project exposes the project supervisor (internal/project) as three
// catalogue tools, start_server, stop_server and read_logs, per SPEC_FULL.md
// §4.1/§4.5.
package project

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coderloop/engine/internal/project"
	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
)

// StartServerInput is start_server's (empty) argument shape: the project
// directory is the conversation's bound ProjectPath, not a model argument.
type StartServerInput struct{}

// StartServerTool starts the bound project's dev server under the
// supervisor, refusing if one is already starting or running.
type StartServerTool struct {
	supervisor  *project.Supervisor
	projectPath string
	schema      json.RawMessage
}

// NewStartServerTool scopes a StartServerTool to one conversation's project.
func NewStartServerTool(supervisor *project.Supervisor, projectPath string) *StartServerTool {
	return &StartServerTool{supervisor: supervisor, projectPath: projectPath, schema: tools.GenerateSchema(StartServerInput{})}
}

func (t *StartServerTool) Name() string        { return "start_server" }
func (t *StartServerTool) Description() string { return "Start the project's dev server under the supervisor and report its status and allocated port." }
func (t *StartServerTool) Schema() json.RawMessage { return t.schema }

func (t *StartServerTool) Execute(_ context.Context, _ json.RawMessage) (*store.ToolResult, error) {
	st, err := t.supervisor.Start(t.projectPath)
	if err != nil {
		return &store.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return &store.ToolResult{Content: fmt.Sprintf("status: %s, port: %d", st.Status, st.Port)}, nil
}

// StopServerInput is stop_server's (empty) argument shape.
type StopServerInput struct{}

// StopServerTool stops the bound project's dev server, if running.
type StopServerTool struct {
	supervisor  *project.Supervisor
	projectPath string
	schema      json.RawMessage
}

func NewStopServerTool(supervisor *project.Supervisor, projectPath string) *StopServerTool {
	return &StopServerTool{supervisor: supervisor, projectPath: projectPath, schema: tools.GenerateSchema(StopServerInput{})}
}

func (t *StopServerTool) Name() string            { return "stop_server" }
func (t *StopServerTool) Description() string     { return "Stop the project's dev server if one is running." }
func (t *StopServerTool) Schema() json.RawMessage { return t.schema }

func (t *StopServerTool) Execute(_ context.Context, _ json.RawMessage) (*store.ToolResult, error) {
	if err := t.supervisor.Stop(t.projectPath); err != nil {
		return &store.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return &store.ToolResult{Content: "stopped"}, nil
}

// ReadLogsInput is read_logs' argument shape.
type ReadLogsInput struct {
	Lines int `json:"lines,omitempty" jsonschema:"description=Number of trailing log lines to return (default 100)."`
}

// ReadLogsTool returns the tail of the supervised project's log ring
// buffer, an atomic snapshot per SPEC_FULL.md §5's shared-resource model.
type ReadLogsTool struct {
	supervisor  *project.Supervisor
	projectPath string
	schema      json.RawMessage
}

func NewReadLogsTool(supervisor *project.Supervisor, projectPath string) *ReadLogsTool {
	return &ReadLogsTool{supervisor: supervisor, projectPath: projectPath, schema: tools.GenerateSchema(ReadLogsInput{})}
}

func (t *ReadLogsTool) Name() string            { return "read_logs" }
func (t *ReadLogsTool) Description() string     { return "Return the tail of the supervised project's captured stdout/stderr." }
func (t *ReadLogsTool) Schema() json.RawMessage { return t.schema }

func (t *ReadLogsTool) Execute(_ context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in ReadLogsInput
	_ = json.Unmarshal(params, &in)
	if in.Lines <= 0 {
		in.Lines = 100
	}
	logs := t.supervisor.Logs(t.projectPath)
	if len(logs) > in.Lines {
		logs = logs[len(logs)-in.Lines:]
	}
	if len(logs) == 0 {
		return &store.ToolResult{Content: "(no log output captured; the project may not be running)"}, nil
	}
	content := ""
	for _, line := range logs {
		content += line + "\n"
	}
	return &store.ToolResult{Content: content}, nil
}
