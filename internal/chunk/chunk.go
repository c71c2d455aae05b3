// Package chunk defines the outbound stream chunk taxonomy emitted by the
// single-agent and dual-agent loops (SPEC_FULL.md §6). The HTTP/SSE
// transport — an external collaborator — serializes each chunk as an SSE
// `data:` JSON object; this package only defines the shape.
package chunk

// Type enumerates the closed set of stream chunk kinds a turn can emit.
type Type string

const (
	Content         Type = "content"
	ToolCall        Type = "tool_call"
	Plan            Type = "plan"
	PlanChunk       Type = "plan_chunk"
	IterationStatus Type = "iteration_status"
	Diff            Type = "diff"
	Review          Type = "review"
	Tasks           Type = "tasks"
	CommandOutput   Type = "command_output"
	AutoStart       Type = "auto_start"
	AutoStartError  Type = "auto_start_error"
	FileChange      Type = "file_change"
	Error           Type = "error"
	Done            Type = "done"
)

// ToolCallPhase distinguishes the start (args emitted) and end (result
// emitted) halves of a tool_call chunk pair for a given ToolCallID.
type ToolCallPhase string

const (
	ToolCallStart ToolCallPhase = "start"
	ToolCallEnd   ToolCallPhase = "end"
)

// TaskView is the wire shape of one task_list entry inside a Tasks chunk.
type TaskView struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// FileDiff is one file's unified diff inside a Diff chunk.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// Chunk is the union of all fields any chunk type may carry. Consumers
// switch on Type and read only the fields that type defines; unused fields
// are left zero.
type Chunk struct {
	Type Type `json:"type"`

	// content / plan / plan_chunk / review / error
	Content string `json:"content,omitempty"`

	// iteration_status
	Iteration     int    `json:"iteration,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	Phase         string `json:"phase,omitempty"`

	// tool_call
	ToolName   string        `json:"toolName,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	ToolArgs   string        `json:"toolArgs,omitempty"`
	ToolResult string        `json:"toolResult,omitempty"`
	ToolStatus string        `json:"toolStatus,omitempty"`
	ToolPhase  ToolCallPhase `json:"-"`

	// diff
	Diffs []FileDiff `json:"diffs,omitempty"`

	// tasks
	TaskList []TaskView `json:"tasks,omitempty"`

	// auto_start / command_output
	Port      int    `json:"port,omitempty"`
	ProcessID string `json:"processId,omitempty"`
	Stream    string `json:"stream,omitempty"` // "stdout" | "stderr"

	// file_change
	Path      string `json:"path,omitempty"`
	ChangeOp  string `json:"changeOp,omitempty"` // "create" | "write" | "remove" | "rename"
}

// NewDone returns the terminal chunk for a turn.
func NewDone() Chunk { return Chunk{Type: Done} }

// NewError returns an error chunk with the given user-visible prose.
func NewError(content string) Chunk { return Chunk{Type: Error, Content: content} }

// NewIterationStatus returns an iteration_status chunk.
func NewIterationStatus(iteration, max int, phase string) Chunk {
	return Chunk{Type: IterationStatus, Iteration: iteration, MaxIterations: max, Phase: phase}
}

// NewToolCallStart returns the start-half tool_call chunk: emitted once
// per ToolCallID before the tool executes.
func NewToolCallStart(id, name, args string) Chunk {
	return Chunk{Type: ToolCall, ToolPhase: ToolCallStart, ToolCallID: id, ToolName: name, ToolArgs: args}
}

// NewToolCallEnd returns the end-half tool_call chunk: emitted once per
// ToolCallID after the tool returns.
func NewToolCallEnd(id, name, result, status string) Chunk {
	return Chunk{Type: ToolCall, ToolPhase: ToolCallEnd, ToolCallID: id, ToolName: name, ToolResult: result, ToolStatus: status}
}

// NewAutoStart returns the chunk emitted once the project supervisor has
// spawned the dev server, carrying the port allocated to it; the server may
// still be starting when the chunk is sent.
func NewAutoStart(port int) Chunk { return Chunk{Type: AutoStart, Port: port} }

// NewAutoStartError returns the chunk emitted when the supervisor fails to
// spawn a project's start command (no start command detected, pipe or spawn
// failure, or the project already starting or running). A process that exits
// after a successful spawn produces no auto_start_error.
func NewAutoStartError(content string) Chunk { return Chunk{Type: AutoStartError, Content: content} }

// NewCommandOutput returns one line of streamed stdout/stderr from a
// long-running tool invocation (e.g. execute_command) or the supervised
// project process.
func NewCommandOutput(processID, stream, content string) Chunk {
	return Chunk{Type: CommandOutput, ProcessID: processID, Stream: stream, Content: content}
}

// NewFileChange returns a file_change chunk from the project file-watch hub.
func NewFileChange(path, op string) Chunk {
	return Chunk{Type: FileChange, Path: path, ChangeOp: op}
}
