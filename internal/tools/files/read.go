package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
)

// MaxReadLines is the number of lines read_file shows before truncating.
const MaxReadLines = 500

// ReadInput is read_file's argument shape.
type ReadInput struct {
	Path string `json:"path" jsonschema:"required,description=Path to the file\\, relative to the project directory."`
}

// ReadTool implements read_file: shows up to MaxReadLines lines, appending
// a truncation-count suffix when the file is longer.
type ReadTool struct {
	resolver Resolver
	schema   json.RawMessage
}

// NewReadTool scopes a ReadTool to workspace.
func NewReadTool(workspace string) *ReadTool {
	return &ReadTool{resolver: Resolver{Root: workspace}, schema: tools.GenerateSchema(ReadInput{})}
}

func (t *ReadTool) Name() string        { return "read_file" }
func (t *ReadTool) Description() string { return "Read a file's contents (up to 500 lines; longer files are truncated with a count of remaining lines)." }
func (t *ReadTool) Schema() json.RawMessage { return t.schema }

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in ReadInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Path) == "" {
		return errResult("path is required"), nil
	}
	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return errResult(err.Error()), nil
	}

	f, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return errResult(fmt.Sprintf("NotFound: %s does not exist", in.Path)), nil
		}
		return errResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	var lines []string
	total := 0
	for scanner.Scan() {
		total++
		if total <= MaxReadLines {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return errResult(fmt.Sprintf("read file: %v", err)), nil
	}

	content := strings.Join(lines, "\n")
	if total > MaxReadLines {
		content += fmt.Sprintf("\n... [truncated, %d more lines]", total-MaxReadLines)
	}
	return &store.ToolResult{Content: content}, nil
}

func errResult(msg string) *store.ToolResult {
	return &store.ToolResult{IsError: true, Content: msg}
}
