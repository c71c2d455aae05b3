package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
)

// WriteInput is write_file's argument shape.
type WriteInput struct {
	Path    string `json:"path" jsonschema:"required,description=Path to write\\, relative to the project directory."`
	Content string `json:"content" jsonschema:"required,description=File contents to write."`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite (default false)."`
}

// WriteTool implements write_file: creates parent directories as needed.
type WriteTool struct {
	resolver Resolver
	schema   json.RawMessage
}

// NewWriteTool scopes a WriteTool to workspace.
func NewWriteTool(workspace string) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: workspace}, schema: tools.GenerateSchema(WriteInput{})}
}

func (t *WriteTool) Name() string            { return "write_file" }
func (t *WriteTool) Description() string     { return "Write content to a file, creating parent directories as needed (overwrites by default)." }
func (t *WriteTool) Schema() json.RawMessage { return t.schema }

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in WriteInput
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
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errResult(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if in.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return errResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer f.Close()

	n, err := f.WriteString(in.Content)
	if err != nil {
		return errResult(fmt.Sprintf("write file: %v", err)), nil
	}
	return &store.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", n, in.Path)}, nil
}
