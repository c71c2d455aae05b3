package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
)

// EditInput is edit_file's argument shape: a single literal substring
// replacement. The model is expected to have read the file first so
// OldString is guaranteed to be an exact substring.
type EditInput struct {
	Path       string `json:"path" jsonschema:"required,description=Path to edit\\, relative to the project directory."`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to replace."`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of just the first (default false)."`
}

// EditTool implements edit_file: a literal substring replace that fails
// with NotFound (and leaves the file untouched) when old_string is absent.
type EditTool struct {
	resolver Resolver
	schema   json.RawMessage
}

// NewEditTool scopes an EditTool to workspace.
func NewEditTool(workspace string) *EditTool {
	return &EditTool{resolver: Resolver{Root: workspace}, schema: tools.GenerateSchema(EditInput{})}
}

func (t *EditTool) Name() string        { return "edit_file" }
func (t *EditTool) Description() string { return "Replace an exact substring in a file. Fails if old_string is not present — re-read the file first." }
func (t *EditTool) Schema() json.RawMessage { return t.schema }

func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in EditInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Path) == "" {
		return errResult("path is required"), nil
	}
	if in.OldString == "" {
		return errResult("old_string is required"), nil
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return errResult(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return errResult(fmt.Sprintf("NotFound: %s does not exist", in.Path)), nil
		}
		return errResult(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	if !strings.Contains(content, in.OldString) {
		// Leave the file byte-identical: return before any write.
		return errResult("NotFound: old_string was not found in the file"), nil
	}

	var replacements int
	var updated string
	if in.ReplaceAll {
		replacements = strings.Count(content, in.OldString)
		updated = strings.ReplaceAll(content, in.OldString, in.NewString)
	} else {
		replacements = 1
		updated = strings.Replace(content, in.OldString, in.NewString, 1)
	}

	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return errResult(fmt.Sprintf("write file: %v", err)), nil
	}
	return &store.ToolResult{Content: fmt.Sprintf("replaced %d occurrence(s) in %s", replacements, in.Path)}, nil
}
