package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
)

var browseIgnoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	"vendor":       true,
}

// MaxListEntries caps a single list_files response, mirroring read_file's
// MaxReadLines truncation-with-count behavior.
const MaxListEntries = 500

// MaxSearchMatches caps a single search_files response.
const MaxSearchMatches = 200

// ListInput is list_files's argument shape.
type ListInput struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list\\, relative to the project directory (default: project root)."`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Recurse into subdirectories (default false)."`
}

// ListTool implements list_files: a flat or recursive directory listing.
// Recursive listings skip the browseIgnoredDirs directories (node_modules,
// .git, __pycache__, vendor); flat listings show every entry.
type ListTool struct {
	resolver Resolver
	schema   json.RawMessage
}

func NewListTool(workspace string) *ListTool {
	return &ListTool{resolver: Resolver{Root: workspace}, schema: tools.GenerateSchema(ListInput{})}
}

func (t *ListTool) Name() string            { return "list_files" }
func (t *ListTool) Description() string     { return "List files and directories under a path (optionally recursive)." }
func (t *ListTool) Schema() json.RawMessage { return t.schema }

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in ListInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	dir := in.Path
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	resolved, err := t.resolver.Resolve(dir)
	if err != nil {
		return errResult(err.Error()), nil
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return errResult(fmt.Sprintf("NotFound: %s does not exist", dir)), nil
		}
		return errResult(fmt.Sprintf("stat directory: %v", err)), nil
	}
	if !info.IsDir() {
		return errResult(fmt.Sprintf("%s is not a directory", dir)), nil
	}

	var entries []string
	walk := func(path string, d os.FileInfo) error {
		rel, err := filepath.Rel(resolved, path)
		if err != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			entries = append(entries, rel+"/")
		} else {
			entries = append(entries, rel)
		}
		return nil
	}

	if in.Recursive {
		err = filepath.Walk(resolved, func(path string, d os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && path != resolved && browseIgnoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			if path == resolved {
				return nil
			}
			return walk(path, d)
		})
	} else {
		var items []os.DirEntry
		items, err = os.ReadDir(resolved)
		if err == nil {
			for _, item := range items {
				if item.IsDir() {
					entries = append(entries, item.Name()+"/")
				} else {
					entries = append(entries, item.Name())
				}
			}
		}
	}
	if err != nil {
		return errResult(fmt.Sprintf("list directory: %v", err)), nil
	}

	sort.Strings(entries)
	total := len(entries)
	if total > MaxListEntries {
		entries = entries[:MaxListEntries]
	}
	content := strings.Join(entries, "\n")
	if total > MaxListEntries {
		content += fmt.Sprintf("\n... [truncated, %d more entries]", total-MaxListEntries)
	}
	if content == "" {
		content = "(empty directory)"
	}
	return &store.ToolResult{Content: content}, nil
}

// SearchInput is search_files's argument shape.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"required,description=Literal substring to search for."`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to search under (default: project root)."`
	GlobFilter string `json:"globFilter,omitempty" jsonschema:"description=Only search files matching this filepath.Match glob (e.g. *.go)."`
}

// SearchTool implements search_files: a plain-text substring grep over the
// project tree, reusing read_file's truncation-aware scanning approach.
type SearchTool struct {
	resolver Resolver
	schema   json.RawMessage
}

func NewSearchTool(workspace string) *SearchTool {
	return &SearchTool{resolver: Resolver{Root: workspace}, schema: tools.GenerateSchema(SearchInput{})}
}

func (t *SearchTool) Name() string        { return "search_files" }
func (t *SearchTool) Description() string { return "Search project files for a literal substring, returning matching file:line entries." }
func (t *SearchTool) Schema() json.RawMessage { return t.schema }

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in SearchInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Query) == "" {
		return errResult("query is required"), nil
	}
	root := in.Path
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	resolvedRoot, err := t.resolver.Resolve(root)
	if err != nil {
		return errResult(err.Error()), nil
	}

	var matches []string
	walkErr := filepath.Walk(resolvedRoot, func(path string, d os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if len(matches) >= MaxSearchMatches {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if path != resolvedRoot && browseIgnoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if in.GlobFilter != "" {
			if ok, _ := filepath.Match(in.GlobFilter, d.Name()); !ok {
				return nil
			}
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()
		rel, _ := filepath.Rel(resolvedRoot, path)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if strings.Contains(scanner.Text(), in.Query) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(scanner.Text())))
				if len(matches) >= MaxSearchMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return errResult(fmt.Sprintf("search: %v", walkErr)), nil
	}

	if len(matches) == 0 {
		return &store.ToolResult{Content: "no matches found"}, nil
	}
	content := strings.Join(matches, "\n")
	if len(matches) >= MaxSearchMatches {
		content += fmt.Sprintf("\n... [truncated at %d matches]", MaxSearchMatches)
	}
	return &store.ToolResult{Content: content}, nil
}

// CreateDirectoryInput is create_directory's argument shape.
type CreateDirectoryInput struct {
	Path string `json:"path" jsonschema:"required,description=Directory to create\\, relative to the project directory (parents are created as needed)."`
}

// CreateDirectoryTool implements create_directory.
type CreateDirectoryTool struct {
	resolver Resolver
	schema   json.RawMessage
}

func NewCreateDirectoryTool(workspace string) *CreateDirectoryTool {
	return &CreateDirectoryTool{resolver: Resolver{Root: workspace}, schema: tools.GenerateSchema(CreateDirectoryInput{})}
}

func (t *CreateDirectoryTool) Name() string        { return "create_directory" }
func (t *CreateDirectoryTool) Description() string { return "Create a directory, including any missing parent directories." }
func (t *CreateDirectoryTool) Schema() json.RawMessage { return t.schema }

func (t *CreateDirectoryTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in CreateDirectoryInput
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
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return errResult(fmt.Sprintf("create directory: %v", err)), nil
	}
	return &store.ToolResult{Content: fmt.Sprintf("created directory %s", in.Path)}, nil
}

// DeleteFileInput is delete_file's argument shape.
type DeleteFileInput struct {
	Path string `json:"path" jsonschema:"required,description=File or empty directory to delete\\, relative to the project directory."`
}

// DeleteFileTool implements delete_file. It refuses to recurse into a
// non-empty directory, matching write_file/edit_file's narrow, single-target
// semantics rather than offering an rm -rf.
type DeleteFileTool struct {
	resolver Resolver
	schema   json.RawMessage
}

func NewDeleteFileTool(workspace string) *DeleteFileTool {
	return &DeleteFileTool{resolver: Resolver{Root: workspace}, schema: tools.GenerateSchema(DeleteFileInput{})}
}

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a file or empty directory." }
func (t *DeleteFileTool) Schema() json.RawMessage { return t.schema }

func (t *DeleteFileTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in DeleteFileInput
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
	if err := os.Remove(resolved); err != nil {
		if os.IsNotExist(err) {
			return errResult(fmt.Sprintf("NotFound: %s does not exist", in.Path)), nil
		}
		if strings.Contains(err.Error(), "directory not empty") {
			return errResult(fmt.Sprintf("%s is a non-empty directory", in.Path)), nil
		}
		return errResult(fmt.Sprintf("delete: %v", err)), nil
	}
	return &store.ToolResult{Content: fmt.Sprintf("deleted %s", in.Path)}, nil
}

// ReadMultipleInput is read_multiple_files's argument shape.
type ReadMultipleInput struct {
	Paths []string `json:"paths" jsonschema:"required,description=Paths to read\\, each relative to the project directory."`
}

// ReadMultipleTool implements read_multiple_files: a batch of independent
// read_file calls concatenated under per-file headers, so a model can pull
// several related files in one tool round trip instead of N.
type ReadMultipleTool struct {
	read *ReadTool
}

func NewReadMultipleTool(workspace string) *ReadMultipleTool {
	return &ReadMultipleTool{read: NewReadTool(workspace)}
}

func (t *ReadMultipleTool) Name() string        { return "read_multiple_files" }
func (t *ReadMultipleTool) Description() string { return "Read several files in one call, each truncated the same way read_file truncates a single file." }
func (t *ReadMultipleTool) Schema() json.RawMessage {
	return tools.GenerateSchema(ReadMultipleInput{})
}

func (t *ReadMultipleTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in ReadMultipleInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(in.Paths) == 0 {
		return errResult("paths is required"), nil
	}

	var sb strings.Builder
	for i, path := range in.Paths {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		single, err := json.Marshal(ReadInput{Path: path})
		if err != nil {
			return errResult(fmt.Sprintf("marshal path %q: %v", path, err)), nil
		}
		result, err := t.read.Execute(ctx, single)
		if err != nil {
			return errResult(fmt.Sprintf("read %q: %v", path, err)), nil
		}
		sb.WriteString(fmt.Sprintf("=== %s ===\n", path))
		sb.WriteString(result.Content)
	}
	return &store.ToolResult{Content: sb.String()}, nil
}
