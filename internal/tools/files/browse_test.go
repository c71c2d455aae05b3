package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListFilesNonRecursive(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0o644))

	listTool := NewListTool(root)
	params, _ := json.Marshal(ListInput{})
	result, err := listTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Contains(t, result.Content, "a.txt")
	require.Contains(t, result.Content, "sub/")
	require.NotContains(t, result.Content, "b.txt")
}

func TestListFilesRecursiveSkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep.js"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("x"), 0o644))

	listTool := NewListTool(root)
	params, _ := json.Marshal(ListInput{Recursive: true})
	result, err := listTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Contains(t, result.Content, filepath.Join("src", "main.go"))
	require.NotContains(t, result.Content, "dep.js")
}

func TestSearchFilesFindsSubstring(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	searchTool := NewSearchTool(root)
	params, _ := json.Marshal(SearchInput{Query: "func main"})
	result, err := searchTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Contains(t, result.Content, "main.go:3")
}

func TestSearchFilesRespectsGlobFilter(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("needle"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("needle"), 0o644))

	searchTool := NewSearchTool(root)
	params, _ := json.Marshal(SearchInput{Query: "needle", GlobFilter: "*.go"})
	result, err := searchTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Contains(t, result.Content, "main.go")
	require.NotContains(t, result.Content, "readme.md")
}

func TestCreateAndDeleteDirectory(t *testing.T) {
	root := t.TempDir()
	createTool := NewCreateDirectoryTool(root)
	params, _ := json.Marshal(CreateDirectoryInput{Path: "a/b/c"})
	result, err := createTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, result.IsError)

	info, err := os.Stat(filepath.Join(root, "a", "b", "c"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestDeleteFileRemovesFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	deleteTool := NewDeleteFileTool(root)
	params, _ := json.Marshal(DeleteFileInput{Path: "gone.txt"})
	result, err := deleteTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, result.IsError)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestDeleteFileRefusesNonEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "keep.txt"), []byte("x"), 0o644))

	deleteTool := NewDeleteFileTool(root)
	params, _ := json.Marshal(DeleteFileInput{Path: "dir"})
	result, err := deleteTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, result.Content, "non-empty")
}

func TestReadMultipleFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "one.txt"), []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "two.txt"), []byte("second"), 0o644))

	readMultiple := NewReadMultipleTool(root)
	params, _ := json.Marshal(ReadMultipleInput{Paths: []string{"one.txt", "two.txt"}})
	result, err := readMultiple.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Contains(t, result.Content, "=== one.txt ===")
	require.Contains(t, result.Content, "first")
	require.Contains(t, result.Content, "=== two.txt ===")
	require.Contains(t, result.Content, "second")
}
