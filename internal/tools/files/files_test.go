package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolverRejectsEscape(t *testing.T) {
	root := t.TempDir()
	resolver := Resolver{Root: root}
	_, err := resolver.Resolve("../outside.txt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "PathEscape")
}

func TestReadWriteEdit(t *testing.T) {
	root := t.TempDir()
	writeTool := NewWriteTool(root)
	readTool := NewReadTool(root)
	editTool := NewEditTool(root)

	writeParams, _ := json.Marshal(WriteInput{Path: "notes.txt", Content: "hello world"})
	_, err := writeTool.Execute(context.Background(), writeParams)
	require.NoError(t, err)

	readParams, _ := json.Marshal(ReadInput{Path: "notes.txt"})
	result, err := readTool.Execute(context.Background(), readParams)
	require.NoError(t, err)
	require.Contains(t, result.Content, "hello")

	editParams, _ := json.Marshal(EditInput{Path: "notes.txt", OldString: "world", NewString: "engine"})
	result, err = editTool.Execute(context.Background(), editParams)
	require.NoError(t, err)
	require.False(t, result.IsError)

	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello engine", string(data))
}

func TestEditFileNotFoundLeavesFileUntouched(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	editTool := NewEditTool(root)
	editParams, _ := json.Marshal(EditInput{Path: "notes.txt", OldString: "missing", NewString: "x"})
	result, err := editTool.Execute(context.Background(), editParams)
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, result.Content, "NotFound")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestReadFileTruncatesAt500Lines(t *testing.T) {
	root := t.TempDir()
	var sb strings.Builder
	for i := 0; i < 600; i++ {
		sb.WriteString("line\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(sb.String()), 0o644))

	readTool := NewReadTool(root)
	params, _ := json.Marshal(ReadInput{Path: "big.txt"})
	result, err := readTool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.Contains(t, result.Content, "truncated, 100 more lines")
}
