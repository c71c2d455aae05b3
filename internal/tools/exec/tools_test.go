package exec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecuteCommandRunsAndCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecuteCommandTool(NewManager(dir))

	params, _ := json.Marshal(CommandInput{Command: "echo hello"})
	res, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content, "hello")
}

func TestExecuteCommandBlocksDevServerStarters(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecuteCommandTool(NewManager(dir))

	params, _ := json.Marshal(CommandInput{Command: "npm run dev"})
	res, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Content, "BLOCKED")
}

func TestExecuteCommandStreamsLines(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecuteCommandTool(NewManager(dir))

	var lines []string
	params, _ := json.Marshal(CommandInput{Command: "printf 'a\\nb\\n'"})
	_, err := tool.ExecuteStreaming(context.Background(), params, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	require.Contains(t, lines, "a")
	require.Contains(t, lines, "b")
}

func TestRunDiagnosticsSkipsWithoutNodeModules(t *testing.T) {
	dir := t.TempDir()
	tool := NewRunDiagnosticsTool(NewManager(dir))
	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content, "node_modules is absent")
}

func TestReadResolvedVersionsFallsBackToRequestedName(t *testing.T) {
	dir := t.TempDir()
	pkgPath := filepath.Join(dir, "package.json")
	require.NoError(t, os.WriteFile(pkgPath, []byte(`{"dependencies":{"lodash":"^4.17.21"}}`), 0o644))

	versions := readResolvedVersions(pkgPath, []string{"lodash", "left-pad"})
	require.Contains(t, versions, "lodash@^4.17.21")
	require.Contains(t, versions, "left-pad")
}
