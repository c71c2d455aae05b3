package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
)

// CommandInput is the shared argument shape for execute_command and run_test.
type CommandInput struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run."`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory\\, relative to the project root."`
}

// CommandTool implements execute_command and run_test: both are a shell
// invocation against the block-list, differing only in name, description,
// and timeout (SPEC_FULL.md §4.1, §5).
type CommandTool struct {
	name        string
	description string
	manager     *Manager
	timeout     time.Duration
	schema      json.RawMessage
}

// NewExecuteCommandTool builds the execute_command tool (90s timeout,
// matching the executor's execute_command override; streams command_output).
func NewExecuteCommandTool(manager *Manager) *CommandTool {
	return &CommandTool{
		name:        "execute_command",
		description: "Run a shell command in the project directory. Dev-server-starting and process-management commands are blocked; use start_server/stop_server instead.",
		manager:     manager,
		timeout:     90 * time.Second,
		schema:      tools.GenerateSchema(CommandInput{}),
	}
}

// NewRunTestTool builds the run_test tool (30s timeout, same block-list).
func NewRunTestTool(manager *Manager) *CommandTool {
	return &CommandTool{
		name:        "run_test",
		description: "Run the project's test command in the project directory.",
		manager:     manager,
		timeout:     30 * time.Second,
		schema:      tools.GenerateSchema(CommandInput{}),
	}
}

func (t *CommandTool) Name() string            { return t.name }
func (t *CommandTool) Description() string     { return t.description }
func (t *CommandTool) Schema() json.RawMessage { return t.schema }

func (t *CommandTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	return t.ExecuteStreaming(ctx, params, nil)
}

// ExecuteStreaming implements tools.StreamingTool: onOutput, when non-nil,
// receives each stdout/stderr line as it is produced.
func (t *CommandTool) ExecuteStreaming(ctx context.Context, params json.RawMessage, onOutput func(line string)) (*store.ToolResult, error) {
	var in CommandInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return errResult("command is required"), nil
	}
	if IsBlockedCommand(in.Command) {
		return errResult(blockedCommandNotice), nil
	}

	result, err := t.manager.Run(ctx, in.Command, in.Cwd, t.timeout, onOutput)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return &store.ToolResult{Content: formatCommandResult(result), IsError: result.ExitCode != 0 || result.TimedOut}, nil
}

func formatCommandResult(r *Result) string {
	var sb strings.Builder
	if r.TimedOut {
		sb.WriteString("Tool error: command timed out.\n")
	}
	sb.WriteString(fmt.Sprintf("exit_code: %d\nduration: %s\n", r.ExitCode, r.Duration))
	if r.Stdout != "" {
		sb.WriteString("stdout:\n" + r.Stdout + "\n")
	}
	if r.Stderr != "" {
		sb.WriteString("stderr:\n" + r.Stderr + "\n")
	}
	return sb.String()
}

func errResult(msg string) *store.ToolResult {
	return &store.ToolResult{IsError: true, Content: msg}
}

// InstallPackageInput is install_package's argument shape.
type InstallPackageInput struct {
	Packages []string `json:"packages" jsonschema:"required,description=npm package names to install."`
	Dev      bool     `json:"dev,omitempty" jsonschema:"description=Install as a devDependency (--save-dev)."`
}

// InstallPackageTool runs npm install for a set of packages, initializing
// package.json first if missing, and reports resolved versions on success
// (SPEC_FULL.md §4.1).
type InstallPackageTool struct {
	manager *Manager
	schema  json.RawMessage
}

func NewInstallPackageTool(manager *Manager) *InstallPackageTool {
	return &InstallPackageTool{manager: manager, schema: tools.GenerateSchema(InstallPackageInput{})}
}

func (t *InstallPackageTool) Name() string        { return "install_package" }
func (t *InstallPackageTool) Description() string { return "Install one or more npm packages into the project, auto-initializing package.json if missing." }
func (t *InstallPackageTool) Schema() json.RawMessage { return t.schema }

func (t *InstallPackageTool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in InstallPackageInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(in.Packages) == 0 {
		return errResult("packages is required"), nil
	}

	pkgJSONPath := filepath.Join(t.manager.resolver.Root, "package.json")
	if _, err := os.Stat(pkgJSONPath); os.IsNotExist(err) {
		if _, err := t.manager.Run(ctx, "npm init -y", ".", 120*time.Second, nil); err != nil {
			return errResult(fmt.Sprintf("init package.json: %v", err)), nil
		}
	}

	flag := ""
	if in.Dev {
		flag = "--save-dev "
	}
	command := fmt.Sprintf("npm install %s%s", flag, strings.Join(in.Packages, " "))
	result, err := t.manager.Run(ctx, command, ".", 120*time.Second, nil)
	if err != nil {
		return errResult(err.Error()), nil
	}
	if result.ExitCode != 0 {
		return &store.ToolResult{IsError: true, Content: formatCommandResult(result)}, nil
	}

	versions := readResolvedVersions(pkgJSONPath, in.Packages)
	summary := fmt.Sprintf("Installed: %s\n", strings.Join(versions, ", "))
	return &store.ToolResult{Content: summary + formatCommandResult(result)}, nil
}

func readResolvedVersions(pkgJSONPath string, packages []string) []string {
	data, err := os.ReadFile(pkgJSONPath)
	if err != nil {
		return packages
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return packages
	}
	out := make([]string, 0, len(packages))
	for _, name := range packages {
		bare := name
		if i := strings.LastIndex(name, "@"); i > 0 {
			bare = name[:i]
		}
		if v, ok := pkg.Dependencies[bare]; ok {
			out = append(out, bare+"@"+v)
			continue
		}
		if v, ok := pkg.DevDependencies[bare]; ok {
			out = append(out, bare+"@"+v)
			continue
		}
		out = append(out, name)
	}
	return out
}

// RunDiagnosticsInput is run_diagnostics's (empty) argument shape.
type RunDiagnosticsInput struct{}

// RunDiagnosticsTool runs a TypeScript/JS typecheck, skipping with an
// instructive message when node_modules is absent (SPEC_FULL.md §4.1).
type RunDiagnosticsTool struct {
	manager *Manager
	schema  json.RawMessage
}

func NewRunDiagnosticsTool(manager *Manager) *RunDiagnosticsTool {
	return &RunDiagnosticsTool{manager: manager, schema: tools.GenerateSchema(RunDiagnosticsInput{})}
}

func (t *RunDiagnosticsTool) Name() string        { return "run_diagnostics" }
func (t *RunDiagnosticsTool) Description() string { return "Run a TypeScript/JS type-check over the project and report diagnostics." }
func (t *RunDiagnosticsTool) Schema() json.RawMessage { return t.schema }

func (t *RunDiagnosticsTool) Execute(ctx context.Context, _ json.RawMessage) (*store.ToolResult, error) {
	nodeModules := filepath.Join(t.manager.resolver.Root, "node_modules")
	if _, err := os.Stat(nodeModules); os.IsNotExist(err) {
		return &store.ToolResult{Content: "node_modules is absent; run install_package first, then re-run run_diagnostics."}, nil
	}

	command := "npx tsc --noEmit"
	if _, err := os.Stat(filepath.Join(t.manager.resolver.Root, "tsconfig.json")); os.IsNotExist(err) {
		command = "npx eslint . --no-eslintrc --env es2021,node --parser-options=ecmaVersion:2021 || true"
	}
	result, err := t.manager.Run(ctx, command, ".", 60*time.Second, nil)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return &store.ToolResult{Content: formatCommandResult(result), IsError: result.ExitCode != 0}, nil
}
