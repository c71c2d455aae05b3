package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxDigestEntries  = 40
	maxPackageJSONLen = 2000
	maxEntryFileBytes = 4000
)

// baseSystemPrompt is the teacher-style role/tool description prefix, shared
// across every turn regardless of mode.
const baseSystemPrompt = `You are an autonomous coding agent working inside a single project directory.
You read and edit files, run shell commands, and manage the project's running dev server through the tools available to you.
Prefer making the requested change directly over describing what you would do.`

// BuildSystemPrompt composes the full system prompt: base role text, a
// project context digest, and mode/capability sections (SPEC_FULL.md §4.3
// step 2).
func BuildSystemPrompt(projectDir string, mode, selfModNotice string, remoteCapable bool) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(digestProject(projectDir))

	if mode == "plan" {
		sb.WriteString("\n\nYou are in PLAN mode. Do not modify files or run mutating commands. ")
		sb.WriteString("Only use read-only tools to investigate, then respond with a numbered plan.")
	}
	if selfModNotice != "" {
		sb.WriteString("\n\n" + selfModNotice)
	}
	if remoteCapable {
		sb.WriteString("\n\nRemote file tools are available for this session's linked repl.")
	}
	return sb.String()
}

// digestProject renders a size-capped text summary of the project:
// package.json, top-level layout, config file inventory, a source
// directory skeleton, and entry-file imports.
func digestProject(projectDir string) string {
	if strings.TrimSpace(projectDir) == "" {
		return "Project context: no project directory is open yet."
	}

	var sb strings.Builder
	sb.WriteString("Project context:\n")

	if pkg := readPackageJSON(projectDir); pkg != "" {
		sb.WriteString("package.json:\n")
		sb.WriteString(pkg)
		sb.WriteString("\n")
	}

	entries, err := os.ReadDir(projectDir)
	if err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		if len(names) > maxDigestEntries {
			names = names[:maxDigestEntries]
		}
		sb.WriteString("Top-level layout: " + strings.Join(names, ", ") + "\n")
	}

	configFiles := findConfigFiles(projectDir)
	if len(configFiles) > 0 {
		sb.WriteString("Config files: " + strings.Join(configFiles, ", ") + "\n")
	}

	if skeleton := sourceSkeleton(projectDir); skeleton != "" {
		sb.WriteString("Source layout:\n" + skeleton)
	}

	if imports := entryFileImports(projectDir); imports != "" {
		sb.WriteString("Entry-file imports:\n" + imports)
	}

	return sb.String()
}

func readPackageJSON(projectDir string) string {
	data, err := os.ReadFile(filepath.Join(projectDir, "package.json"))
	if err != nil {
		return ""
	}
	var pretty map[string]any
	if json.Unmarshal(data, &pretty) == nil {
		trimmed := map[string]any{}
		for _, key := range []string{"name", "version", "scripts", "dependencies", "devDependencies", "main"} {
			if v, ok := pretty[key]; ok {
				trimmed[key] = v
			}
		}
		if out, err := json.MarshalIndent(trimmed, "", "  "); err == nil {
			data = out
		}
	}
	s := string(data)
	if len(s) > maxPackageJSONLen {
		s = s[:maxPackageJSONLen] + "\n... [truncated]"
	}
	return s
}

var configFileNames = []string{
	"tsconfig.json", "vite.config.ts", "vite.config.js", "next.config.js",
	".eslintrc.json", "jest.config.js", "docker-compose.yml", "Dockerfile",
	"go.mod", "requirements.txt", "pyproject.toml",
}

func findConfigFiles(projectDir string) []string {
	var found []string
	for _, name := range configFileNames {
		if _, err := os.Stat(filepath.Join(projectDir, name)); err == nil {
			found = append(found, name)
		}
	}
	return found
}

var skeletonDirs = []string{"src", "lib", "app", "pkg", "internal", "cmd"}

func sourceSkeleton(projectDir string) string {
	var sb strings.Builder
	for _, dir := range skeletonDirs {
		root := filepath.Join(projectDir, dir)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		sb.WriteString(fmt.Sprintf("  %s/\n", dir))
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		count := 0
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			sb.WriteString(fmt.Sprintf("    %s\n", e.Name()))
			count++
			if count >= 20 {
				sb.WriteString("    ... [truncated]\n")
				break
			}
		}
	}
	return sb.String()
}

var entryFileCandidates = []string{"index.js", "server.js", "main.go", "main.py", "app.py", "index.ts"}

func entryFileImports(projectDir string) string {
	for _, name := range entryFileCandidates {
		path := filepath.Join(projectDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > maxEntryFileBytes {
			data = data[:maxEntryFileBytes]
		}
		var imports []string
		for _, line := range strings.Split(string(data), "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "require(") ||
				strings.HasPrefix(trimmed, "from ") || strings.HasPrefix(trimmed, "\"") && strings.Contains(trimmed, "import") {
				imports = append(imports, trimmed)
			}
			if len(imports) >= 15 {
				break
			}
		}
		if len(imports) > 0 {
			return "  " + name + ":\n    " + strings.Join(imports, "\n    ") + "\n"
		}
	}
	return ""
}
