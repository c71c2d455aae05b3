package diffengine

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// diffContextLines is the number of unchanged lines shown around each hunk.
const diffContextLines = 3

// maxDiffInputLines is the per-side line count above which GenerateUnifiedDiff
// gives up on a full diff and emits a one-line summary hunk instead.
const maxDiffInputLines = 2000

// maxDiffOutputLines caps the rendered diff; beyond this a truncation marker
// is appended and the remainder is dropped.
const maxDiffOutputLines = 200

// GenerateUnifiedDiff renders the unified diff between before and after for
// path, with three lines of context. before == "" && after != "" is treated
// as a new file (--- /dev/null); after == "" && before != "" as a deletion
// (+++ /dev/null). Returns "" when before == after.
func GenerateUnifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}

	fromFile := "a/" + path
	toFile := "b/" + path
	if before == "" {
		fromFile = "/dev/null"
	}
	if after == "" {
		toFile = "/dev/null"
	}

	beforeLines := splitLines(before)
	afterLines := splitLines(after)
	if len(beforeLines) > maxDiffInputLines || len(afterLines) > maxDiffInputLines {
		return summaryHunk(path, fromFile, toFile, len(beforeLines), len(afterLines))
	}

	ud := difflib.UnifiedDiff{
		A:        beforeLines,
		B:        afterLines,
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  diffContextLines,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return summaryHunk(path, fromFile, toFile, len(beforeLines), len(afterLines))
	}
	return capLines(text, maxDiffOutputLines)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if last := lines[len(lines)-1]; last == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func summaryHunk(path, fromFile, toFile string, beforeLines, afterLines int) string {
	return fmt.Sprintf("--- %s\n+++ %s\n@@ file too large to diff in full @@\n%d lines before, %d lines after\n",
		fromFile, toFile, beforeLines, afterLines)
}

func capLines(diff string, max int) string {
	lines := strings.Split(strings.TrimSuffix(diff, "\n"), "\n")
	if len(lines) <= max {
		return diff
	}
	kept := lines[:max]
	return strings.Join(kept, "\n") + fmt.Sprintf("\n... [diff truncated, %d more line(s)]\n", len(lines)-max)
}
