package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/coderloop/engine/internal/store"
)

// explanationPhrases are substrings that mark a pure-prose assistant
// message as an explanation rather than action, in build mode.
var explanationPhrases = []string{"I'll", "Let me", "would you like", "I will", "Should I"}

// looksLikeExplanation reports whether content is prose that explains
// intent instead of acting (SPEC_FULL.md §4.3 step 5f).
func looksLikeExplanation(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	for _, phrase := range explanationPhrases {
		if strings.Contains(trimmed, phrase) {
			return true
		}
	}
	return false
}

var numberedOrBulletLine = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s+\S`)

// looksLikePlan reports whether content contains at least two numbered or
// bulleted lines, the heuristic for plan detection in plan mode.
func looksLikePlan(content string) bool {
	return len(numberedOrBulletLine.FindAllString(content, -1)) >= 2
}

var approvedPlanPattern = regexp.MustCompile(`(?is)^\s*approved\.?\s+please implement the following plan:\s*\n\n(.+)`)

// extractApprovedPlanSteps recognizes the plan-approval pattern and returns
// its numbered/bulleted steps in order, or nil if content doesn't match.
func extractApprovedPlanSteps(content string) []string {
	match := approvedPlanPattern.FindStringSubmatch(content)
	if match == nil {
		return nil
	}
	return extractSteps(match[1])
}

func extractSteps(body string) []string {
	var steps []string
	for _, line := range strings.Split(body, "\n") {
		loc := numberedOrBulletLine.FindStringIndex(line)
		if loc == nil {
			continue
		}
		text := numberedOrBulletLine.ReplaceAllString(line, "")
		text = strings.TrimSpace(text)
		if text != "" {
			steps = append(steps, text)
		}
	}
	return steps
}

var codeBlockJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
var bareJSONObject = regexp.MustCompile(`(?s)\{.*\}`)

// rescueToolCall looks for a JSON object naming a known tool inside prose
// content when the model failed to emit a structured tool call
// (SPEC_FULL.md §4.3 step 5d). Recognized shapes: {"tool":"name","arguments":{...}}
// or {"name":"name","arguments":{...}}.
func rescueToolCall(content string, knownTools map[string]bool) *store.ToolCall {
	candidates := codeBlockJSON.FindAllStringSubmatch(content, -1)
	texts := make([]string, 0, len(candidates)+1)
	for _, m := range candidates {
		texts = append(texts, m[1])
	}
	if bare := bareJSONObject.FindString(content); bare != "" {
		texts = append(texts, bare)
	}

	for _, text := range texts {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			continue
		}
		name := jsonString(raw["tool"])
		if name == "" {
			name = jsonString(raw["name"])
		}
		if name == "" || !knownTools[name] {
			continue
		}
		args := raw["arguments"]
		if args == nil {
			args = raw["input"]
		}
		if args == nil {
			args = json.RawMessage("{}")
		}
		return &store.ToolCall{Name: name, Input: args}
	}
	return nil
}

func jsonString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// planModeAllowedTools is the read-only allow-list enforced when mode=plan
// (SPEC_FULL.md §4.3 step 5e).
var planModeAllowedTools = map[string]bool{
	"read_file":           true,
	"list_files":          true,
	"search_files":        true,
	"read_multiple_files": true,
	"read_logs":           true,
	"web_search":          true,
	"analyze_imports":     true,
	"task_list":           true,
}
