// Package store defines the core data model shared across the agent loop,
// tool executor, and project supervisor. Persistence itself is an external
// collaborator (see SPEC_FULL.md §6); this package only defines the shapes
// and the small set of invariants the core code relies on.
package store

import (
	"encoding/json"
	"time"
)

// Mode is the conversation's operating mode.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RolePlan      Role = "plan"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MessageStatus tracks whether a message is still being streamed.
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
)

// Conversation owns a mode, an optional linked project directory, and an
// owning principal. Lifecycle is managed by the persistence collaborator;
// the core only reads/appends through the Persistence interface.
type Conversation struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Mode        Mode      `json:"mode"`
	ProjectPath string    `json:"projectPath,omitempty"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ToolCallRecord is the truncated, terminal-message record of one tool
// invocation within a turn. Result is capped at 500 characters before
// persistence (see ToolCallRecordResultCap).
type ToolCallRecord struct {
	Name   string `json:"name"`
	Args   string `json:"args"`
	Status string `json:"status"` // success | error
	Result string `json:"result"`
}

// ToolCallRecordResultCap is the rune count ToolCallRecord.Result is
// truncated to before persistence.
const ToolCallRecordResultCap = 500

// TruncateResult caps s to ToolCallRecordResultCap runes, as the spec's
// ToolCallRecord requires.
func TruncateResult(s string) string {
	r := []rune(s)
	if len(r) <= ToolCallRecordResultCap {
		return s
	}
	return string(r[:ToolCallRecordResultCap])
}

// Message is one entry in a conversation's ordered history.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	ToolCalls      []ToolCallRecord `json:"toolCalls,omitempty"`
	Status         MessageStatus    `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// ToolCall is a model-emitted request to invoke a named tool. Input is raw
// JSON matching the tool's declared schema.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is what a tool execution returns. Every tool, including
// infrastructural failures, normalizes to this shape rather than
// propagating an error (see SPEC_FULL.md §7 tool-layer error handling).
type ToolResult struct {
	ToolCallID string `json:"toolCallId,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// Settings is the singleton (id=1) engine configuration record.
type Settings struct {
	ID                int     `json:"id" yaml:"-"`
	EndpointURL        string  `yaml:"endpointURL" json:"endpointURL"`
	ModelName          string  `yaml:"modelName" json:"modelName"`
	Mode               Mode    `yaml:"mode" json:"mode"`
	MaxTokens          int     `yaml:"maxTokens" json:"maxTokens"`
	Temperature        float64 `yaml:"temperature" json:"temperature"`
	DualModelEnabled   bool    `yaml:"dualModelEnabled" json:"dualModelEnabled"`
	PlannerModelName   string  `yaml:"plannerModelName" json:"plannerModelName"`
	CoderModelName     string  `yaml:"coderModelName" json:"coderModelName"`
	// APIToken is opaque to the core; it is forwarded to ModelEndpoint
	// verbatim and never logged or persisted in cleartext by this package.
	APIToken string `yaml:"apiToken" json:"-"`
}
