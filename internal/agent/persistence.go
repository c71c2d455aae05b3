package agent

import (
	"context"

	"github.com/coderloop/engine/internal/store"
)

// Persistence is the collaborator contract for conversation/message storage
// (SPEC_FULL.md §6). The loop never talks to a database directly.
type Persistence interface {
	AppendMessage(ctx context.Context, msg store.Message) error
	Messages(ctx context.Context, conversationID string) ([]store.Message, error)
	SetTitle(ctx context.Context, conversationID, title string) error
}
