package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxMessagesPerConversation caps retained history per conversation,
// trimming the oldest once exceeded. Grounded on the teacher's
// sessions.MemoryStore maxMessagesPerSession guard.
const maxMessagesPerConversation = 1000

// MemoryStore is an in-memory Conversation/Message store for local runs and
// tests. It implements the agent.Persistence collaborator contract plus the
// conversation-lifecycle operations cmd/coderd needs to create and look up
// conversations (SPEC_FULL.md §6's Persistence collaborator).
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*Conversation{},
		messages:      map[string][]Message{},
	}
}

// CreateConversation inserts a new conversation, generating an ID if absent.
// One conversation per (ownerID, projectPath) is enforced, matching §6's
// uniqueness rule.
func (s *MemoryStore) CreateConversation(_ context.Context, conv Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ProjectPath != "" {
		for _, existing := range s.conversations {
			if existing.OwnerID == conv.OwnerID && existing.ProjectPath == conv.ProjectPath {
				return Conversation{}, fmt.Errorf("conversation already exists for owner %q and project %q", conv.OwnerID, conv.ProjectPath)
			}
		}
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Mode == "" {
		conv.Mode = ModeBuild
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	clone := conv
	s.conversations[clone.ID] = &clone
	return clone, nil
}

// Conversation returns a conversation by ID.
func (s *MemoryStore) Conversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %q not found", id)
	}
	return *conv, nil
}

// SetTitle implements the Persistence collaborator's title-on-first-message
// behavior (SPEC_FULL.md §4.3 step 1).
func (s *MemoryStore) SetTitle(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %q not found", conversationID)
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendMessage appends msg to its conversation's history, trimming the
// oldest entries past maxMessagesPerConversation.
func (s *MemoryStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	list := append(s.messages[msg.ConversationID], msg)
	if len(list) > maxMessagesPerConversation {
		list = list[len(list)-maxMessagesPerConversation:]
	}
	s.messages[msg.ConversationID] = list
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = msg.CreatedAt
	}
	return nil
}

// Messages returns a conversation's history in createdAt-ascending (i.e.
// append) order.
func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	out := make([]Message, len(list))
	copy(out, list)
	return out, nil
}
