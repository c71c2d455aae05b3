package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateConversationGeneratesID(t *testing.T) {
	s := NewMemoryStore()
	conv, err := s.CreateConversation(context.Background(), Conversation{OwnerID: "u1", ProjectPath: "/tmp/proj"})
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, ModeBuild, conv.Mode)
	require.False(t, conv.CreatedAt.IsZero())
}

func TestMemoryStoreCreateConversationRejectsDuplicateOwnerProject(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CreateConversation(context.Background(), Conversation{OwnerID: "u1", ProjectPath: "/tmp/proj"})
	require.NoError(t, err)

	_, err = s.CreateConversation(context.Background(), Conversation{OwnerID: "u1", ProjectPath: "/tmp/proj"})
	require.Error(t, err)
}

func TestMemoryStoreAppendMessageAndRetrieve(t *testing.T) {
	s := NewMemoryStore()
	conv, err := s.CreateConversation(context.Background(), Conversation{OwnerID: "u1"})
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(context.Background(), Message{ConversationID: conv.ID, Role: RoleUser, Content: "hi"}))
	require.NoError(t, s.AppendMessage(context.Background(), Message{ConversationID: conv.ID, Role: RoleAssistant, Content: "hello"}))

	msgs, err := s.Messages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NotEmpty(t, msgs[0].ID)
	require.Equal(t, "hi", msgs[0].Content)
}

func TestMemoryStoreAppendMessageTrimsOldest(t *testing.T) {
	s := NewMemoryStore()
	conv, err := s.CreateConversation(context.Background(), Conversation{OwnerID: "u1"})
	require.NoError(t, err)

	for i := 0; i < maxMessagesPerConversation+10; i++ {
		require.NoError(t, s.AppendMessage(context.Background(), Message{ConversationID: conv.ID, Role: RoleUser, Content: "x"}))
	}

	msgs, err := s.Messages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, maxMessagesPerConversation)
}

func TestMemoryStoreSetTitle(t *testing.T) {
	s := NewMemoryStore()
	conv, err := s.CreateConversation(context.Background(), Conversation{OwnerID: "u1"})
	require.NoError(t, err)

	require.NoError(t, s.SetTitle(context.Background(), conv.ID, "refactor auth"))

	got, err := s.Conversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Equal(t, "refactor auth", got.Title)
}

func TestMemoryStoreSetTitleUnknownConversation(t *testing.T) {
	s := NewMemoryStore()
	err := s.SetTitle(context.Background(), "missing", "x")
	require.Error(t, err)
}
