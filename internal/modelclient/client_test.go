package modelclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// sseFrame renders one `data: <json>` SSE frame for a chat-completion chunk.
func sseFrame(delta string) string {
	return fmt.Sprintf("data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", delta)
}

func newStreamServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestStreamStripsThinkBlocksAcrossChunks(t *testing.T) {
	server := newStreamServer(t, []string{
		sseFrame("hello <thi"),
		sseFrame("nk>secret</think> world"),
	})
	defer server.Close()

	client := New()
	var seen strings.Builder
	result, err := client.Stream(context.Background(), Request{
		EndpointURL: server.URL,
		APIKey:      "test-key",
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Stream:      true,
	}, Callbacks{
		OnContent: func(text string) { seen.WriteString(text) },
	})
	require.NoError(t, err)
	require.Equal(t, "hello  world", result.Content)
	require.Equal(t, "hello  world", seen.String())
}

func TestToChatRequestBuildsToolSchemas(t *testing.T) {
	req := Request{
		Model: "gpt-4o",
		Tools: []ToolSchema{
			{Name: "read_file", Description: "reads a file", Parameters: []byte(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
		},
	}
	chatReq := toChatRequest(req)
	require.Len(t, chatReq.Tools, 1)
	require.Equal(t, "read_file", chatReq.Tools[0].Function.Name)
}

func TestToChatRequestFallsBackOnInvalidSchema(t *testing.T) {
	req := Request{
		Model: "gpt-4o",
		Tools: []ToolSchema{
			{Name: "broken", Parameters: []byte("not json")},
		},
	}
	chatReq := toChatRequest(req)
	require.Len(t, chatReq.Tools, 1)
	require.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, chatReq.Tools[0].Function.Parameters)
}
