package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderloop/engine/internal/chunk"
	"github.com/coderloop/engine/internal/modelclient"
	"github.com/coderloop/engine/internal/store"
)

// dualModelServer replays scripted responses, serving non-streaming
// (Planner/review) calls from nonStream and streaming (Coder) calls from
// stream, distinguished by the "stream" field in each request body.
func dualModelServer(t *testing.T, nonStream []string, stream []string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	nonStreamIdx, streamIdx := 0, 0

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		defer mu.Unlock()

		if !body.Stream {
			idx := nonStreamIdx
			if idx >= len(nonStream) {
				idx = len(nonStream) - 1
			}
			nonStreamIdx++
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, nonStream[idx])
			return
		}

		idx := streamIdx
		if idx >= len(stream) {
			idx = len(stream) - 1
		}
		streamIdx++
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, stream[idx])
		flusher.Flush()
	}))
}

func chatCompletionJSON(content, finishReason string) string {
	return fmt.Sprintf(`{"id":"1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":%q}]}`, content, finishReason)
}

func TestDualLoopPlansAndExecutesOneTask(t *testing.T) {
	dir := t.TempDir()

	plannerTask := "<coder_task>\nTASK: Create a file named hello.txt containing the text hello world in the project root\nFILES_TO_READ: none\nFILES_TO_CREATE_OR_EDIT: hello.txt\nCONTEXT: none\n</coder_task>"
	plannerReview := "Everything looks complete and low risk."

	server := dualModelServer(t,
		[]string{chatCompletionJSON(plannerTask, "stop"), chatCompletionJSON(plannerReview, "stop")},
		[]string{
			toolCallFrame("call-1", "write_file", `{"path":"hello.txt","content":"hello world"}`) + finishFrame("tool_calls") + doneFrame(),
			contentFrame("Created hello.txt.") + finishFrame("stop") + doneFrame(),
		},
	)
	defer server.Close()

	reg, exec := newTestRegistry(dir)
	single := NewLoop(&fakePersistence{}, modelclient.New(), reg, exec)
	dual := NewDualLoop(single)

	in := TurnInput{
		Conversation: store.Conversation{ID: "c1", Mode: store.ModeBuild, ProjectPath: dir},
		UserText:     "Approved. Please implement the following plan: create hello.txt",
		Settings:     store.Settings{EndpointURL: server.URL, ModelName: "m"},
	}
	chunks := drain(dual.Run(context.Background(), in))

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	var sawTasks, sawDiff, sawReview, sawDone bool
	for _, c := range chunks {
		switch c.Type {
		case chunk.Tasks:
			sawTasks = true
		case chunk.Diff:
			sawDiff = true
		case chunk.Review:
			sawReview = true
			require.Contains(t, c.Content, "[Planner Review]")
		case chunk.Done:
			sawDone = true
		}
	}
	require.True(t, sawTasks)
	require.True(t, sawDiff)
	require.True(t, sawReview)
	require.True(t, sawDone)
}

func TestDualLoopFallsBackOnPlannerError(t *testing.T) {
	dir := t.TempDir()

	server := dualModelServer(t,
		[]string{`{"error":"upstream unavailable"}`},
		[]string{contentFrame("Fallback response.") + finishFrame("stop") + doneFrame()},
	)
	defer server.Close()

	reg, exec := newTestRegistry(dir)
	single := NewLoop(&fakePersistence{}, modelclient.New(), reg, exec)
	dual := NewDualLoop(single)

	in := TurnInput{
		Conversation: store.Conversation{ID: "c1", Mode: store.ModeBuild, ProjectPath: dir},
		UserText:     "Add a README",
		Settings:     store.Settings{EndpointURL: server.URL, ModelName: "m"},
	}
	chunks := drain(dual.Run(context.Background(), in))

	var sawFallbackNotice, sawDone bool
	for _, c := range chunks {
		if c.Type == chunk.Content && strings.Contains(c.Content, "falling back to single-agent") {
			sawFallbackNotice = true
		}
		if c.Type == chunk.Done {
			sawDone = true
		}
	}
	require.True(t, sawFallbackNotice)
	require.True(t, sawDone)
}
