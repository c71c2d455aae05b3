package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderloop/engine/internal/chunk"
	"github.com/coderloop/engine/internal/modelclient"
	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
	"github.com/coderloop/engine/internal/tools/files"
)

// fakePersistence is an in-memory Persistence for loop tests.
type fakePersistence struct {
	mu       sync.Mutex
	messages []store.Message
	title    string
}

func (p *fakePersistence) AppendMessage(_ context.Context, msg store.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePersistence) Messages(_ context.Context, _ string) ([]store.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Message, len(p.messages))
	copy(out, p.messages)
	return out, nil
}

func (p *fakePersistence) SetTitle(_ context.Context, _, title string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	return nil
}

// scriptedModelServer replays one pre-rendered SSE response body per call,
// in order; calls beyond the script repeat the last entry.
func scriptedModelServer(t *testing.T, bodies []string) *httptest.Server {
	t.Helper()
	var call int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(atomic.AddInt32(&call, 1)) - 1
		if idx >= len(bodies) {
			idx = len(bodies) - 1
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, bodies[idx])
		flusher.Flush()
	}))
}

func contentFrame(text string) string {
	return fmt.Sprintf("data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", text)
}

func finishFrame(reason string) string {
	return fmt.Sprintf("data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":%q}]}\n\n", reason)
}

func toolCallFrame(id, name, argsJSON string) string {
	return fmt.Sprintf("data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":%q,\"type\":\"function\",\"function\":{\"name\":%q,\"arguments\":%q}}]},\"finish_reason\":null}]}\n\n", id, name, argsJSON)
}

func doneFrame() string { return "data: [DONE]\n\n" }

func newTestRegistry(projectDir string) (*tools.Registry, *tools.Executor) {
	reg := tools.NewRegistry()
	reg.Register(files.NewReadTool(projectDir))
	reg.Register(files.NewWriteTool(projectDir))
	reg.Register(files.NewEditTool(projectDir))
	return reg, tools.NewExecutor(reg, tools.DefaultConfig())
}

func drain(ch <-chan chunk.Chunk) []chunk.Chunk {
	var out []chunk.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestRunReadThenEditProducesExpectedDiff(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	server := scriptedModelServer(t, []string{
		toolCallFrame("call-1", "read_file", `{"path":"a.txt"}`) + finishFrame("tool_calls") + doneFrame(),
		toolCallFrame("call-2", "edit_file", `{"path":"a.txt","old_string":"hello","new_string":"world"}`) + finishFrame("tool_calls") + doneFrame(),
		contentFrame("Updated a.txt.") + finishFrame("stop") + doneFrame(),
	})
	defer server.Close()

	reg, exec := newTestRegistry(dir)
	loop := NewLoop(&fakePersistence{}, modelclient.New(), reg, exec)

	in := TurnInput{
		Conversation: store.Conversation{ID: "c1", Mode: store.ModeBuild, ProjectPath: dir},
		UserText:     "Change hello to world in a.txt",
		Settings:     store.Settings{EndpointURL: server.URL, ModelName: "m"},
	}
	chunks := drain(loop.Run(context.Background(), in))

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(data))

	var diffChunk *chunk.Chunk
	var sawDone bool
	for i := range chunks {
		if chunks[i].Type == chunk.Diff {
			diffChunk = &chunks[i]
		}
		if chunks[i].Type == chunk.Done {
			sawDone = true
		}
	}
	require.True(t, sawDone)
	require.NotNil(t, diffChunk)
	require.Len(t, diffChunk.Diffs, 1)
	require.Contains(t, diffChunk.Diffs[0].Diff, "-hello")
	require.Contains(t, diffChunk.Diffs[0].Diff, "+world")
}

func TestPlanModeBlocksMutatingTools(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	server := scriptedModelServer(t, []string{
		toolCallFrame("call-1", "write_file", `{"path":"a.txt","content":"nope"}`) + finishFrame("tool_calls") + doneFrame(),
		contentFrame("1. Step one\n2. Step two") + finishFrame("stop") + doneFrame(),
	})
	defer server.Close()

	reg, exec := newTestRegistry(dir)
	loop := NewLoop(&fakePersistence{}, modelclient.New(), reg, exec)

	in := TurnInput{
		Conversation: store.Conversation{ID: "c1", Mode: store.ModePlan, ProjectPath: dir},
		UserText:     "Create an Express health endpoint",
		Settings:     store.Settings{EndpointURL: server.URL, ModelName: "m"},
	}
	chunks := drain(loop.Run(context.Background(), in))

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data), "plan mode must not let write_file mutate the project")

	var sawBlockedResult, sawPlan bool
	for _, c := range chunks {
		if c.Type == chunk.ToolCall && c.ToolPhase == chunk.ToolCallEnd && c.ToolStatus == "error" {
			sawBlockedResult = true
		}
		if c.Type == chunk.Plan {
			sawPlan = true
		}
	}
	require.True(t, sawBlockedResult)
	require.True(t, sawPlan)
}

func TestRunWithoutProjectRefusesToolExecution(t *testing.T) {
	server := scriptedModelServer(t, []string{
		toolCallFrame("call-1", "read_file", `{"path":"a.txt"}`) + finishFrame("tool_calls") + doneFrame(),
		contentFrame("No project is linked.") + finishFrame("stop") + doneFrame(),
	})
	defer server.Close()

	reg, exec := newTestRegistry("")
	loop := NewLoop(&fakePersistence{}, modelclient.New(), reg, exec)

	in := TurnInput{
		Conversation: store.Conversation{ID: "c1", Mode: store.ModeBuild},
		UserText:     "Read a.txt",
		Settings:     store.Settings{EndpointURL: server.URL, ModelName: "m"},
	}
	chunks := drain(loop.Run(context.Background(), in))

	var sawError bool
	for _, c := range chunks {
		if c.Type == chunk.ToolCall && c.ToolPhase == chunk.ToolCallEnd && c.ToolStatus == "error" {
			sawError = true
		}
	}
	require.True(t, sawError)
}

func TestRunTimesOutOnContextCancellation(t *testing.T) {
	server := scriptedModelServer(t, []string{contentFrame("hi") + finishFrame("stop") + doneFrame()})
	defer server.Close()

	reg, exec := newTestRegistry(t.TempDir())
	loop := NewLoop(&fakePersistence{}, modelclient.New(), reg, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	in := TurnInput{
		Conversation: store.Conversation{ID: "c1", Mode: store.ModeBuild, ProjectPath: t.TempDir()},
		UserText:     "hello",
		Settings:     store.Settings{EndpointURL: server.URL, ModelName: "m"},
	}
	// Just confirm Run doesn't hang regardless of context state.
	_ = drain(loop.Run(ctx, in))
}
