package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coderloop/engine/internal/agent"
	"github.com/coderloop/engine/internal/chunk"
	"github.com/coderloop/engine/internal/store"
)

// fakeRunner records the TurnInput it was invoked with and emits a single
// content chunk tagged with its own label, so a test can tell which of
// Single/Dual the server actually dispatched to.
type fakeRunner struct {
	label   string
	lastIn  agent.TurnInput
	invoked bool
}

func (f *fakeRunner) Run(_ context.Context, in agent.TurnInput) <-chan chunk.Chunk {
	f.invoked = true
	f.lastIn = in
	out := make(chan chunk.Chunk, 2)
	out <- chunk.Chunk{Type: chunk.Content, Content: f.label}
	out <- chunk.Chunk{Type: chunk.Done}
	close(out)
	return out
}

func newTestServer(t *testing.T, settings store.Settings, single, dual Runner) (*Server, *store.MemoryStore) {
	t.Helper()
	persistence := store.NewMemoryStore()
	srv := New(Config{
		Host:          "127.0.0.1",
		Port:          0,
		Settings:      settings,
		Conversations: persistence,
		Single:        single,
		Dual:          dual,
	})
	return srv, persistence
}

func TestHandleTurnDispatchesToSingleByDefault(t *testing.T) {
	single := &fakeRunner{label: "single"}
	dual := &fakeRunner{label: "dual"}
	srv, persistence := newTestServer(t, store.Settings{DualModelEnabled: false}, single, dual)

	conv, err := persistence.CreateConversation(context.Background(), store.Conversation{ID: "c1"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	body := strings.NewReader(`{"text":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/"+conv.ID+"/turns", body)
	rec := httptest.NewRecorder()

	srv.handleConversationRoutes(rec, req)

	if !single.invoked {
		t.Fatal("expected single runner to be invoked")
	}
	if dual.invoked {
		t.Fatal("expected dual runner not to be invoked")
	}
	if single.lastIn.UserText != "hello" {
		t.Fatalf("UserText = %q, want %q", single.lastIn.UserText, "hello")
	}
}

func TestHandleTurnDispatchesToDualWhenEnabled(t *testing.T) {
	single := &fakeRunner{label: "single"}
	dual := &fakeRunner{label: "dual"}
	srv, persistence := newTestServer(t, store.Settings{DualModelEnabled: true}, single, dual)

	conv, err := persistence.CreateConversation(context.Background(), store.Conversation{ID: "c1"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/"+conv.ID+"/turns", strings.NewReader(`{"text":"hi"}`))
	rec := httptest.NewRecorder()

	srv.handleConversationRoutes(rec, req)

	if !dual.invoked {
		t.Fatal("expected dual runner to be invoked")
	}
	if single.invoked {
		t.Fatal("expected single runner not to be invoked")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if !strings.Contains(rec.Body.String(), `"content":"dual"`) {
		t.Fatalf("body = %q, want it to contain the dual runner's chunk", rec.Body.String())
	}
}

func TestHandleTurnRejectsUnknownConversation(t *testing.T) {
	single := &fakeRunner{label: "single"}
	srv, _ := newTestServer(t, store.Settings{}, single, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/missing/turns", strings.NewReader(`{"text":"hi"}`))
	rec := httptest.NewRecorder()

	srv.handleConversationRoutes(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if single.invoked {
		t.Fatal("expected single runner not to be invoked for an unknown conversation")
	}
}

func TestHandleTurnRejectsGet(t *testing.T) {
	single := &fakeRunner{label: "single"}
	srv, persistence := newTestServer(t, store.Settings{}, single, nil)
	conv, _ := persistence.CreateConversation(context.Background(), store.Conversation{ID: "c1"})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+conv.ID+"/turns", nil)
	rec := httptest.NewRecorder()

	srv.handleConversationRoutes(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleWatchRequiresWatchHub(t *testing.T) {
	single := &fakeRunner{label: "single"}
	srv, persistence := newTestServer(t, store.Settings{}, single, nil)
	conv, _ := persistence.CreateConversation(context.Background(), store.Conversation{ID: "c1"})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+conv.ID+"/watch", nil)
	rec := httptest.NewRecorder()

	srv.handleConversationRoutes(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d (no watch hub configured)", rec.Code, http.StatusNotImplemented)
	}
}

func TestHandleHealthz(t *testing.T) {
	single := &fakeRunner{label: "single"}
	srv, _ := newTestServer(t, store.Settings{}, single, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", payload["status"])
	}
}

func TestSplitConversationPath(t *testing.T) {
	cases := []struct {
		path    string
		wantID  string
		wantSub string
		wantOK  bool
	}{
		{"/v1/conversations/abc/turns", "abc", "turns", true},
		{"/v1/conversations/abc/watch", "abc", "watch", true},
		{"/v1/conversations/", "", "", false},
		{"/v1/conversations/abc", "", "", false},
		{"/v1/conversations//turns", "", "", false},
	}
	for _, c := range cases {
		id, sub, ok := splitConversationPath(c.path)
		if id != c.wantID || sub != c.wantSub || ok != c.wantOK {
			t.Fatalf("splitConversationPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.path, id, sub, ok, c.wantID, c.wantSub, c.wantOK)
		}
	}
}
