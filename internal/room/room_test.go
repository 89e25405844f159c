package room_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/webgfx/task-sub000/internal/room"
)

type recordingHandler struct {
	mu     sync.Mutex
	kinds  []string
	agents []string
}

func (h *recordingHandler) HandleInbound(_ context.Context, agentName, kind string, _ json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents = append(h.agents, agentName)
	h.kinds = append(h.kinds, kind)
	return nil
}

func newTestServer(t *testing.T, handler room.Handler) (*room.Server, *httptest.Server) {
	t.Helper()
	srv := room.New(handler, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		agentName := r.URL.Query().Get("agent")
		_ = srv.ServeAgent(w, r, agentName)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, agentName string) *websocket.Conn {
	t.Helper()
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws/?agent="+agentName, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func TestSendReachesConnectedAgent(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dial(t, ts, "A1")

	deadline := time.Now().Add(2 * time.Second)
	for !srv.Connected("A1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.Connected("A1") {
		t.Fatal("expected A1 to be registered as connected")
	}

	if err := srv.Send(context.Background(), "A1", "subtask_dispatch", map[string]any{"task_id": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var env room.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Kind != "subtask_dispatch" {
		t.Fatalf("expected kind subtask_dispatch, got %s", env.Kind)
	}
}

func TestSendToUnknownAgentFails(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	err := srv.Send(context.Background(), "ghost", "subtask_dispatch", map[string]any{})
	if err == nil {
		t.Fatal("expected error sending to unconnected agent")
	}
}

func TestInboundEnvelopeReachesHandler(t *testing.T) {
	handler := &recordingHandler{}
	srv, ts := newTestServer(t, handler)
	conn := dial(t, ts, "A1")

	deadline := time.Now().Add(2 * time.Second)
	for !srv.Connected("A1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	payload, _ := json.Marshal(map[string]any{"ok": true})
	if err := wsjson.Write(context.Background(), conn, room.Envelope{Kind: "heartbeat", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.kinds)
		handler.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.kinds) != 1 || handler.kinds[0] != "heartbeat" || handler.agents[0] != "A1" {
		t.Fatalf("expected one heartbeat from A1, got kinds=%v agents=%v", handler.kinds, handler.agents)
	}
}
