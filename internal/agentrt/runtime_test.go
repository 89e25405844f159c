package agentrt

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

// fakeController runs just enough of the controller's HTTP+websocket
// surface to exercise a Runtime end to end: accept registration, accept a
// websocket connection, push one subtask_dispatch, and record the
// resulting subtask_result callback.
type fakeController struct {
	mu      sync.Mutex
	results []map[string]any

	wsConnected chan *websocket.Conn
}

func newFakeController() *fakeController {
	return &fakeController{wsConnected: make(chan *websocket.Conn, 1)}
}

func (f *fakeController) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents/register", f.okHandler)
	mux.HandleFunc("/api/agents/heartbeat", f.okHandler)
	mux.HandleFunc("/api/agents/update_config", f.okHandler)
	mux.HandleFunc("/api/execute", f.okHandler)
	mux.HandleFunc("/api/subtask_result", f.resultHandler)
	mux.HandleFunc("/ws/agent", f.wsHandler)
	return mux
}

func (f *fakeController) okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (f *fakeController) resultHandler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.results = append(f.results, body)
	f.mu.Unlock()
	f.okHandler(w, r)
}

func (f *fakeController) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	// Drain the join_room message so the dial side doesn't block on write.
	var env room.Envelope
	if err := wsjson.Read(r.Context(), conn, &env); err != nil {
		return
	}
	f.wsConnected <- conn
	// Keep the connection open by reading until it closes.
	for {
		var discard room.Envelope
		if err := wsjson.Read(r.Context(), conn, &discard); err != nil {
			return
		}
	}
}

func (f *fakeController) resultsSnapshot() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.results))
	copy(out, f.results)
	return out
}

func TestRuntimeDispatchExecutesAndReportsResult(t *testing.T) {
	fc := newFakeController()
	ts := httptest.NewServer(fc.handler())
	defer ts.Close()

	rt := New(Config{
		ServerURL:         ts.URL,
		MachineName:       "A1",
		HeartbeatInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()

	var conn *websocket.Conn
	select {
	case conn = <-fc.wsConnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for agent to connect")
	}

	dispatch := map[string]any{
		"task_id": 1, "subtask_id": 10, "subtask_name": "get_hostname", "order": 0,
		"args": "{}", "kwargs": "{}", "timeout": 5,
	}
	raw, _ := json.Marshal(dispatch)
	if err := wsjson.Write(context.Background(), conn, room.Envelope{Kind: "subtask_dispatch", Payload: raw}); err != nil {
		t.Fatalf("write dispatch: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.resultsSnapshot()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	results := fc.resultsSnapshot()
	if len(results) != 1 {
		t.Fatalf("expected 1 subtask_result callback, got %d", len(results))
	}
	if results[0]["status"] != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %v", results[0]["status"])
	}
}

func TestHandleDispatchNacksWhenBusy(t *testing.T) {
	fc := newFakeController()
	ts := httptest.NewServer(fc.handler())
	defer ts.Close()

	rt := New(Config{ServerURL: ts.URL, MachineName: "A1"})
	rt.busy = true
	rt.runningTask = 99

	d := subtaskDispatchInbound{TaskID: 1, SubtaskID: 1, SubtaskName: "get_hostname"}
	rt.handleDispatch(context.Background(), d)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.resultsSnapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	results := fc.resultsSnapshot()
	if len(results) != 1 || results[0]["error"] != "agent_busy" {
		t.Fatalf("expected one agent_busy result, got %v", results)
	}
}
