package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/webgfx/task-sub000/internal/collector"
	"github.com/webgfx/task-sub000/internal/httpapi"
	"github.com/webgfx/task-sub000/internal/store"
	"github.com/webgfx/task-sub000/internal/subtasks"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "controller.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRegistry(t *testing.T) *subtasks.Registry {
	t.Helper()
	r := subtasks.NewRegistry()
	if err := r.Register(subtasks.Kind{Name: "get_hostname"}); err != nil {
		t.Fatalf("register kind: %v", err)
	}
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func doJSON(t *testing.T, method, url string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, env
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	reg := testRegistry(t)
	col := collector.New(st, nil, nil, nil)
	srv := httpapi.New(httpapi.Config{Store: st, Subtasks: reg, Collector: col})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func TestCreateAndGetTask(t *testing.T) {
	ts, _ := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/agents/register", map[string]any{
		"name": "A1", "address": "10.0.0.1:9000",
	})
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("register agent: status=%d success=%v error=%s", status, env.Success, env.Error)
	}

	status, env = doJSON(t, http.MethodPost, ts.URL+"/api/tasks", map[string]any{
		"name": "t1",
		"subtasks": []map[string]any{
			{"name": "get_hostname", "target_agent": "A1", "order": 0},
		},
	})
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("create task: status=%d success=%v error=%s", status, env.Success, env.Error)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("unmarshal created id: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected non-zero task id")
	}

	status, env = doJSON(t, http.MethodGet, ts.URL+"/api/tasks", nil)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("list tasks: status=%d success=%v error=%s", status, env.Success, env.Error)
	}
}

func TestCreateTaskRejectsMalformedCronExpression(t *testing.T) {
	ts, _ := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/agents/register", map[string]any{
		"name": "A1", "address": "10.0.0.1:9000",
	})
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("register agent: status=%d success=%v error=%s", status, env.Success, env.Error)
	}

	status, env = doJSON(t, http.MethodPost, ts.URL+"/api/tasks", map[string]any{
		"name":            "bad-cron",
		"cron_expression": "not a cron expression",
		"subtasks": []map[string]any{
			{"name": "get_hostname", "target_agent": "A1", "order": 0},
		},
	})
	if status != http.StatusBadRequest || env.Success {
		t.Fatalf("expected 400 for malformed cron_expression, got status=%d success=%v", status, env.Success)
	}
}

func TestAgentRegisterHeartbeatAndNames(t *testing.T) {
	ts, _ := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/agents/register", map[string]any{
		"name": "A1", "address": "10.0.0.1:9000",
	})
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("register: status=%d error=%s", status, env.Error)
	}

	// The heartbeat route answers 200 with an empty body, so it is posted
	// directly rather than through doJSON.
	hbBody, err := json.Marshal(map[string]any{"name": "A1", "status": "idle"})
	if err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}
	hbResp, err := http.Post(ts.URL+"/api/agents/heartbeat", "application/json", bytes.NewReader(hbBody))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	hbResp.Body.Close()
	if hbResp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: status=%d", hbResp.StatusCode)
	}

	status, env = doJSON(t, http.MethodGet, ts.URL+"/api/agents/names", nil)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("names: status=%d error=%s", status, env.Error)
	}
	var names []string
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatalf("unmarshal names: %v", err)
	}
	if len(names) != 1 || names[0] != "A1" {
		t.Fatalf("expected [A1], got %v", names)
	}
}

func TestValidateNameRejectsExisting(t *testing.T) {
	ts, _ := newTestServer(t)

	if status, _ := doJSON(t, http.MethodPost, ts.URL+"/api/agents/register", map[string]any{
		"name": "A1", "address": "10.0.0.1:9000",
	}); status != http.StatusCreated {
		t.Fatalf("register: status=%d", status)
	}

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/agents/validate_name", map[string]any{"name": "A1"})
	if status != http.StatusOK || !env.Success {
		t.Fatalf("validate_name: status=%d error=%s", status, env.Error)
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Valid {
		t.Fatal("expected name to be rejected as already registered")
	}
}

func TestSubtaskResultIngestionCompletesTask(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	if _, err := st.RegisterAgent(ctx, "A1", "10.0.0.1:9000", nil, ""); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	reg := testRegistry(t)
	taskID, err := st.CreateTask(ctx, reg, store.TaskSpec{
		Name:     "t1",
		Subtasks: []store.SubtaskSpec{{Name: "get_hostname", TargetAgent: "A1", Order: 0}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.UpdateTaskStatus(ctx, taskID, store.TaskStatusRunning, time.Now(), "", ""); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	subs, err := st.GetSubtasks(ctx, taskID)
	if err != nil {
		t.Fatalf("get subtasks: %v", err)
	}
	execID, err := st.CreateExecution(ctx, taskID, subs[0].ID, subs[0].Name, subs[0].Order, "A1", 0)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := st.UpdateExecution(ctx, execID, store.ExecutionStatusRunning, time.Now(), "", "", nil); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/subtask_result", map[string]any{
		"task_id": taskID, "subtask_id": subs[0].ID, "subtask_name": subs[0].Name, "order": subs[0].Order,
		"agent": "A1", "status": "COMPLETED", "result": "host1", "elapsed": 0.1,
	})
	if status != http.StatusOK || !env.Success {
		t.Fatalf("subtask_result: status=%d error=%s", status, env.Error)
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s", task.Status)
	}
}

func TestSubtaskCatalogListsRegisteredKinds(t *testing.T) {
	ts, _ := newTestServer(t)
	status, env := doJSON(t, http.MethodGet, ts.URL+"/api/subtasks", nil)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("subtasks: status=%d error=%s", status, env.Error)
	}
	var kinds []map[string]string
	if err := json.Unmarshal(env.Data, &kinds); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(kinds) != 1 || kinds[0]["name"] != "get_hostname" {
		t.Fatalf("expected [get_hostname], got %v", kinds)
	}
}

func TestSubtaskTestRunsLocally(t *testing.T) {
	ts, _ := newTestServer(t)
	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/subtasks/get_hostname/test", map[string]any{})
	if status != http.StatusOK || !env.Success {
		t.Fatalf("subtask test: status=%d error=%s", status, env.Error)
	}
	var result struct {
		Status string `json:"status"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != "COMPLETED" || result.Result == "" {
		t.Fatalf("expected COMPLETED with non-empty result, got %+v", result)
	}
}
