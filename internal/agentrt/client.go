package agentrt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiEnvelope mirrors the controller's HTTP response shape:
// {success, data?, error?}. The heartbeat route answers 200 with an empty
// body, which post treats as success.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// client wraps the REST calls the agent runtime makes against the
// controller (the "Agents" and "Results ingestion" routes). HTTP calls use
// their own request timeout independent of subtask timeouts.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, httpClient *http.Client) *client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &client{baseURL: baseURL, http: httpClient}
}

func (c *client) post(ctx context.Context, path string, body any) (apiEnvelope, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return apiEnvelope{}, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if errors.Is(err, io.EOF) && resp.StatusCode == http.StatusOK {
			return apiEnvelope{Success: true}, nil
		}
		return apiEnvelope{}, fmt.Errorf("decode response from %s: %w", path, err)
	}
	if !env.Success {
		return env, fmt.Errorf("%s rejected: %s", path, env.Error)
	}
	return env, nil
}

func (c *client) register(ctx context.Context, name, address string, capabilities []string, fp Fingerprint) error {
	_, err := c.post(ctx, "/api/agents/register", map[string]any{
		"name": name, "address": address, "capabilities": capabilities, "fingerprint": fp,
	})
	return err
}

func (c *client) heartbeat(ctx context.Context, name, status string, fp Fingerprint) error {
	_, err := c.post(ctx, "/api/agents/heartbeat", map[string]any{
		"name": name, "status": status, "fingerprint": fp,
	})
	return err
}

func (c *client) updateConfig(ctx context.Context, name string, fp Fingerprint) error {
	_, err := c.post(ctx, "/api/agents/update_config", map[string]any{
		"name": name, "fingerprint": fp,
	})
	return err
}

func (c *client) unregister(ctx context.Context, name string) error {
	_, err := c.post(ctx, "/api/agents/unregister", map[string]any{"name": name})
	return err
}

func (c *client) reportExecute(ctx context.Context, taskID, subtaskID int64, agentName string) error {
	_, err := c.post(ctx, "/api/execute", map[string]any{
		"task_id": taskID, "subtask_id": subtaskID, "agent": agentName,
	})
	return err
}

func (c *client) reportSubtaskResult(ctx context.Context, taskID, subtaskID int64, subtaskName string, order int, agentName, status, result, errMsg string, elapsedSeconds float64) error {
	_, err := c.post(ctx, "/api/subtask_result", map[string]any{
		"task_id": taskID, "subtask_id": subtaskID, "subtask_name": subtaskName, "order": order,
		"agent": agentName, "status": status, "result": result, "error": errMsg, "elapsed": elapsedSeconds,
	})
	return err
}
