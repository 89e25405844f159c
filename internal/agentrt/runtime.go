// Package agentrt implements the Agent Runtime (C8): the process that runs
// on each fleet machine, registers with the controller, heartbeats,
// receives dispatches over the persistent event channel, executes them
// under a watchdog, and reports results back over HTTP.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/webgfx/task-sub000/internal/room"
)

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultConfigUpdateInterval = 600 * time.Second
	defaultRegisterBaseDelay    = 1 * time.Second
	defaultRegisterMaxDelay     = 30 * time.Second
	defaultReconnectBaseDelay   = 1 * time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
)

// Config configures a Runtime.
type Config struct {
	ServerURL            string
	MachineName          string
	Address              string
	Capabilities         []string
	HeartbeatInterval    time.Duration
	ConfigUpdateInterval time.Duration
	Sampler              Sampler
	Executors            Executors
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

// subtaskDispatchInbound mirrors dispatch.subtaskDispatchPayload — the wire
// shape the controller's Dispatcher sends over the room.
type subtaskDispatchInbound struct {
	TaskID      int64  `json:"task_id"`
	SubtaskID   int64  `json:"subtask_id"`
	SubtaskName string `json:"subtask_name"`
	Order       int    `json:"order"`
	Args        string `json:"args"`
	Kwargs      string `json:"kwargs"`
	Timeout     int    `json:"timeout"`
}

type taskCancelledInbound struct {
	TaskID int64 `json:"task_id"`
}

// Runtime is one agent process's controller connection and execution
// discipline. Exactly one subtask may be RUNNING at a time.
type Runtime struct {
	cfg       Config
	api       *client
	sampler   Sampler
	executors Executors
	logger    *slog.Logger

	busyMu      sync.Mutex
	busy        bool
	runningTask int64
	cancelJob   context.CancelFunc

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// New builds a Runtime, applying defaults for zero-valued Config fields.
func New(cfg Config) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ConfigUpdateInterval <= 0 {
		cfg.ConfigUpdateInterval = DefaultConfigUpdateInterval
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = DefaultSampler{}
	}
	executors := cfg.Executors
	if executors == nil {
		executors = DefaultExecutors()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:       cfg,
		api:       newClient(cfg.ServerURL, cfg.HTTPClient),
		sampler:   sampler,
		executors: executors,
		logger:    logger,
	}
}

// Run registers with the controller, then blocks running the heartbeat,
// config-update, and persistent-channel loops until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.registerWithRetry(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); rt.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); rt.configUpdateLoop(ctx) }()
	go func() { defer wg.Done(); rt.channelLoop(ctx) }()
	wg.Wait()
	return nil
}

func (rt *Runtime) registerWithRetry(ctx context.Context) error {
	delay := defaultRegisterBaseDelay
	for {
		fp, err := rt.sampler.Sample(ctx)
		if err == nil {
			err = rt.api.register(ctx, rt.cfg.MachineName, rt.cfg.Address, rt.cfg.Capabilities, fp)
		}
		if err == nil {
			rt.logger.Info("agentrt: registered", "name", rt.cfg.MachineName)
			return nil
		}
		rt.logger.Warn("agentrt: register failed, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > defaultRegisterMaxDelay {
			delay = defaultRegisterMaxDelay
		}
	}
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fp, err := rt.sampler.Sample(ctx)
			if err != nil {
				rt.logger.Warn("agentrt: fingerprint sample failed", "error", err)
				continue
			}
			if err := rt.api.heartbeat(ctx, rt.cfg.MachineName, rt.status(), fp); err != nil {
				rt.logger.Warn("agentrt: heartbeat failed", "error", err)
			}
		}
	}
}

func (rt *Runtime) configUpdateLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.ConfigUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fp, err := rt.sampler.Sample(ctx)
			if err != nil {
				rt.logger.Warn("agentrt: fingerprint sample failed", "error", err)
				continue
			}
			if err := rt.api.updateConfig(ctx, rt.cfg.MachineName, fp); err != nil {
				rt.logger.Warn("agentrt: update_config failed", "error", err)
			}
		}
	}
}

func (rt *Runtime) status() string {
	rt.busyMu.Lock()
	defer rt.busyMu.Unlock()
	if rt.busy {
		return "busy"
	}
	return "idle"
}

// channelLoop dials the persistent event channel and, on disconnect,
// re-registers and reconnects with exponential backoff: the wait doubles
// after each disconnect, capped at defaultReconnectMaxDelay.
func (rt *Runtime) channelLoop(ctx context.Context) {
	delay := defaultReconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if err := rt.connectAndServe(ctx); err != nil {
			rt.logger.Warn("agentrt: channel disconnected, reconnecting", "error", err, "delay", delay)
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > defaultReconnectMaxDelay {
			delay = defaultReconnectMaxDelay
		}

		if err := rt.registerWithRetry(ctx); err != nil {
			return
		}
	}
}

func (rt *Runtime) wsURL() string {
	url := rt.cfg.ServerURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/ws/agent?agent=" + rt.cfg.MachineName
}

func (rt *Runtime) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, rt.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	rt.wsMu.Lock()
	rt.ws = conn
	rt.wsMu.Unlock()
	defer func() {
		rt.wsMu.Lock()
		rt.ws = nil
		rt.wsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if err := rt.send(ctx, "join_room", map[string]any{"name": rt.cfg.MachineName}); err != nil {
		return fmt.Errorf("join_room: %w", err)
	}
	rt.logger.Info("agentrt: channel connected", "name", rt.cfg.MachineName)

	for {
		var env room.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		rt.handleEnvelope(ctx, env)
	}
}

func (rt *Runtime) send(ctx context.Context, kind string, payload any) error {
	rt.wsMu.Lock()
	conn := rt.ws
	rt.wsMu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel not connected")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, room.Envelope{Kind: kind, Payload: raw})
}

func (rt *Runtime) handleEnvelope(ctx context.Context, env room.Envelope) {
	switch env.Kind {
	case "ping":
		fp, err := rt.sampler.Sample(ctx)
		if err != nil {
			rt.logger.Warn("agentrt: fingerprint sample failed", "error", err)
			return
		}
		if err := rt.send(ctx, "pong", fp); err != nil {
			rt.logger.Warn("agentrt: pong send failed", "error", err)
		}
	case "subtask_dispatch":
		var d subtaskDispatchInbound
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			rt.logger.Warn("agentrt: bad subtask_dispatch payload", "error", err)
			return
		}
		rt.handleDispatch(ctx, d)
	case "task_cancelled":
		var c taskCancelledInbound
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			rt.logger.Warn("agentrt: bad task_cancelled payload", "error", err)
			return
		}
		rt.handleCancel(c.TaskID)
	}
}

// handleDispatch enforces the one-subtask-in-flight discipline: a dispatch
// that arrives while busy is NACK'd by immediately reporting a FAILED
// result, letting the controller's retry/reassignment policy take over.
func (rt *Runtime) handleDispatch(ctx context.Context, d subtaskDispatchInbound) {
	rt.busyMu.Lock()
	if rt.busy {
		rt.busyMu.Unlock()
		rt.logger.Warn("agentrt: dispatch rejected, agent busy", "task_id", d.TaskID, "subtask", d.SubtaskName)
		if err := rt.api.reportSubtaskResult(ctx, d.TaskID, d.SubtaskID, d.SubtaskName, d.Order,
			rt.cfg.MachineName, "FAILED", "", "agent_busy", 0); err != nil {
			rt.logger.Warn("agentrt: report agent_busy failed", "error", err)
		}
		return
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	if d.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, time.Duration(d.Timeout)*time.Second)
	}
	rt.busy = true
	rt.runningTask = d.TaskID
	rt.cancelJob = cancel
	rt.busyMu.Unlock()

	go rt.runJob(jobCtx, d)
}

func (rt *Runtime) runJob(ctx context.Context, d subtaskDispatchInbound) {
	defer func() {
		rt.busyMu.Lock()
		rt.busy = false
		rt.runningTask = 0
		rt.cancelJob = nil
		rt.busyMu.Unlock()
	}()

	if err := rt.api.reportExecute(context.Background(), d.TaskID, d.SubtaskID, rt.cfg.MachineName); err != nil {
		rt.logger.Warn("agentrt: report execute failed", "error", err)
	}

	job, ok := rt.executors[d.SubtaskName]
	if !ok {
		rt.report(d, "FAILED", "", fmt.Sprintf("no executor registered for kind %q", d.SubtaskName), 0)
		return
	}

	start := time.Now()
	result, err := job(ctx, []byte(d.Args), []byte(d.Kwargs))
	elapsed := time.Since(start).Seconds()

	if ctx.Err() != nil {
		rt.report(d, "CANCELLED", result, "interrupted", elapsed)
		return
	}
	if err != nil {
		rt.report(d, "FAILED", result, err.Error(), elapsed)
		return
	}
	rt.report(d, "COMPLETED", result, "", elapsed)
}

func (rt *Runtime) report(d subtaskDispatchInbound, status, result, errMsg string, elapsed float64) {
	if err := rt.api.reportSubtaskResult(context.Background(), d.TaskID, d.SubtaskID, d.SubtaskName, d.Order,
		rt.cfg.MachineName, status, result, errMsg, elapsed); err != nil {
		rt.logger.Warn("agentrt: report subtask result failed", "error", err, "task_id", d.TaskID)
	}
}

// handleCancel interrupts the running job if it belongs to taskID.
// Completion is observed and reported by runJob itself once ctx.Err() is set.
func (rt *Runtime) handleCancel(taskID int64) {
	rt.busyMu.Lock()
	defer rt.busyMu.Unlock()
	if rt.busy && rt.runningTask == taskID && rt.cancelJob != nil {
		rt.cancelJob()
	}
}
