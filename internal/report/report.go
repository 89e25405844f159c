// Package report implements the Aggregator/Reporter (C7): the single
// on_task_completed(summary) hook invoked by the Result Collector once a
// task reaches a terminal verdict. Reporters never affect task
// state — a failure here is logged and dropped.
package report

import (
	"context"
	"log/slog"

	"github.com/webgfx/task-sub000/internal/collector"
)

// NullReporter discards every summary. Useful when no downstream
// aggregation is configured.
type NullReporter struct{}

func (NullReporter) OnTaskCompleted(context.Context, collector.Summary) error { return nil }

// LogReporter writes a structured summary line per completed task.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter builds a LogReporter. logger defaults to slog.Default().
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) OnTaskCompleted(_ context.Context, summary collector.Summary) error {
	successfulAgents := 0
	for _, a := range summary.PerAgent {
		if a.OverallSuccess {
			successfulAgents++
		}
	}
	r.logger.Info("task completed",
		"task_id", summary.TaskID,
		"name", summary.Name,
		"verdict", summary.Verdict,
		"elapsed_seconds", summary.ElapsedSec,
		"agents_total", len(summary.PerAgent),
		"agents_succeeded", successfulAgents,
	)
	return nil
}

// Multi fans a completion out to several reporters in sequence, collecting
// (but not short-circuiting on) individual failures.
type Multi struct {
	Reporters []collector.Reporter
}

func (m Multi) OnTaskCompleted(ctx context.Context, summary collector.Summary) error {
	var firstErr error
	for _, r := range m.Reporters {
		if err := r.OnTaskCompleted(ctx, summary); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
