package report_test

import (
	"context"
	"errors"
	"testing"

	"github.com/webgfx/task-sub000/internal/collector"
	"github.com/webgfx/task-sub000/internal/report"
)

type recordingReporter struct {
	calls int
	err   error
}

func (r *recordingReporter) OnTaskCompleted(context.Context, collector.Summary) error {
	r.calls++
	return r.err
}

func TestNullReporterDiscards(t *testing.T) {
	if err := (report.NullReporter{}).OnTaskCompleted(context.Background(), collector.Summary{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestLogReporterNeverErrors(t *testing.T) {
	r := report.NewLogReporter(nil)
	summary := collector.Summary{
		TaskID: 1, Name: "t1", Verdict: "COMPLETED",
		PerAgent: []collector.AgentSummary{{Agent: "A1", OverallSuccess: true, Successful: 1, Total: 1}},
	}
	if err := r.OnTaskCompleted(context.Background(), summary); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestMultiReportsToAllAndReturnsFirstError(t *testing.T) {
	ok := &recordingReporter{}
	failing := &recordingReporter{err: errors.New("boom")}
	m := report.Multi{Reporters: []collector.Reporter{ok, failing, ok}}

	err := m.OnTaskCompleted(context.Background(), collector.Summary{})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if ok.calls != 2 {
		t.Fatalf("expected ok reporter called twice, got %d", ok.calls)
	}
	if failing.calls != 1 {
		t.Fatalf("expected failing reporter called once, got %d", failing.calls)
	}
}
