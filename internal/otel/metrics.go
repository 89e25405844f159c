package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all controller metrics instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	TaskDuration        metric.Float64Histogram
	SubtaskDuration     metric.Float64Histogram
	SubtaskErrors       metric.Int64Counter
	ActiveAgents        metric.Int64UpDownCounter
	DispatchesTotal     metric.Int64Counter
	RetriesTotal        metric.Int64Counter
	PresenceReapsTotal  metric.Int64Counter
	CronOverlapsSkipped metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("controld.request.duration",
		metric.WithDescription("HTTP gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("controld.task.duration",
		metric.WithDescription("Task completion duration in seconds, from dispatch to verdict"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtaskDuration, err = meter.Float64Histogram("controld.subtask.duration",
		metric.WithDescription("Per-subtask execution duration in seconds, as reported by the agent"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtaskErrors, err = meter.Int64Counter("controld.subtask.errors",
		metric.WithDescription("Subtask executions that ended FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("controld.agents.active",
		metric.WithDescription("Number of agents currently FREE or BUSY"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesTotal, err = meter.Int64Counter("controld.dispatches.total",
		metric.WithDescription("Subtask dispatches sent to agents"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("controld.retries.total",
		metric.WithDescription("Subtask executions retried after failure"),
	)
	if err != nil {
		return nil, err
	}

	m.PresenceReapsTotal, err = meter.Int64Counter("controld.presence.reaps",
		metric.WithDescription("Agents reaped to OFFLINE by the presence tracker"),
	)
	if err != nil {
		return nil, err
	}

	m.CronOverlapsSkipped, err = meter.Int64Counter("controld.cron.overlaps_skipped",
		metric.WithDescription("Cron firings skipped because a prior firing was still running"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
