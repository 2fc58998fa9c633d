package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all burrow metric instruments.
type Metrics struct {
	RunDuration        metric.Float64Histogram
	RunsStarted        metric.Int64Counter
	RunsFailed         metric.Int64Counter
	RunsTimedOut       metric.Int64Counter
	EnvelopesProcessed metric.Int64Counter
	EnvelopesRejected  metric.Int64Counter
	TasksFired         metric.Int64Counter
	MountsRejected     metric.Int64Counter
	ActiveRuns         metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("burrow.run.duration",
		metric.WithDescription("Container run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("burrow.run.started",
		metric.WithDescription("Container runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("burrow.run.failed",
		metric.WithDescription("Container runs that ended in status error"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTimedOut, err = meter.Int64Counter("burrow.run.timeout",
		metric.WithDescription("Container runs killed by the wall-clock timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesProcessed, err = meter.Int64Counter("burrow.ipc.envelopes",
		metric.WithDescription("IPC envelopes applied"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesRejected, err = meter.Int64Counter("burrow.ipc.rejected",
		metric.WithDescription("IPC envelopes rejected (validation or authorization)"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFired, err = meter.Int64Counter("burrow.task.fired",
		metric.WithDescription("Scheduled tasks dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.MountsRejected, err = meter.Int64Counter("burrow.mount.rejected",
		metric.WithDescription("Mount requests rejected by the validator"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("burrow.run.active",
		metric.WithDescription("Currently active container runs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
