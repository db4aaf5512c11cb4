package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the warren metric instruments.
type Metrics struct {
	ActiveContainers  metric.Int64UpDownCounter
	ContainersStarted metric.Int64Counter
	MessageRetries    metric.Int64Counter
	TaskRunDuration   metric.Float64Histogram
	WaitingGroups     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveContainers, err = meter.Int64UpDownCounter("warren.containers.active",
		metric.WithDescription("Containers currently holding a concurrency slot"),
	)
	if err != nil {
		return nil, err
	}

	m.ContainersStarted, err = meter.Int64Counter("warren.containers.started",
		metric.WithDescription("Total containers launched across both lanes (no per-lane breakdown)"),
	)
	if err != nil {
		return nil, err
	}

	m.MessageRetries, err = meter.Int64Counter("warren.queue.message_retries",
		metric.WithDescription("Message-lane retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunDuration, err = meter.Float64Histogram("warren.task.run_duration",
		metric.WithDescription("Scheduled-task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WaitingGroups, err = meter.Int64UpDownCounter("warren.queue.waiting_groups",
		metric.WithDescription("Groups deferred because all slots were busy"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
