package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all clawmon metrics instruments.
type Metrics struct {
	IngestDuration     metric.Float64Histogram
	EventsIngested     metric.Int64Counter
	MalformedPayloads  metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	WSClients          metric.Int64UpDownCounter
	OfflineTransitions metric.Int64Counter
	SweepDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestDuration, err = meter.Float64Histogram("clawmon.ingest.duration",
		metric.WithDescription("Event ingestion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsIngested, err = meter.Int64Counter("clawmon.events.ingested",
		metric.WithDescription("Total lifecycle events stored, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.MalformedPayloads, err = meter.Int64Counter("clawmon.events.malformed",
		metric.WithDescription("Payloads that failed envelope validation"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("clawmon.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WSClients, err = meter.Int64UpDownCounter("clawmon.ws.clients",
		metric.WithDescription("Number of connected websocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.OfflineTransitions, err = meter.Int64Counter("clawmon.liveness.offline",
		metric.WithDescription("Agents marked offline by the liveness sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("clawmon.liveness.sweep.duration",
		metric.WithDescription("Liveness sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
