package store

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/link18/tacsync/internal/store"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// newCounter never fails: if the configured meter rejects the instrument
// it falls back to a no-op counter.
func newCounter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
	}
	return c
}
