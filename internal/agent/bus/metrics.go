package bus

import (
	"sync"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	busMetricsOnce sync.Once
	busDeliveries  otelmetric.Int64Counter
	busLatency     otelmetric.Float64Histogram
)

func initBusMetrics() {
	meter := otel.Meter("newsdesk/agent/bus")
	var err error
	busDeliveries, err = meter.Int64Counter(
		"bus_deliveries_total",
		otelmetric.WithDescription("Agent calls delivered through the message bus"),
	)
	if err != nil {
		zap.L().Warn("bus metrics init", zap.String("instrument", "bus_deliveries_total"), zap.Error(err))
	}
	busLatency, err = meter.Float64Histogram(
		"bus_delivery_seconds",
		otelmetric.WithDescription("Latency of agent calls delivered through the message bus"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		zap.L().Warn("bus metrics init", zap.String("instrument", "bus_delivery_seconds"), zap.Error(err))
	}
}
