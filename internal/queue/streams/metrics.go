package streams

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	eventsFailed      otelmetric.Int64Counter
	eventsDropped     otelmetric.Int64Counter
	runCost           otelmetric.Float64Histogram
	storyCitations    otelmetric.Int64Histogram
)

func initStreamMetrics() {
	meter := otel.Meter("newsdesk/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Pipeline events appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_published_total: %v", err)
	}
	eventsFailed, err = meter.Int64Counter(
		"stream_events_failed_total",
		otelmetric.WithDescription("Pipeline events Redis refused"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_failed_total: %v", err)
	}
	eventsDropped, err = meter.Int64Counter(
		"stream_events_dropped_total",
		otelmetric.WithDescription("Bus events dropped because the sink buffer was full"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_dropped_total: %v", err)
	}
	runCost, err = meter.Float64Histogram(
		"run_cost_usd",
		otelmetric.WithDescription("Cost of completed daily runs"),
		otelmetric.WithUnit("USD"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: run_cost_usd: %v", err)
	}
	storyCitations, err = meter.Int64Histogram(
		"story_citations",
		otelmetric.WithDescription("Unique citations per completed story"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: story_citations: %v", err)
	}
}

func recordPublished(ctx context.Context, eventType string, payload []byte) {
	streamMetricsOnce.Do(initStreamMetrics)
	attrs := otelmetric.WithAttributes(attribute.String("event_type", eventType))
	if eventsPublished != nil {
		eventsPublished.Add(ctx, 1, attrs)
	}

	switch eventType {
	case EventRunCompleted:
		var doc struct {
			Summary struct {
				Status  string  `json:"status"`
				CostUSD float64 `json:"cost_usd"`
			} `json:"summary"`
		}
		if runCost == nil || json.Unmarshal(payload, &doc) != nil {
			return
		}
		runCost.Record(ctx, doc.Summary.CostUSD, otelmetric.WithAttributes(attribute.String("status", doc.Summary.Status)))
	case EventStoryCompleted:
		var doc struct {
			Category  string `json:"category"`
			Citations int64  `json:"citations"`
		}
		if storyCitations == nil || json.Unmarshal(payload, &doc) != nil {
			return
		}
		storyCitations.Record(ctx, doc.Citations, otelmetric.WithAttributes(attribute.String("category", doc.Category)))
	}
}

func recordFailed(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsFailed != nil {
		eventsFailed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

func recordDropped(ctx context.Context) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsDropped != nil {
		eventsDropped.Add(ctx, 1)
	}
}
