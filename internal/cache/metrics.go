package cache

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type cacheMetricsCollection struct {
	buildCount    metric.Int64Counter
	buildDuration metric.Float64Histogram
	getCount      metric.Int64Counter
}

var metrics cacheMetricsCollection

func init() {
	const name = "asyncrefresh/cache"
	meter := otel.Meter(name)

	buildCount, err := meter.Int64Counter(
		"cache/build_count",
		metric.WithDescription("Number of cache entries built"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create build count metric: %w", err))
	}

	buildDuration, err := meter.Float64Histogram(
		"cache/build_duration_seconds",
		metric.WithDescription("Time spent building cache entries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create build duration metric: %w", err))
	}

	getCount, err := meter.Int64Counter(
		"cache/get_count",
		metric.WithDescription("Number of cache reads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create get count metric: %w", err))
	}

	metrics = cacheMetricsCollection{
		buildCount:    buildCount,
		buildDuration: buildDuration,
		getCount:      getCount,
	}
}
