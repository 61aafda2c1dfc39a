package transport

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type transportMetricsCollection struct {
	requestCount metric.Int64Counter
	batchSize    metric.Int64Histogram
	retryCount   metric.Int64Counter
	cacheHits    metric.Int64Counter
}

func setupTransportMetrics(meter metric.Meter) (transportMetricsCollection, error) {
	requestCount, err := meter.Int64Counter("transport/request_count")
	if err != nil {
		return transportMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	batchSize, err := meter.Int64Histogram(
		"transport/batch_size",
		metric.WithDescription("Number of queries sent in a single network request"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 20, 50),
	)
	if err != nil {
		return transportMetricsCollection{}, fmt.Errorf("failed to create batch size metric: %w", err)
	}

	retryCount, err := meter.Int64Counter("transport/retry_count")
	if err != nil {
		return transportMetricsCollection{}, fmt.Errorf("failed to create retry count metric: %w", err)
	}

	cacheHits, err := meter.Int64Counter("transport/cache_hits")
	if err != nil {
		return transportMetricsCollection{}, fmt.Errorf("failed to create cache hits metric: %w", err)
	}

	return transportMetricsCollection{
		requestCount: requestCount,
		batchSize:    batchSize,
		retryCount:   retryCount,
		cacheHits:    cacheHits,
	}, nil
}
