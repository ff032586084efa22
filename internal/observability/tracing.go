package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SyncMetrics holds sync engine metrics
type SyncMetrics struct {
	batchesCreated   metric.Int64Counter
	photosCollected  metric.Int64Counter
	syncRuns         metric.Int64Counter
	photoDownloads   metric.Int64Counter
	downloadFailures metric.Int64Counter
	queueDepth       metric.Int64UpDownCounter
}

// NewSyncMetrics creates sync engine metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	batchesCreated, err := meter.Int64Counter(
		"syncengine.batches.created",
		metric.WithDescription("Total number of review batches created"),
		metric.WithUnit("{batches}"),
	)
	if err != nil {
		return nil, err
	}

	photosCollected, err := meter.Int64Counter(
		"syncengine.photos.collected",
		metric.WithDescription("Total number of photos collected for review"),
		metric.WithUnit("{photos}"),
	)
	if err != nil {
		return nil, err
	}

	syncRuns, err := meter.Int64Counter(
		"syncengine.sync.runs",
		metric.WithDescription("Total number of sync runs"),
		metric.WithUnit("{runs}"),
	)
	if err != nil {
		return nil, err
	}

	photoDownloads, err := meter.Int64Counter(
		"syncengine.photo.downloads",
		metric.WithDescription("Total number of remote photo downloads"),
		metric.WithUnit("{downloads}"),
	)
	if err != nil {
		return nil, err
	}

	downloadFailures, err := meter.Int64Counter(
		"syncengine.photo.download_failures",
		metric.WithDescription("Total number of failed remote photo downloads"),
		metric.WithUnit("{failures}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"syncengine.download.queue_depth",
		metric.WithDescription("Number of in-flight photo downloads"),
		metric.WithUnit("{downloads}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		batchesCreated:   batchesCreated,
		photosCollected:  photosCollected,
		syncRuns:         syncRuns,
		photoDownloads:   photoDownloads,
		downloadFailures: downloadFailures,
		queueDepth:       queueDepth,
	}, nil
}

// RecordBatchCreated records a new review batch and its photo count
func (m *SyncMetrics) RecordBatchCreated(ctx context.Context, source string, photoCount int) {
	attrs := []attribute.KeyValue{
		attribute.String("sync.source", source),
	}
	m.batchesCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.photosCollected.Add(ctx, int64(photoCount), metric.WithAttributes(attrs...))
}

// RecordSyncRun records a completed sync run
func (m *SyncMetrics) RecordSyncRun(ctx context.Context, runType string, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("sync.run_type", runType),
		attribute.Bool("success", success),
	}
	m.syncRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDownload records a remote photo download attempt
func (m *SyncMetrics) RecordDownload(ctx context.Context, success bool) {
	if success {
		m.photoDownloads.Add(ctx, 1)
	} else {
		m.downloadFailures.Add(ctx, 1)
	}
}

// DownloadStarted tracks a download entering the queue
func (m *SyncMetrics) DownloadStarted(ctx context.Context) {
	m.queueDepth.Add(ctx, 1)
}

// DownloadFinished tracks a download leaving the queue
func (m *SyncMetrics) DownloadFinished(ctx context.Context) {
	m.queueDepth.Add(ctx, -1)
}
