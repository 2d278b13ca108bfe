package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/patchview-go/internal/metrics"
)

// instrumented records metrics and spans around every Store call.
type instrumented struct {
	next    Store
	metrics *metrics.Metrics
}

// Instrument wraps s with Prometheus metrics and tracing.
func Instrument(s Store) Store {
	return &instrumented{next: s, metrics: metrics.NewMetrics()}
}

func (i *instrumented) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("patchview-service").Start(ctx, "storage."+op)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("status", status))
	i.metrics.SnapshotOperationTotal.WithLabelValues(op, status).Inc()
	i.metrics.SnapshotOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	return err
}

func (i *instrumented) PutSnapshot(ctx context.Context, s Snapshot) error {
	return i.observe(ctx, "put", func(ctx context.Context) error {
		return i.next.PutSnapshot(ctx, s)
	})
}

func (i *instrumented) GetSnapshot(ctx context.Context, viewID string) (*Snapshot, error) {
	var out *Snapshot
	err := i.observe(ctx, "get", func(ctx context.Context) error {
		var err error
		out, err = i.next.GetSnapshot(ctx, viewID)
		return err
	})
	return out, err
}

func (i *instrumented) DeleteSnapshot(ctx context.Context, viewID string) error {
	return i.observe(ctx, "delete", func(ctx context.Context) error {
		return i.next.DeleteSnapshot(ctx, viewID)
	})
}

func (i *instrumented) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := i.observe(ctx, "purge", func(ctx context.Context) error {
		var err error
		n, err = i.next.DeleteExpired(ctx, now)
		return err
	})
	return n, err
}

func (i *instrumented) Ping(ctx context.Context) error {
	return i.next.Ping(ctx)
}

func (i *instrumented) Close() {
	i.next.Close()
}
