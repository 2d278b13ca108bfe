package selection

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/fetch"
	"github.com/RegistryAccord/patchview-go/internal/metrics"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
)

// DefaultSelectAllLimit is the page size used to fetch the full result set.
const DefaultSelectAllLimit = 999999

// BulkResult is the outcome of one select-all fetch.
type BulkResult struct {
	Rows  []model.RemoteRow
	Total int
	Err   error
}

// BulkSelector runs the "select all" fetch. It shares the view's fetcher but
// never writes the view's fetch state.
type BulkSelector struct {
	fetcher    fetch.Fetcher
	collection string
	limit      int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewBulkSelector creates a bulk selector.
//
// Parameters:
//   - fetcher: Fetcher shared with the view's coordinator
//   - collection: Collection name used for metrics
//   - limit: Page size of the unbounded fetch; zero selects DefaultSelectAllLimit
//   - logger: Logger, nil for slog.Default()
//
// Returns:
//   - *BulkSelector: The bulk selector
func NewBulkSelector(fetcher fetch.Fetcher, collection string, limit int, logger *slog.Logger) *BulkSelector {
	if limit <= 0 {
		limit = DefaultSelectAllLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkSelector{
		fetcher:    fetcher,
		collection: collection,
		limit:      limit,
		metrics:    metrics.NewMetrics(),
		logger:     logger.With("collection", collection),
	}
}

// Request derives the select-all request from the view's current request:
// same id, filter, search and sort, offset 0 and the select-all limit.
func (b *BulkSelector) Request(current query.Request) query.Request {
	d := current.Descriptor.Clone()
	d.Limit = b.limit
	d.Offset = 0
	return query.NewRequest(current.ID, d)
}

// Start runs the select-all fetch for current on its own goroutine.
// The returned channel receives exactly one result and is then closed.
func (b *BulkSelector) Start(ctx context.Context, current query.Request) <-chan BulkResult {
	out := make(chan BulkResult, 1)
	req := b.Request(current)
	go func() {
		defer close(out)
		out <- b.run(ctx, req)
	}()
	return out
}

func (b *BulkSelector) run(ctx context.Context, req query.Request) BulkResult {
	ctx, span := otel.Tracer("patchview-service").Start(ctx, "selection.BulkSelector.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", b.collection),
		attribute.String("key", req.ID),
		attribute.Int("limit", req.Limit),
	)

	start := time.Now()
	resp, err := b.fetcher.Fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select all failed")
		b.metrics.BulkSelectTotal.WithLabelValues(b.collection, "rejected").Inc()
		b.logger.Warn("select all fetch failed", "error", err, "duration", time.Since(start))
		return BulkResult{Err: err}
	}
	if resp == nil {
		resp = &model.ListResponse{}
	}
	b.metrics.BulkSelectTotal.WithLabelValues(b.collection, "resolved").Inc()
	span.SetAttributes(attribute.Int("rows", len(resp.Data)))
	return BulkResult{Rows: resp.Data, Total: resp.Meta.TotalItems}
}

// Join applies a finished select-all result to t. A failed result leaves t
// untouched and is reported as PV_BULK_SELECT_FAILED.
func Join(t *Tracker, res BulkResult) (Patch, error) {
	if res.Err != nil {
		return nil, errordefs.Wrap(errordefs.PV_BULK_SELECT_FAILED, "select all failed", res.Err)
	}
	p, err := t.ApplyScope(ScopeAll, Context{Rows: res.Rows})
	if err != nil {
		return nil, errordefs.Wrap(errordefs.PV_BULK_SELECT_FAILED, "select all returned unusable rows", err)
	}
	return p, nil
}
