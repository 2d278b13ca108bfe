// Package fetch coordinates the paginated fetch of one remote collection view.
// It issues a fetch whenever the view's query descriptor changes and commits
// only the response that belongs to the latest descriptor.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/metrics"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
)

// DefaultTimeout bounds a single fetch when the caller configures none.
const DefaultTimeout = 10 * time.Second

// Fetcher performs one remote collection request.
type Fetcher interface {
	Fetch(ctx context.Context, req query.Request) (*model.ListResponse, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req query.Request) (*model.ListResponse, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req query.Request) (*model.ListResponse, error) {
	return f(ctx, req)
}

// Status is the lifecycle position of a view's fetch state.
type Status string

const (
	StatusIdle     Status = "idle"     // Nothing fetched yet, or unmounted
	StatusPending  Status = "pending"  // A fetch for the current descriptor is in flight
	StatusResolved Status = "resolved" // The current descriptor's rows are committed
	StatusRejected Status = "rejected" // The current descriptor's fetch failed
)

// State is the fetch slice of a collection view.
type State struct {
	Status   Status             `json:"status"`
	Rows     []model.RemoteRow  `json:"rows"`
	Error    *model.ErrorDetail `json:"error,omitempty"`
	Metadata model.ListMeta     `json:"metadata"`
}

// Options configures a Coordinator.
type Options struct {
	Collection string        // Collection name used for metrics and logs
	Timeout    time.Duration // Per-fetch timeout
	Logger     *slog.Logger  // Defaults to slog.Default()
}

// Coordinator owns the fetch state of one mounted collection view.
type Coordinator struct {
	key     string
	fetcher Fetcher
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	current   query.Descriptor
	mounted   bool
	gen       uint64
	cancel    context.CancelFunc
	settled   chan struct{}
	discarded atomic.Uint64

	wg sync.WaitGroup
}

// New creates a coordinator that fetches collection key through fetcher.
func New(key string, fetcher Fetcher, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settled := make(chan struct{})
	close(settled)
	return &Coordinator{
		key:     key,
		fetcher: fetcher,
		opts:    opts,
		metrics: metrics.NewMetrics(),
		logger:  logger.With("collection", opts.Collection, "key", key),
		state:   State{Status: StatusIdle},
		settled: settled,
	}
}

// Mount marks the view mounted and issues the initial fetch for d.
func (c *Coordinator) Mount(d query.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		c.metrics.MountedViews.Inc()
	}
	c.mounted = true
	c.issueLocked(d)
}

// Update issues a fetch when d differs by value from the current descriptor.
// It reports whether a fetch was issued.
func (c *Coordinator) Update(d query.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted || query.Equal(c.current, d) {
		return false
	}
	c.issueLocked(d)
	return true
}

// Refresh re-issues the current descriptor.
func (c *Coordinator) Refresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return false
	}
	c.issueLocked(c.current)
	return true
}

// Unmount cancels the in-flight fetch and clears the state entirely.
// Responses arriving afterwards are discarded.
func (c *Coordinator) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mounted {
		c.metrics.MountedViews.Dec()
	}
	c.mounted = false
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = State{Status: StatusIdle}
	c.current = query.Descriptor{}
	c.closeSettledLocked()
}

// State returns a copy of the current fetch state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	st.Rows = append([]model.RemoteRow(nil), c.state.Rows...)
	if c.state.Error != nil {
		e := *c.state.Error
		st.Error = &e
	}
	return st
}

// Descriptor returns the descriptor of the latest issued fetch.
func (c *Coordinator) Descriptor() query.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// Mounted reports whether the view is mounted.
func (c *Coordinator) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// Settled returns a channel closed once the latest issued fetch is committed
// or the view is unmounted.
func (c *Coordinator) Settled() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// Discarded returns how many stale responses were dropped.
func (c *Coordinator) Discarded() uint64 {
	return c.discarded.Load()
}

// Wait blocks until every fetch goroutine has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// issueLocked starts a fetch for d. c.mu must be held.
func (c *Coordinator) issueLocked(d query.Descriptor) {
	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
	}
	c.current = d.Clone()
	c.state.Status = StatusPending
	c.state.Error = nil
	select {
	case <-c.settled:
		c.settled = make(chan struct{})
	default:
		// Waiters on the open channel now wait for this fetch instead.
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	c.cancel = cancel
	req := query.NewRequest(c.key, d)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, gen, req)
	}()
}

// run performs one fetch and hands the outcome to commit.
func (c *Coordinator) run(ctx context.Context, gen uint64, req query.Request) {
	ctx, span := otel.Tracer("patchview-service").Start(ctx, "fetch.Coordinator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", c.opts.Collection),
		attribute.String("key", c.key),
		attribute.Int64("generation", int64(gen)),
		attribute.String("descriptor", req.Descriptor.String()),
	)

	start := time.Now()
	resp, err := c.fetcher.Fetch(ctx, req)
	c.metrics.FetchDuration.WithLabelValues(c.opts.Collection).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
	}

	if !c.commit(gen, resp, err) {
		span.SetAttributes(attribute.Bool("stale", true))
	}
}

// commit applies the outcome of fetch gen if it is still the latest one.
// It reports whether the outcome was applied.
func (c *Coordinator) commit(gen uint64, resp *model.ListResponse, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted || gen != c.gen {
		c.discarded.Add(1)
		c.metrics.StaleDiscardedTotal.WithLabelValues(c.opts.Collection).Inc()
		c.logger.Debug("stale response discarded", "generation", gen, "latest", c.gen, "mounted", c.mounted)
		return false
	}

	if err != nil {
		// Rows and metadata of the previous commit stay visible under the error banner.
		c.state.Status = StatusRejected
		c.state.Error = &model.ErrorDetail{Code: string(errordefs.PV_FETCH_FAILED), Detail: detailOf(err)}
		c.metrics.FetchTotal.WithLabelValues(c.opts.Collection, string(StatusRejected)).Inc()
		c.logger.Warn("collection fetch failed", "error", err, "descriptor", c.current.String())
	} else {
		c.state.Status = StatusResolved
		c.state.Error = nil
		if resp != nil {
			c.state.Rows = resp.Data
			c.state.Metadata = resp.Meta
		} else {
			c.state.Rows = nil
			c.state.Metadata = model.ListMeta{}
		}
		c.metrics.FetchTotal.WithLabelValues(c.opts.Collection, string(StatusResolved)).Inc()
	}
	c.cancel = nil
	c.closeSettledLocked()
	return true
}

func (c *Coordinator) closeSettledLocked() {
	select {
	case <-c.settled:
	default:
		close(c.settled)
	}
}

// Detailer is implemented by errors that carry a remote "detail" message.
type Detailer interface {
	Detail() string
}

func detailOf(err error) string {
	var d Detailer
	if errors.As(err, &d) {
		return d.Detail()
	}
	var e *errordefs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
