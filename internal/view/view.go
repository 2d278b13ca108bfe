package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/patchview-go/internal/columns"
	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/fetch"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
	"github.com/RegistryAccord/patchview-go/internal/selection"
)

// Lister is the remote collection client a view fetches through.
type Lister interface {
	List(ctx context.Context, collection, path string, d query.Descriptor) (*model.ListResponse, error)
}

// Options configures a View.
type Options struct {
	FetchTimeout    time.Duration // Per-fetch timeout
	SelectAllLimit  int           // Page size of the select-all fetch
	EnableSelection bool          // Bulk selection and remediation
	OnChange        func(*View)   // Called after state changes that happen outside a handler call
	Logger          *slog.Logger  // Defaults to slog.Default()
}

// Snapshot is the restorable part of a view's state.
type Snapshot struct {
	Collection string                     `json:"collection"`
	ResourceID string                     `json:"resourceId"`
	Descriptor query.Descriptor           `json:"descriptor"`
	Selection  map[string]selection.Entry `json:"selection"`
	Columns    []model.ColumnDescriptor   `json:"columns,omitempty"`
}

// View is one mounted collection view. Every state transition goes through
// the view's dispatch lock.
type View struct {
	def        *Definition
	resourceID string
	opts       Options
	logger     *slog.Logger

	coord      *fetch.Coordinator
	tracker    *selection.Tracker
	bulk       *selection.BulkSelector
	reconciler columns.Reconciler

	mu       sync.Mutex
	external []model.ColumnDescriptor
	bulkErr  *model.ErrorDetail
	bulkGen  uint64
	bulkDone chan struct{}

	bg sync.WaitGroup
}

// New creates an unmounted view of def for resourceID.
func New(def *Definition, resourceID string, lister Lister, opts Options) (*View, error) {
	if def.RequiresResource && resourceID == "" {
		return nil, errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("collection %q requires a resource id", def.Name), "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fetcher := fetch.FetcherFunc(func(ctx context.Context, req query.Request) (*model.ListResponse, error) {
		return lister.List(ctx, def.Name, def.Path(req.ID), req.Descriptor)
	})

	var derive selection.Deriver
	if def.Deriver != nil {
		derive = def.Deriver(resourceID)
	}

	done := make(chan struct{})
	close(done)

	return &View{
		def:        def,
		resourceID: resourceID,
		opts:       opts,
		logger:     logger.With("collection", def.Name, "resource", resourceID),
		coord: fetch.New(resourceID, fetcher, fetch.Options{
			Collection: def.Name,
			Timeout:    opts.FetchTimeout,
			Logger:     logger,
		}),
		tracker: selection.NewTracker(derive),
		bulk:    selection.NewBulkSelector(fetcher, def.Name, opts.SelectAllLimit, logger),
		reconciler: columns.Reconciler{
			Static:        def.Columns,
			Injected:      def.Injected,
			InjectedTitle: def.InjectedTitle,
			Aliases:       def.Aliases,
			Offset:        def.SortOffset,
		},
		bulkDone: done,
	}, nil
}

// Definition returns the collection definition.
func (v *View) Definition() *Definition { return v.def }

// ResourceID returns the collection key.
func (v *View) ResourceID() string { return v.resourceID }

// Mount mounts the view with the collection's default descriptor.
func (v *View) Mount() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.coord.Mount(v.def.DefaultDescriptor())
}

// Restore mounts the view from a snapshot.
func (v *View) Restore(s Snapshot) error {
	if err := s.Descriptor.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tracker.Restore(s.Selection)
	v.external = append([]model.ColumnDescriptor(nil), s.Columns...)
	v.coord.Mount(s.Descriptor)
	return nil
}

// Snapshot captures the restorable state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Snapshot{
		Collection: v.def.Name,
		ResourceID: v.resourceID,
		Descriptor: v.coord.Descriptor(),
		Selection:  v.tracker.Entries(),
		Columns:    append([]model.ColumnDescriptor(nil), v.external...),
	}
}

// ApplyPatch applies p to the current descriptor and refetches when it changed.
func (v *View) ApplyPatch(p query.Patch) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applyLocked(p)
}

func (v *View) applyLocked(p query.Patch) error {
	next := p.Apply(v.coord.Descriptor())
	if err := next.Validate(); err != nil {
		return err
	}
	v.coord.Update(next)
	return nil
}

// OnSort handles the widget's sort callback.
func (v *View) OnSort(columnIndex int, direction string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, err := v.reconciler.SortPatch(v.reconciler.Merge(v.external), columnIndex, direction)
	if err != nil {
		return err
	}
	return v.applyLocked(p)
}

// OnSetPage handles the widget's page change. A perPage of zero keeps the current page size.
func (v *View) OnSetPage(page, perPage int) error {
	if page < 1 {
		return errordefs.New(errordefs.PV_VALIDATION, "page must be at least 1", "")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	current := v.coord.Descriptor()
	if perPage <= 0 {
		perPage = current.Limit
	}
	p := query.SetPage(page, perPage)
	if perPage != current.Limit {
		p.Limit = &perPage
	}
	return v.applyLocked(p)
}

// OnPerPageSelect handles the widget's page size change.
func (v *View) OnPerPageSelect(perPage int) error {
	return v.ApplyPatch(query.SetPerPage(perPage))
}

// OnSearch handles the search text input.
func (v *View) OnSearch(text string) error {
	return v.ApplyPatch(query.SetSearch(text))
}

// OnFilter sets the values of one filter field; no values removes the field.
func (v *View) OnFilter(field string, values ...string) error {
	return v.ApplyPatch(query.SetFilter(field, values...))
}

// OnDeleteChips handles the chip toolbar's delete callback.
func (v *View) OnDeleteChips(chips []model.FilterChip, deleteAll bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applyLocked(query.RemoveChips(chips, deleteAll, v.coord.Descriptor()))
}

// SetExternalColumns records the columns reported by the external widget.
func (v *View) SetExternalColumns(cols []model.ColumnDescriptor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.external = append([]model.ColumnDescriptor(nil), cols...)
}

// Refresh re-issues the current descriptor.
func (v *View) Refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.coord.Refresh()
}

// Unmount tears the view down: the fetch state is cleared, the selection is
// reset and a running select-all result will be dropped.
func (v *View) Unmount() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.coord.Unmount()
	v.tracker.Reset()
	v.bulkGen++
	v.bulkErr = nil
	v.closeBulkDoneLocked()
}

// Mounted reports whether the view is mounted.
func (v *View) Mounted() bool {
	return v.coord.Mounted()
}

// OnSelect handles the widget's selection callback. For "row", rowIndex is
// the position of the row on the current page. "all" starts the select-all
// fetch and returns before it completes.
func (v *View) OnSelect(ctx context.Context, event string, selected bool, rowIndex int) error {
	if !v.opts.EnableSelection {
		return errordefs.New(errordefs.PV_NOT_IMPLEMENTED, "selection is disabled", "")
	}
	scope, err := selection.ParseScope(event)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch scope {
	case selection.ScopeNone:
		v.bulkGen++
		v.bulkErr = nil
		v.closeBulkDoneLocked()
		_, err = v.tracker.ApplyScope(scope, selection.Context{})
		return err

	case selection.ScopePage:
		_, err = v.tracker.ApplyScope(scope, selection.Context{Rows: v.coord.State().Rows})
		return err

	case selection.ScopeRow:
		rows := v.coord.State().Rows
		if rowIndex < 0 || rowIndex >= len(rows) {
			return errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("row index %d out of range", rowIndex), "")
		}
		row := rows[rowIndex]
		_, err = v.tracker.ApplyScope(scope, selection.Context{RowID: row.ID, Selected: selected, Row: &row})
		return err

	default:
		v.startBulkLocked(ctx)
		return nil
	}
}

// startBulkLocked launches the select-all fetch. v.mu must be held.
func (v *View) startBulkLocked(ctx context.Context) {
	v.bulkGen++
	gen := v.bulkGen
	v.bulkErr = nil
	select {
	case <-v.bulkDone:
		v.bulkDone = make(chan struct{})
	default:
	}

	// The request outlives the HTTP call that started it.
	ctx = context.WithoutCancel(ctx)
	results := v.bulk.Start(ctx, query.NewRequest(v.resourceID, v.coord.Descriptor()))

	v.bg.Add(1)
	go func() {
		defer v.bg.Done()
		res := <-results
		v.joinBulk(gen, res)
	}()
}

func (v *View) joinBulk(gen uint64, res selection.BulkResult) {
	v.mu.Lock()
	applied := false
	if gen == v.bulkGen {
		if _, err := selection.Join(v.tracker, res); err != nil {
			v.bulkErr = &model.ErrorDetail{Code: string(errordefs.PV_BULK_SELECT_FAILED), Detail: detailOf(res.Err, err)}
			v.logger.Warn("select all failed", "error", err)
		} else {
			applied = true
		}
	} else {
		v.logger.Debug("select all result dropped", "generation", gen, "latest", v.bulkGen)
	}
	if gen == v.bulkGen {
		v.closeBulkDoneLocked()
	}
	v.mu.Unlock()

	if applied && v.opts.OnChange != nil {
		v.opts.OnChange(v)
	}
}

func (v *View) closeBulkDoneLocked() {
	select {
	case <-v.bulkDone:
	default:
		close(v.bulkDone)
	}
}

// detailOf prefers the remote detail of the fetch error.
func detailOf(cause, wrapped error) string {
	if cause == nil {
		return errordefs.As(wrapped).Message
	}
	var d fetch.Detailer
	if errors.As(cause, &d) {
		return d.Detail()
	}
	return cause.Error()
}

// Settle blocks until the latest fetch is committed and no select-all is running,
// or ctx is done.
func (v *View) Settle(ctx context.Context) error {
	select {
	case <-v.coord.Settled():
	case <-ctx.Done():
		return ctx.Err()
	}
	v.mu.Lock()
	done := v.bulkDone
	v.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every fetch and select-all goroutine has returned.
func (v *View) Wait() {
	v.coord.Wait()
	v.bg.Wait()
}
