package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/RegistryAccord/patchview-go/internal/columns"
	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/fetch"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
	"github.com/RegistryAccord/patchview-go/internal/selection"
)

type listCall struct {
	path string
	d    query.Descriptor
}

// fakeLister serves a fixed set of systems, paginated by the descriptor.
type fakeLister struct {
	mu       sync.Mutex
	calls    []listCall
	systems  []model.RemoteRow
	failBulk bool
}

func newFakeLister(n int) *fakeLister {
	f := &fakeLister{}
	for i := 0; i < n; i++ {
		f.systems = append(f.systems, model.RemoteRow{
			ID:   fmt.Sprintf("sys-%02d", i),
			Type: "system",
			Attributes: map[string]interface{}{
				"display_name":   fmt.Sprintf("host-%02d", i),
				"installed_evra": "1.1.1-1.el8",
				"available_evra": "1.1.1-8.el8",
			},
		})
	}
	return f
}

func (f *fakeLister) List(ctx context.Context, collection, path string, d query.Descriptor) (*model.ListResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, listCall{path: path, d: d.Clone()})
	f.mu.Unlock()

	if d.Limit == selection.DefaultSelectAllLimit && f.failBulk {
		return nil, errors.New("select all timed out")
	}
	start := min(d.Offset, len(f.systems))
	end := min(start+d.Limit, len(f.systems))
	return &model.ListResponse{
		Data: f.systems[start:end],
		Meta: model.ListMeta{TotalItems: len(f.systems), Limit: d.Limit, Offset: d.Offset, Sort: d.Sort},
	}, nil
}

func (f *fakeLister) lastCall() listCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func settle(t *testing.T, v *View) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := v.Settle(ctx); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
}

func mountPackageSystems(t *testing.T, lister Lister, enable bool) *View {
	t.Helper()
	def, err := Lookup(CollectionPackageSystems)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	v, err := New(def, "openssl", lister, Options{EnableSelection: enable})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	v.Mount()
	settle(t, v)
	return v
}

func TestLookup(t *testing.T) {
	if _, err := Lookup("packages-nope"); !errordefs.Is(err, errordefs.PV_NOT_FOUND) {
		t.Errorf("Lookup(unknown) error = %v, want PV_NOT_FOUND", err)
	}
	want := []string{CollectionAdvisories, CollectionPackageSystems, CollectionSystems}
	if diff := cmp.Diff(want, Collections()); diff != "" {
		t.Errorf("Collections() mismatch (-want +got):\n%s", diff)
	}
	for _, name := range Collections() {
		def, _ := Lookup(name)
		if diff := cmp.Diff([]string{ReadPermission}, def.RequiredPermissions); diff != "" {
			t.Errorf("%s permissions mismatch (-want +got):\n%s", name, diff)
		}
	}

	def, _ := Lookup(CollectionPackageSystems)
	if _, err := New(def, "", newFakeLister(0), Options{}); !errordefs.Is(err, errordefs.PV_VALIDATION) {
		t.Errorf("New() without package name error = %v, want PV_VALIDATION", err)
	}
	if got := def.Path("kernel rt"); got != "/packages/kernel%20rt/systems" {
		t.Errorf("Path() = %q", got)
	}
}

// TestMountFetchesPackageSystems checks the initial request and the assembled props.
func TestMountFetchesPackageSystems(t *testing.T) {
	lister := newFakeLister(45)
	v := mountPackageSystems(t, lister, false)

	call := lister.lastCall()
	if call.path != "/packages/openssl/systems" || call.d.Limit != query.DefaultLimit || call.d.Offset != 0 {
		t.Errorf("initial request = %+v", call)
	}

	p := v.Props()
	if !p.IsLoaded || p.Status != fetch.StatusResolved {
		t.Errorf("isLoaded = %v, status = %v", p.IsLoaded, p.Status)
	}
	if p.Page != 1 || p.PerPage != 20 || p.Total != 45 || len(p.Items) != 20 {
		t.Errorf("page %d perPage %d total %d items %d, want 1 20 45 20", p.Page, p.PerPage, p.Total, len(p.Items))
	}
	if p.BulkSelect != nil || p.Remediable {
		t.Errorf("bulk select rendered while selection is disabled")
	}
	if p.SortBy != nil {
		t.Errorf("sortBy = %+v, want none for an unsorted view", p.SortBy)
	}
	if got := p.Columns[len(p.Columns)-1].Key; got != "last_upload" {
		t.Errorf("last column key = %q, want last_upload", got)
	}
	if diff := cmp.Diff([]any{"host-00", "1.1.1-1.el8", "1.1.1-8.el8", nil}, p.Items[0].Cells); diff != "" {
		t.Errorf("cells mismatch (-want +got):\n%s", diff)
	}

	if err := v.OnSelect(context.Background(), "page", true, 0); !errordefs.Is(err, errordefs.PV_NOT_IMPLEMENTED) {
		t.Errorf("OnSelect() with selection disabled error = %v, want PV_NOT_IMPLEMENTED", err)
	}
	if _, err := v.Remediation(); !errordefs.Is(err, errordefs.PV_NOT_IMPLEMENTED) {
		t.Errorf("Remediation() with selection disabled error = %v, want PV_NOT_IMPLEMENTED", err)
	}
}

// TestPagingAndSorting drives the widget callbacks through the descriptor.
func TestPagingAndSorting(t *testing.T) {
	lister := newFakeLister(45)
	v := mountPackageSystems(t, lister, false)

	if err := v.OnSetPage(3, 0); err != nil {
		t.Fatalf("OnSetPage() error = %v", err)
	}
	settle(t, v)
	if p := v.Props(); p.Page != 3 || len(p.Items) != 5 {
		t.Errorf("page 3: page = %d, items = %d, want 3, 5", p.Page, len(p.Items))
	}

	if err := v.OnSort(3, columns.DirectionDesc); err != nil {
		t.Fatalf("OnSort() error = %v", err)
	}
	settle(t, v)
	call := lister.lastCall()
	if call.d.Sort != "-last_upload" || call.d.Offset != 40 {
		t.Errorf("sorted request = %+v, want sort -last_upload at offset 40", call.d)
	}
	p := v.Props()
	if diff := cmp.Diff(&columns.SortBy{ColumnIndex: 3, Direction: columns.DirectionDesc}, p.SortBy); diff != "" {
		t.Errorf("sortBy mismatch (-want +got):\n%s", diff)
	}

	if err := v.OnSearch("host-1"); err != nil {
		t.Fatalf("OnSearch() error = %v", err)
	}
	settle(t, v)
	if call := lister.lastCall(); call.d.Offset != 0 || call.d.Search != "host-1" {
		t.Errorf("search request = %+v, want offset reset to 0", call.d)
	}

	if err := v.OnPerPageSelect(0); !errordefs.Is(err, errordefs.PV_VALIDATION) {
		t.Errorf("OnPerPageSelect(0) error = %v, want PV_VALIDATION", err)
	}
	if err := v.OnSort(0, columns.DirectionAsc); !errordefs.Is(err, errordefs.PV_VALIDATION) {
		t.Errorf("OnSort() on the selection column error = %v, want PV_VALIDATION", err)
	}
}

// TestFilterChipsRoundTrip checks chips and filter controls follow the descriptor.
func TestFilterChipsRoundTrip(t *testing.T) {
	lister := newFakeLister(5)
	v := mountPackageSystems(t, lister, false)

	if err := v.OnFilter("status", "applicable"); err != nil {
		t.Fatalf("OnFilter() error = %v", err)
	}
	if err := v.OnSearch("host"); err != nil {
		t.Fatalf("OnSearch() error = %v", err)
	}
	settle(t, v)

	p := v.Props()
	wantChips := []model.FilterChip{
		{Label: "status", Value: "applicable", RemoveKey: "status"},
		{Label: query.SearchLabel, Value: "host", RemoveKey: query.SearchKey},
	}
	if diff := cmp.Diff(wantChips, p.ActiveFiltersConfig.Filters); diff != "" {
		t.Errorf("chips mismatch (-want +got):\n%s", diff)
	}
	for _, c := range p.FilterConfig.Items {
		switch c.Key {
		case query.SearchKey:
			if diff := cmp.Diff([]string{"host"}, c.Value); diff != "" {
				t.Errorf("search control value mismatch (-want +got):\n%s", diff)
			}
		case "status":
			if diff := cmp.Diff([]string{"applicable"}, c.Value); diff != "" {
				t.Errorf("status control value mismatch (-want +got):\n%s", diff)
			}
		}
	}

	if err := v.OnDeleteChips(nil, true); err != nil {
		t.Fatalf("OnDeleteChips() error = %v", err)
	}
	settle(t, v)
	if chips := v.Props().ActiveFiltersConfig.Filters; len(chips) != 0 {
		t.Errorf("chips after delete all = %v", chips)
	}
}

// TestSelectionFlow selects a page, deselects a row and builds the remediation.
func TestSelectionFlow(t *testing.T) {
	lister := newFakeLister(45)
	v := mountPackageSystems(t, lister, true)
	ctx := context.Background()

	if err := v.OnSelect(ctx, "page", true, 0); err != nil {
		t.Fatalf("OnSelect(page) error = %v", err)
	}
	if err := v.OnSelect(ctx, "row", false, 1); err != nil {
		t.Fatalf("OnSelect(row) error = %v", err)
	}

	p := v.Props()
	if p.BulkSelect == nil {
		t.Fatalf("bulkSelect missing with selection enabled")
	}
	if p.BulkSelect.Count != 19 || p.BulkSelect.Checked != nil {
		t.Errorf("bulkSelect count = %d checked = %v, want 19 and indeterminate", p.BulkSelect.Count, p.BulkSelect.Checked)
	}
	wantItems := []BulkItem{
		{Title: "Select none (0)", Event: "none"},
		{Title: "Select page (20)", Event: "page"},
		{Title: "Select all (45)", Event: "all"},
	}
	if diff := cmp.Diff(wantItems, p.BulkSelect.Items); diff != "" {
		t.Errorf("bulk items mismatch (-want +got):\n%s", diff)
	}
	if p.Items[1].Selected || !p.Items[0].Selected {
		t.Errorf("row selection flags = %v, %v, want true, false", p.Items[0].Selected, p.Items[1].Selected)
	}

	// Selection survives paging away.
	if err := v.OnSetPage(2, 20); err != nil {
		t.Fatalf("OnSetPage() error = %v", err)
	}
	settle(t, v)
	if got := v.Props().BulkSelect.Count; got != 19 {
		t.Errorf("count after paging = %d, want 19", got)
	}

	// Nor do sorting, filtering, searching or clearing chips drop it.
	changes := []struct {
		name string
		fn   func() error
	}{
		{"sort", func() error { return v.OnSort(1, "asc") }},
		{"filter", func() error { return v.OnFilter("status", "applicable") }},
		{"search", func() error { return v.OnSearch("host-1") }},
		{"delete chips", func() error { return v.OnDeleteChips(nil, true) }},
	}
	for _, c := range changes {
		if err := c.fn(); err != nil {
			t.Fatalf("%s error = %v", c.name, err)
		}
		settle(t, v)
		if got := v.Props().BulkSelect.Count; got != 19 {
			t.Errorf("count after %s = %d, want 19", c.name, got)
		}
	}

	r, err := v.Remediation()
	if err != nil {
		t.Fatalf("Remediation() error = %v", err)
	}
	if len(r.Issues) != 1 || r.Issues[0].ID != "patch-package:openssl-1.1.1-8.el8" || len(r.Issues[0].Systems) != 19 {
		t.Errorf("remediation = %+v", r)
	}

	if err := v.OnSelect(ctx, "row", true, 99); !errordefs.Is(err, errordefs.PV_VALIDATION) {
		t.Errorf("OnSelect(row 99) error = %v, want PV_VALIDATION", err)
	}
	if err := v.OnSelect(ctx, "none", false, 0); err != nil {
		t.Fatalf("OnSelect(none) error = %v", err)
	}
	if c := v.Props().BulkSelect.Checked; c == nil || *c {
		t.Errorf("checked after none = %v, want false", c)
	}
	if _, err := v.Remediation(); !errordefs.Is(err, errordefs.PV_VALIDATION) {
		t.Errorf("Remediation() with nothing selected error = %v, want PV_VALIDATION", err)
	}
}

// TestPackageSystemsDeriver checks rows without an available update cannot be selected.
func TestPackageSystemsDeriver(t *testing.T) {
	def, _ := Lookup(CollectionPackageSystems)
	derive := def.Deriver("openssl")

	e, ok := derive(model.RemoteRow{ID: "sys-1", Attributes: map[string]interface{}{"available_evra": "1.1.1-8.el8"}})
	if !ok || e.Payload != "openssl-1.1.1-8.el8" {
		t.Errorf("derive(with evra) = %+v, %v, want openssl-1.1.1-8.el8, true", e, ok)
	}
	for _, attrs := range []map[string]interface{}{nil, {"available_evra": ""}, {"available_evra": nil}} {
		if e, ok := derive(model.RemoteRow{ID: "sys-2", Attributes: attrs}); ok {
			t.Errorf("derive(%v) = %+v, true, want not selectable", attrs, e)
		}
	}
}

// TestSelectAll checks the select-all task joins the tracker without touching fetch state.
func TestSelectAll(t *testing.T) {
	lister := newFakeLister(45)
	changed := make(chan struct{}, 1)
	def, _ := Lookup(CollectionPackageSystems)
	v, err := New(def, "openssl", lister, Options{EnableSelection: true, OnChange: func(*View) { changed <- struct{}{} }})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	v.Mount()
	settle(t, v)

	if err := v.OnSelect(context.Background(), "all", true, 0); err != nil {
		t.Fatalf("OnSelect(all) error = %v", err)
	}
	settle(t, v)
	v.Wait()

	p := v.Props()
	if p.BulkSelect.Count != 45 || p.BulkSelect.Checked == nil || !*p.BulkSelect.Checked {
		t.Errorf("after select all: count = %d checked = %v, want 45 true", p.BulkSelect.Count, p.BulkSelect.Checked)
	}
	if len(p.Items) != 20 || p.Page != 1 {
		t.Errorf("select all changed the rendered page: items = %d page = %d", len(p.Items), p.Page)
	}
	select {
	case <-changed:
	default:
		t.Errorf("OnChange not called after select all")
	}
}

func TestSelectAllFailure(t *testing.T) {
	lister := newFakeLister(45)
	lister.failBulk = true
	v := mountPackageSystems(t, lister, true)

	if err := v.OnSelect(context.Background(), "row", true, 0); err != nil {
		t.Fatalf("OnSelect(row) error = %v", err)
	}
	if err := v.OnSelect(context.Background(), "all", true, 0); err != nil {
		t.Fatalf("OnSelect(all) error = %v", err)
	}
	settle(t, v)
	v.Wait()

	p := v.Props()
	if p.BulkError == nil || p.BulkError.Code != "PV_BULK_SELECT_FAILED" || p.BulkError.Detail != "select all timed out" {
		t.Errorf("bulkError = %+v", p.BulkError)
	}
	if p.BulkSelect.Count != 1 {
		t.Errorf("count after failed select all = %d, want 1", p.BulkSelect.Count)
	}
	if p.Status != fetch.StatusResolved || p.Error != nil {
		t.Errorf("fetch state touched by select all: status = %v error = %v", p.Status, p.Error)
	}
}

// TestSnapshotRestore checks a restored view refetches its descriptor and keeps its selection.
func TestSnapshotRestore(t *testing.T) {
	lister := newFakeLister(45)
	v := mountPackageSystems(t, lister, true)
	if err := v.OnSetPage(2, 10); err != nil {
		t.Fatalf("OnSetPage() error = %v", err)
	}
	settle(t, v)
	if err := v.OnSelect(context.Background(), "page", true, 0); err != nil {
		t.Fatalf("OnSelect(page) error = %v", err)
	}
	v.SetExternalColumns([]model.ColumnDescriptor{{Key: "updated", Title: "Last check-in", Sortable: true}})
	snap := v.Snapshot()

	def, _ := Lookup(CollectionPackageSystems)
	restored, err := New(def, "openssl", lister, Options{EnableSelection: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	settle(t, restored)

	p := restored.Props()
	if p.Page != 2 || p.PerPage != 10 || p.BulkSelect.Count != 10 {
		t.Errorf("restored page %d perPage %d count %d, want 2 10 10", p.Page, p.PerPage, p.BulkSelect.Count)
	}
	if got := p.Columns[len(p.Columns)-1]; got.Key != "last_upload" || got.Title != "Last check-in" {
		t.Errorf("restored injected column = %+v", got)
	}

	restored.Unmount()
	if restored.Mounted() || len(restored.Snapshot().Selection) != 0 {
		t.Errorf("Unmount() left the view mounted or selected")
	}
}

func TestBuildRemediationGroupsByPayload(t *testing.T) {
	r, err := BuildRemediation(CollectionPackageSystems, "openssl", map[string]selection.Entry{
		"b": {Payload: "openssl-1.1-2"},
		"a": {Payload: "openssl-1.1-2"},
		"c": {Payload: "openssl-1.1-3"},
		"d": {},
	})
	if err != nil {
		t.Fatalf("BuildRemediation() error = %v", err)
	}
	want := []RemediationIssue{
		{ID: "patch-package:openssl", Systems: []string{"d"}},
		{ID: "patch-package:openssl-1.1-2", Systems: []string{"a", "b"}},
		{ID: "patch-package:openssl-1.1-3", Systems: []string{"c"}},
	}
	if diff := cmp.Diff(want, r.Issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
	if got := len(r.SystemIDs()); got != 4 {
		t.Errorf("SystemIDs() = %d ids, want 4", got)
	}
}
