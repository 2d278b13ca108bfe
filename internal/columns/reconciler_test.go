package columns

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
)

func advisoryReconciler(offset int) Reconciler {
	return Reconciler{
		Static: []model.ColumnDescriptor{
			{Key: "name", Title: "Name", Sortable: true},
			{Key: "rhsa_count", Title: "Security", Sortable: true},
		},
		Injected:      "updated",
		InjectedTitle: "Last seen",
		Aliases:       map[string]string{"updated": "last_upload"},
		Offset:        offset,
	}
}

func withSort(sort string) query.Descriptor {
	d := query.Default()
	d.Sort = sort
	return d
}

// TestMergeAndSortByExample runs the documented example.
func TestMergeAndSortByExample(t *testing.T) {
	r := advisoryReconciler(0)
	cols := r.Merge([]model.ColumnDescriptor{
		{Key: "display_name", Title: "Name", Sortable: true},
		{Key: "updated", Title: "Last seen", Sortable: true},
	})

	wantCols := []model.ColumnDescriptor{
		{Key: "name", Title: "Name", Sortable: true},
		{Key: "rhsa_count", Title: "Security", Sortable: true},
		{Key: "last_upload", Title: "Last seen", Sortable: true},
	}
	if diff := cmp.Diff(wantCols, cols); diff != "" {
		t.Fatalf("Merge() mismatch (-want +got):\n%s", diff)
	}

	got, ok := BuildSortRequest(cols, withSort("-last_upload"), 0)
	if !ok {
		t.Fatalf("BuildSortRequest() reported no active sort")
	}
	if diff := cmp.Diff(SortBy{ColumnIndex: 2, Direction: DirectionDesc}, got); diff != "" {
		t.Errorf("BuildSortRequest() mismatch (-want +got):\n%s", diff)
	}
}

// TestMergePlaceholder checks sort indicators resolve before the widget reports columns.
func TestMergePlaceholder(t *testing.T) {
	r := advisoryReconciler(1)
	cols := r.Merge(nil)
	if len(cols) != 3 || cols[2].Key != "last_upload" || cols[2].Title != "Last seen" {
		t.Fatalf("Merge(nil) = %+v, want placeholder last_upload column", cols)
	}

	got, ok := r.SortBy(cols, withSort("updated"))
	if !ok || got.ColumnIndex != 3 || got.Direction != DirectionAsc {
		t.Errorf("SortBy(updated) = %+v, %v, want index 3 asc", got, ok)
	}
}

// TestUnknownSortKey checks unknown or empty keys mean no active sort.
func TestUnknownSortKey(t *testing.T) {
	cols := advisoryReconciler(0).Merge(nil)
	for _, sort := range []string{"", "-public_date", "synopsis"} {
		if _, ok := BuildSortRequest(cols, withSort(sort), 0); ok {
			t.Errorf("BuildSortRequest(%q) reported an active sort", sort)
		}
	}
}

// TestSortPatchRoundTrip checks a widget sort event maps back to the same key.
func TestSortPatchRoundTrip(t *testing.T) {
	r := advisoryReconciler(1)
	cols := r.Merge(nil)

	p, err := r.SortPatch(cols, 3, DirectionDesc)
	if err != nil {
		t.Fatalf("SortPatch() error = %v", err)
	}
	d := p.Apply(query.Default())
	if d.Sort != "-last_upload" {
		t.Errorf("sort after patch = %q, want -last_upload", d.Sort)
	}
	back, ok := r.SortBy(cols, d)
	if !ok || back.ColumnIndex != 3 || back.Direction != DirectionDesc {
		t.Errorf("SortBy() after patch = %+v, %v", back, ok)
	}
}

func TestBuildSortPatchRejects(t *testing.T) {
	cols := []model.ColumnDescriptor{
		{Key: "name", Sortable: true},
		{Key: "status", Sortable: false},
	}
	tests := []struct {
		name      string
		index     int
		direction string
	}{
		{"below offset", 0, DirectionAsc},
		{"past end", 3, DirectionAsc},
		{"not sortable", 2, DirectionAsc},
		{"bad direction", 1, "up"},
	}
	for _, tt := range tests {
		if _, err := BuildSortPatch(cols, tt.index, tt.direction, 1); !errordefs.Is(err, errordefs.PV_VALIDATION) {
			t.Errorf("%s: BuildSortPatch() error = %v, want PV_VALIDATION", tt.name, err)
		}
	}
}
