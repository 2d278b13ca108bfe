// Package columns reconciles the statically declared column set of a view
// with the column an external component injects at runtime, and maps the
// descriptor's sort key to the widget's positional sort indicator and back.
package columns

import (
	"fmt"
	"strings"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
)

// Sort directions understood by the widget.
const (
	DirectionAsc  = "asc"
	DirectionDesc = "desc"
)

// SortBy is the widget's active sort indicator.
type SortBy struct {
	ColumnIndex int    `json:"index"`
	Direction   string `json:"direction"`
}

// Reconciler merges static and injected columns for one collection.
type Reconciler struct {
	Static        []model.ColumnDescriptor // Columns the view declares itself
	Injected      string                   // Key of the column the external widget contributes, empty for none
	InjectedTitle string                   // Header used until the widget reports its own
	Aliases       map[string]string        // Widget key -> server sort key (e.g. updated -> last_upload)
	Offset        int                      // Widget column index of Static[0]
}

// alias maps a widget key to the server's key.
func (r Reconciler) alias(key string) string {
	if a, ok := r.Aliases[key]; ok {
		return a
	}
	return key
}

// Merge returns the static columns plus the injected column from external,
// re-keyed through the alias table. When the widget has not reported its
// columns yet a sortable placeholder stands in for the injected one.
func (r Reconciler) Merge(external []model.ColumnDescriptor) []model.ColumnDescriptor {
	out := make([]model.ColumnDescriptor, 0, len(r.Static)+1)
	out = append(out, r.Static...)
	if r.Injected == "" {
		return out
	}
	for _, c := range external {
		if c.Key == r.Injected {
			c.Key = r.alias(c.Key)
			return append(out, c)
		}
	}
	title := r.InjectedTitle
	if title == "" {
		title = r.Injected
	}
	return append(out, model.ColumnDescriptor{Key: r.alias(r.Injected), Title: title, Sortable: true})
}

// SortBy resolves d's sort key against columns after aliasing it.
func (r Reconciler) SortBy(columns []model.ColumnDescriptor, d query.Descriptor) (SortBy, bool) {
	desc := strings.HasPrefix(d.Sort, "-")
	key := r.alias(strings.TrimPrefix(d.Sort, "-"))
	if desc {
		key = "-" + key
	}
	aliased := d
	aliased.Sort = key
	return BuildSortRequest(columns, aliased, r.Offset)
}

// SortPatch maps a widget sort event back to a descriptor patch.
func (r Reconciler) SortPatch(columns []model.ColumnDescriptor, columnIndex int, direction string) (query.Patch, error) {
	return BuildSortPatch(columns, columnIndex, direction, r.Offset)
}

// BuildSortRequest finds the column whose key equals d's sort key and returns its
// widget index. Columns are matched by key, never by position. An empty or unknown
// sort key reports false.
func BuildSortRequest(columns []model.ColumnDescriptor, d query.Descriptor, offset int) (SortBy, bool) {
	if d.Sort == "" {
		return SortBy{}, false
	}
	direction := DirectionAsc
	key := d.Sort
	if strings.HasPrefix(key, "-") {
		direction = DirectionDesc
		key = key[1:]
	}
	for i, c := range columns {
		if c.Key == key {
			return SortBy{ColumnIndex: i + offset, Direction: direction}, true
		}
	}
	return SortBy{}, false
}

// BuildSortPatch is the reverse of BuildSortRequest.
func BuildSortPatch(columns []model.ColumnDescriptor, columnIndex int, direction string, offset int) (query.Patch, error) {
	i := columnIndex - offset
	if i < 0 || i >= len(columns) {
		return query.Patch{}, errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("column index %d out of range", columnIndex), "")
	}
	col := columns[i]
	if !col.Sortable {
		return query.Patch{}, errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("column %q is not sortable", col.Key), "")
	}
	switch direction {
	case DirectionAsc:
		return query.SetSort(col.Key), nil
	case DirectionDesc:
		return query.SetSort("-" + col.Key), nil
	default:
		return query.Patch{}, errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("unknown sort direction %q", direction), "")
	}
}
