package view

import (
	"fmt"

	"github.com/RegistryAccord/patchview-go/internal/columns"
	"github.com/RegistryAccord/patchview-go/internal/fetch"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
	"github.com/RegistryAccord/patchview-go/internal/selection"
)

// Item is the view model of one table row.
type Item struct {
	ID       string `json:"id"`
	Selected bool   `json:"selected"`
	Cells    []any  `json:"cells"`
}

// BulkItem is one entry of the bulk select dropdown.
type BulkItem struct {
	Title string `json:"title"`
	Event string `json:"event"`
}

// BulkSelect is the bulk select control.
type BulkSelect struct {
	Count   int        `json:"count"`
	Checked *bool      `json:"checked"` // nil renders the indeterminate state
	Items   []BulkItem `json:"items"`
}

// FilterControl is a filter toolbar control with its current value.
type FilterControl struct {
	FilterItem
	Value []string `json:"value"`
}

// FilterConfig is the widget's filter toolbar.
type FilterConfig struct {
	Items []FilterControl `json:"items"`
}

// ActiveFiltersConfig is the widget's chip toolbar.
type ActiveFiltersConfig struct {
	Filters []model.FilterChip `json:"filters"`
}

// Props is everything the table widget renders.
type Props struct {
	Collection          string                   `json:"collection"`
	Items               []Item                   `json:"items"`
	Page                int                      `json:"page"`
	PerPage             int                      `json:"perPage"`
	Total               int                      `json:"total"`
	IsLoaded            bool                     `json:"isLoaded"`
	SortBy              *columns.SortBy          `json:"sortBy,omitempty"`
	Columns             []model.ColumnDescriptor `json:"columns"`
	BulkSelect          *BulkSelect              `json:"bulkSelect,omitempty"`
	FilterConfig        FilterConfig             `json:"filterConfig"`
	ActiveFiltersConfig ActiveFiltersConfig      `json:"activeFiltersConfig"`
	Status              fetch.Status             `json:"status"`
	Error               *model.ErrorDetail       `json:"error,omitempty"`
	BulkError           *model.ErrorDetail       `json:"bulkError,omitempty"`
	Remediable          bool                     `json:"remediable"`
}

// PropsInput is the state Props is derived from.
type PropsInput struct {
	Definition      *Definition
	Descriptor      query.Descriptor
	Fetch           fetch.State
	Selection       map[string]selection.Entry
	Columns         []model.ColumnDescriptor
	SortBy          *columns.SortBy
	EnableSelection bool
	BulkError       *model.ErrorDetail
}

// BuildProps derives the widget props. It has no side effects.
func BuildProps(in PropsInput) Props {
	def := in.Definition
	items := make([]Item, len(in.Fetch.Rows))
	for i, row := range in.Fetch.Rows {
		_, selected := in.Selection[row.ID]
		var cells []any
		if def.Cells != nil {
			cells = def.Cells(row)
		}
		items[i] = Item{ID: row.ID, Selected: selected, Cells: cells}
	}

	// The window the server applied wins once a page has been committed.
	limit, offset := in.Descriptor.Limit, in.Descriptor.Offset
	if in.Fetch.Metadata.Limit > 0 {
		limit, offset = in.Fetch.Metadata.Limit, in.Fetch.Metadata.Offset
	}
	page, perPage := query.PagePerPage(limit, offset)

	total := in.Fetch.Metadata.TotalItems
	p := Props{
		Collection:          def.Name,
		Items:               items,
		Page:                page,
		PerPage:             perPage,
		Total:               total,
		IsLoaded:            in.Fetch.Status == fetch.StatusResolved,
		SortBy:              in.SortBy,
		Columns:             in.Columns,
		FilterConfig:        buildFilterConfig(def, in.Descriptor),
		ActiveFiltersConfig: ActiveFiltersConfig{Filters: query.ToChips(in.Descriptor)},
		Status:              in.Fetch.Status,
		Error:               in.Fetch.Error,
		Remediable:          in.EnableSelection && def.Remediable,
	}

	if in.EnableSelection {
		count := len(in.Selection)
		p.BulkSelect = &BulkSelect{
			Count:   count,
			Checked: selection.TriState(count, total),
			Items: []BulkItem{
				{Title: "Select none (0)", Event: string(selection.ScopeNone)},
				{Title: fmt.Sprintf("Select page (%d)", len(items)), Event: string(selection.ScopePage)},
				{Title: fmt.Sprintf("Select all (%d)", total), Event: string(selection.ScopeAll)},
			},
		}
		p.BulkError = in.BulkError
	}
	return p
}

func buildFilterConfig(def *Definition, d query.Descriptor) FilterConfig {
	controls := make([]FilterControl, len(def.FilterItems))
	for i, item := range def.FilterItems {
		c := FilterControl{FilterItem: item, Value: []string{}}
		if item.Key == query.SearchKey {
			if d.Search != "" {
				c.Value = []string{d.Search}
			}
		} else if vals, ok := d.Filter[item.Key]; ok {
			c.Value = append(c.Value, vals...)
		}
		controls[i] = c
	}
	return FilterConfig{Items: controls}
}

// Props assembles the widget props from the view's current state.
func (v *View) Props() Props {
	v.mu.Lock()
	defer v.mu.Unlock()

	d := v.coord.Descriptor()
	cols := v.reconciler.Merge(v.external)
	var sortBy *columns.SortBy
	if sb, ok := v.reconciler.SortBy(cols, d); ok {
		sortBy = &sb
	}
	var bulkErr *model.ErrorDetail
	if v.bulkErr != nil {
		e := *v.bulkErr
		bulkErr = &e
	}
	return BuildProps(PropsInput{
		Definition:      v.def,
		Descriptor:      d,
		Fetch:           v.coord.State(),
		Selection:       v.tracker.Entries(),
		Columns:         cols,
		SortBy:          sortBy,
		EnableSelection: v.opts.EnableSelection,
		BulkError:       bulkErr,
	})
}
