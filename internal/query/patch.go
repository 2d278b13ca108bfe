package query

import "slices"

// Patch describes a change to a Descriptor. Nil pointer fields are left untouched.
// A filter entry with an empty slice removes that field.
type Patch struct {
	Filter map[string][]string `json:"filter,omitempty"`
	Search *string             `json:"search,omitempty"`
	Sort   *string             `json:"sort,omitempty"`
	Limit  *int                `json:"limit,omitempty"`
	Offset *int                `json:"offset,omitempty"`
}

// Apply returns the descriptor that results from applying p to d. d is not modified.
// When the filter or search changes and p does not set Offset, the offset resets to 0:
// an offset beyond the new result set would render an empty page.
func (p Patch) Apply(d Descriptor) Descriptor {
	out := d.Clone()
	narrowed := false

	for field, values := range p.Filter {
		if len(values) == 0 {
			if _, ok := out.Filter[field]; ok {
				delete(out.Filter, field)
				narrowed = true
			}
			continue
		}
		if !slices.Equal(out.Filter[field], values) {
			out.Filter[field] = slices.Clone(values)
			narrowed = true
		}
	}
	if p.Search != nil && *p.Search != out.Search {
		out.Search = *p.Search
		narrowed = true
	}
	if p.Sort != nil {
		out.Sort = *p.Sort
	}
	if p.Limit != nil {
		out.Limit = *p.Limit
	}
	switch {
	case p.Offset != nil:
		out.Offset = *p.Offset
	case narrowed:
		out.Offset = 0
	}
	return out
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Filter) == 0 && p.Search == nil && p.Sort == nil && p.Limit == nil && p.Offset == nil
}

// SetSearch patches the search text.
func SetSearch(text string) Patch {
	return Patch{Search: &text}
}

// SetFilter patches one filter field; no values removes the field.
func SetFilter(field string, values ...string) Patch {
	if values == nil {
		values = []string{}
	}
	return Patch{Filter: map[string][]string{field: values}}
}

// SetSort patches the sort key.
func SetSort(key string) Patch {
	return Patch{Sort: &key}
}

func intPtr(v int) *int { return &v }
