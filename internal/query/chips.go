package query

import (
	"slices"

	"github.com/RegistryAccord/patchview-go/internal/model"
)

// SearchLabel is the chip label shown for the free-text search.
const SearchLabel = "Search"

// ToChips derives the removable chips for the active filters and search of d.
// Filter fields come in sorted order with one chip per value; the search chip
// comes last and only when the search text is non-empty.
func ToChips(d Descriptor) []model.FilterChip {
	chips := make([]model.FilterChip, 0, len(d.Filter)+1)
	for _, field := range d.FilterFields() {
		for _, v := range d.Filter[field] {
			if v == "" {
				continue
			}
			chips = append(chips, model.FilterChip{Label: field, Value: v, RemoveKey: field})
		}
	}
	if d.Search != "" {
		chips = append(chips, model.FilterChip{Label: SearchLabel, Value: d.Search, RemoveKey: SearchKey})
	}
	return chips
}

// RemoveChip returns the patch that clears exactly the field/value chip represents.
// Every other field is left alone and the offset always returns to 0.
// Removing a chip that is no longer active yields a patch that only resets the offset.
func RemoveChip(chip model.FilterChip, d Descriptor) Patch {
	p := Patch{Offset: intPtr(0)}
	if chip.RemoveKey == SearchKey {
		if d.Search != "" {
			p.Search = new(string)
		}
		return p
	}
	values, ok := d.Filter[chip.RemoveKey]
	if !ok {
		return p
	}
	remaining := slices.DeleteFunc(slices.Clone(values), func(v string) bool { return v == chip.Value })
	if len(remaining) == len(values) {
		return p
	}
	if remaining == nil {
		remaining = []string{}
	}
	p.Filter = map[string][]string{chip.RemoveKey: remaining}
	return p
}

// RemoveChips folds RemoveChip over chips, mirroring the widget's onDelete(event, chips, deleteAll).
// deleteAll clears every filter field and the search text.
func RemoveChips(chips []model.FilterChip, deleteAll bool, d Descriptor) Patch {
	if deleteAll {
		p := Patch{Filter: map[string][]string{}, Search: new(string), Offset: intPtr(0)}
		for field := range d.Filter {
			p.Filter[field] = []string{}
		}
		return p
	}
	cur := d
	for _, c := range chips {
		cur = RemoveChip(c, cur).Apply(cur)
	}
	return Diff(d, cur)
}

// Diff returns a patch that turns from into to.
func Diff(from, to Descriptor) Patch {
	var p Patch
	for field, values := range to.Filter {
		if !slices.Equal(from.Filter[field], values) {
			if p.Filter == nil {
				p.Filter = map[string][]string{}
			}
			p.Filter[field] = slices.Clone(values)
		}
	}
	for field := range from.Filter {
		if _, ok := to.Filter[field]; !ok {
			if p.Filter == nil {
				p.Filter = map[string][]string{}
			}
			p.Filter[field] = []string{}
		}
	}
	if from.Search != to.Search {
		p.Search = &to.Search
	}
	if from.Sort != to.Sort {
		p.Sort = &to.Sort
	}
	if from.Limit != to.Limit {
		p.Limit = intPtr(to.Limit)
	}
	if from.Offset != to.Offset {
		p.Offset = intPtr(to.Offset)
	}
	return p
}
