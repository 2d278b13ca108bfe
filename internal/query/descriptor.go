// Package query holds the query descriptor of a remote collection view:
// filter, search text, sort key and pagination window, plus the patches
// that user interactions apply to it.
package query

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
)

const (
	// DefaultLimit is the page size a freshly mounted view starts with.
	DefaultLimit = 20

	// SearchKey is the chip remove key used for the free-text search.
	SearchKey = "search"
)

var validate = validator.New()

// Descriptor is the full set of parameters identifying one remote collection request.
// Two descriptors are compared by value with Equal; identity never matters.
type Descriptor struct {
	Filter map[string][]string `json:"filter"`                  // Field -> accepted values
	Search string              `json:"search"`                  // Free-text search
	Sort   string              `json:"sort"`                    // Sort key, "-" prefix for descending
	Limit  int                 `json:"limit" validate:"gt=0"`   // Page size
	Offset int                 `json:"offset" validate:"gte=0"` // Page start
}

// Default returns the descriptor a view starts with when nothing else is configured.
func Default() Descriptor {
	return Descriptor{Filter: map[string][]string{}, Limit: DefaultLimit}
}

// Validate checks the pagination invariants.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return errordefs.NewWithDetails(errordefs.PV_VALIDATION, "invalid query descriptor", "", err.Error())
	}
	for field := range d.Filter {
		if field == "" || field == SearchKey {
			return errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("invalid filter field %q", field), "")
		}
	}
	return nil
}

// Clone returns a deep copy; callers never share filter maps.
func (d Descriptor) Clone() Descriptor {
	cp := d
	cp.Filter = make(map[string][]string, len(d.Filter))
	for k, v := range d.Filter {
		cp.Filter[k] = slices.Clone(v)
	}
	return cp
}

// Equal reports whether two descriptors describe the same request.
// A nil and an empty filter map are equal; values compare in order.
func Equal(a, b Descriptor) bool {
	if a.Search != b.Search || a.Sort != b.Sort || a.Limit != b.Limit || a.Offset != b.Offset {
		return false
	}
	if len(a.Filter) != len(b.Filter) {
		return false
	}
	for k, av := range a.Filter {
		bv, ok := b.Filter[k]
		if !ok || !slices.Equal(av, bv) {
			return false
		}
	}
	return true
}

// FilterFields returns the filter field names in a stable order.
func (d Descriptor) FilterFields() []string {
	fields := make([]string, 0, len(d.Filter))
	for k := range d.Filter {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// String renders the descriptor for logs and span attributes.
func (d Descriptor) String() string {
	var b strings.Builder
	for _, f := range d.FilterFields() {
		fmt.Fprintf(&b, "%s=%s;", f, strings.Join(d.Filter[f], ","))
	}
	return fmt.Sprintf("filter[%s] search=%q sort=%q limit=%d offset=%d", b.String(), d.Search, d.Sort, d.Limit, d.Offset)
}

// Request is the fetch request shape: the collection key plus the descriptor.
type Request struct {
	ID string `json:"id"` // Collection key (e.g. the package name)
	Descriptor
}

// NewRequest builds a request for id from a copy of d.
func NewRequest(id string, d Descriptor) Request {
	return Request{ID: id, Descriptor: d.Clone()}
}
