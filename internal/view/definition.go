// Package view assembles the state of one mounted remote collection view
// (query descriptor, fetch state, selection and column set) into the props
// the table widget renders, and routes widget callbacks back into patches.
package view

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
	"github.com/RegistryAccord/patchview-go/internal/selection"
)

// ReadPermission is required for every built-in collection.
const ReadPermission = "patch:*:read"

// RemediatePermission is additionally required to raise a remediation.
const RemediatePermission = "patch:remediation:write"

// Collection names.
const (
	CollectionAdvisories     = "advisories"
	CollectionSystems        = "systems"
	CollectionPackageSystems = "package-systems"
)

// FilterOption is one choice of a checkbox filter.
type FilterOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// FilterItem describes one control of the widget's filter toolbar.
type FilterItem struct {
	Type        string         `json:"type"`                  // "text" or "checkbox"
	Key         string         `json:"key"`                   // Filter field, or "search"
	Label       string         `json:"label"`                 // Control label
	Placeholder string         `json:"placeholder,omitempty"` // Text input placeholder
	Options     []FilterOption `json:"options,omitempty"`     // Checkbox choices
}

// Definition declares everything that varies between collections.
type Definition struct {
	Name                string                                    // Collection name
	Endpoint            string                                    // Remote path, "{id}" is replaced by the escaped resource id
	RequiresResource    bool                                      // Whether a resource id must be given on open
	Columns             []model.ColumnDescriptor                  // Static columns
	Injected            string                                    // Key of the column injected by the external widget
	InjectedTitle       string                                    // Header of the injected column placeholder
	Aliases             map[string]string                         // Widget column key -> server sort key
	SortOffset          int                                       // Widget index of the first static column
	DefaultSort         string                                    // Sort of a freshly mounted view
	FilterItems         []FilterItem                              // Filter toolbar controls
	Cells               func(row model.RemoteRow) []any           // Row -> widget cells
	Deriver             func(resourceID string) selection.Deriver // Selection entry factory, nil for plain entries
	Remediable          bool                                      // Whether selected rows can be remediated
	RequiredPermissions []string                                  // Permissions the host gate enforces
}

// Path returns the remote path for resourceID.
func (d *Definition) Path(resourceID string) string {
	return strings.ReplaceAll(d.Endpoint, "{id}", url.PathEscape(resourceID))
}

// DefaultDescriptor returns the descriptor a new view of this collection starts with.
func (d *Definition) DefaultDescriptor() query.Descriptor {
	q := query.Default()
	q.Sort = d.DefaultSort
	return q
}

func attrCells(keys ...string) func(model.RemoteRow) []any {
	return func(row model.RemoteRow) []any {
		cells := make([]any, len(keys))
		for i, k := range keys {
			if k == "id" {
				cells[i] = row.ID
				continue
			}
			cells[i] = row.Attr(k)
		}
		return cells
	}
}

func searchItem(placeholder string) FilterItem {
	return FilterItem{Type: "text", Key: query.SearchKey, Label: "Search", Placeholder: placeholder}
}

func statusItem() FilterItem {
	return FilterItem{
		Type:  "checkbox",
		Key:   "status",
		Label: "Status",
		Options: []FilterOption{
			{Label: "Applicable", Value: "applicable"},
			{Label: "Installable", Value: "installable"},
		},
	}
}

// countOr returns the numeric attribute or zero when the row does not carry it.
func countOr(row model.RemoteRow, key string) any {
	if v := row.Attr(key); v != nil {
		return v
	}
	return 0
}

var definitions = map[string]*Definition{
	CollectionAdvisories: {
		Name:     CollectionAdvisories,
		Endpoint: "/advisories",
		Columns: []model.ColumnDescriptor{
			{Key: "id", Title: "Advisory", Sortable: true},
			{Key: "public_date", Title: "Publish date", Sortable: true},
			{Key: "advisory_type", Title: "Type", Sortable: true},
			{Key: "applicable_systems", Title: "Applicable systems", Sortable: true},
			{Key: "synopsis", Title: "Synopsis", Sortable: true},
		},
		DefaultSort: "-public_date",
		FilterItems: []FilterItem{
			searchItem("Search advisories"),
			statusItem(),
			{
				Type:  "checkbox",
				Key:   "advisory_type",
				Label: "Type",
				Options: []FilterOption{
					{Label: "Security", Value: "security"},
					{Label: "Bugfix", Value: "bugfix"},
					{Label: "Enhancement", Value: "enhancement"},
				},
			},
		},
		Cells:               attrCells("id", "public_date", "advisory_type", "applicable_systems", "synopsis"),
		RequiredPermissions: []string{ReadPermission},
	},
	CollectionSystems: {
		Name:     CollectionSystems,
		Endpoint: "/systems",
		Columns: []model.ColumnDescriptor{
			{Key: "applicable_advisories", Title: "Applicable advisories", Sortable: false},
		},
		Injected:      "updated",
		InjectedTitle: "Last seen",
		Aliases:       map[string]string{"updated": "last_upload"},
		SortOffset:    1,
		DefaultSort:   "-last_upload",
		FilterItems:   []FilterItem{searchItem("Search systems")},
		Cells: func(row model.RemoteRow) []any {
			return []any{[]any{countOr(row, "rhea_count"), countOr(row, "rhba_count"), countOr(row, "rhsa_count")}}
		},
		RequiredPermissions: []string{ReadPermission},
	},
	CollectionPackageSystems: {
		Name:             CollectionPackageSystems,
		Endpoint:         "/packages/{id}/systems",
		RequiresResource: true,
		Columns: []model.ColumnDescriptor{
			{Key: "installed_evra", Title: "Installed version", Sortable: true},
			{Key: "available_evra", Title: "Latest version", Sortable: true},
		},
		Injected:      "updated",
		InjectedTitle: "Last seen",
		Aliases:       map[string]string{"updated": "last_upload"},
		SortOffset:    1,
		FilterItems:   []FilterItem{searchItem("Search systems"), statusItem()},
		Cells:         attrCells("display_name", "installed_evra", "available_evra", "last_upload"),
		Deriver: func(packageName string) selection.Deriver {
			return func(row model.RemoteRow) (selection.Entry, bool) {
				evra, _ := row.Attr("available_evra").(string)
				if evra == "" {
					return selection.Entry{}, false
				}
				return selection.Entry{Payload: packageName + "-" + evra}, true
			}
		},
		Remediable:          true,
		RequiredPermissions: []string{ReadPermission},
	},
}

// Lookup returns the named collection definition.
func Lookup(name string) (*Definition, error) {
	d, ok := definitions[name]
	if !ok {
		return nil, errordefs.New(errordefs.PV_NOT_FOUND, fmt.Sprintf("unknown collection %q", name), "")
	}
	return d, nil
}

// Collections returns the built-in collection names in sorted order.
func Collections() []string {
	names := make([]string, 0, len(definitions))
	for n := range definitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
