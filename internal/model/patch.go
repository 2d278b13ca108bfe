// internal/model/patch.go
// Package model defines the data structures shared across the patchview service.
// These structures mirror the remote Patch API payloads and the table widget contract.
package model

// RemoteRow represents one record of a remote collection.
// The service never assumes a shape beyond ID and the attributes named by a column set.
type RemoteRow struct {
	ID         string                 `json:"id"`                   // Stable unique row identifier
	Type       string                 `json:"type,omitempty"`       // Remote resource type (advisory, system, ...)
	Attributes map[string]interface{} `json:"attributes,omitempty"` // Server-defined row fields
}

// Attr returns the named attribute, or nil when the row does not carry it.
func (r RemoteRow) Attr(key string) interface{} {
	if r.Attributes == nil {
		return nil
	}
	return r.Attributes[key]
}

// ListMeta represents the pagination metadata returned with a page of rows.
type ListMeta struct {
	TotalItems int    `json:"total_items"`    // Size of the full filtered result set
	Limit      int    `json:"limit"`          // Page size the server applied
	Offset     int    `json:"offset"`         // Offset the server applied
	Sort       string `json:"sort,omitempty"` // Sort key the server applied
}

// ListResponse represents the body of a successful collection fetch.
type ListResponse struct {
	Data []RemoteRow `json:"data"` // Rows of the requested page
	Meta ListMeta    `json:"meta"` // Pagination metadata
}

// ErrorDetail represents a failed fetch as kept in a view's state.
type ErrorDetail struct {
	Code   string `json:"code"`   // Error code (PV_FETCH_FAILED, PV_BULK_SELECT_FAILED)
	Detail string `json:"detail"` // Human readable detail from the remote API
}

// ColumnDescriptor represents one table column.
type ColumnDescriptor struct {
	Key      string `json:"key"`      // Attribute key; also the server sort key
	Title    string `json:"title"`    // Column header
	Sortable bool   `json:"sortable"` // Whether the widget offers sorting on it
}

// FilterChip represents one removable token for an active filter value or search term.
type FilterChip struct {
	Label     string `json:"label"`     // Chip category label
	Value     string `json:"value"`     // The filter value or search text
	RemoveKey string `json:"removeKey"` // Filter field, or "search"
}
