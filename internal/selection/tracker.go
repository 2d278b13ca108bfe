// Package selection tracks which rows of a remote collection are selected.
// Entries are keyed by row id and stay valid for rows that are not on the
// current page, or that were never fetched one by one at all.
package selection

import (
	"encoding/json"
	"fmt"
	"sync"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/model"
)

// Entry is the marker stored for a selected row.
// An empty Payload is a plain boolean selection; otherwise Payload carries the
// per-row value bulk operations need (e.g. the package NEVRA to remediate to).
type Entry struct {
	Payload string
}

// MarshalJSON renders a plain selection as true and a payload selection as its string.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Payload == "" {
		return []byte("true"), nil
	}
	return json.Marshal(e.Payload)
}

// UnmarshalJSON accepts true or a payload string.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		if !flag {
			return fmt.Errorf("selection entry cannot be false")
		}
		e.Payload = ""
		return nil
	}
	return json.Unmarshal(b, &e.Payload)
}

// Deriver builds the entry for a row from its attributes. It reports false
// when the row lacks what the entry needs; such rows cannot be selected.
type Deriver func(row model.RemoteRow) (Entry, bool)

// Scope is the breadth over which a selection operation applies.
type Scope string

const (
	ScopeNone Scope = "none" // Clear every entry
	ScopePage Scope = "page" // Select the rows of the fetched page
	ScopeAll  Scope = "all"  // Select every row of the full remote result set
	ScopeRow  Scope = "row"  // Toggle one row
)

// ParseScope validates a scope name coming from the widget.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeNone, ScopePage, ScopeAll, ScopeRow:
		return sc, nil
	default:
		return "", errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("unknown selection event %q", s), "")
	}
}

// Context carries what a scope operation needs.
type Context struct {
	Rows     []model.RemoteRow // Page rows for ScopePage, fetched rows for ScopeAll
	RowID    string            // Target of ScopeRow
	Selected bool              // New state for ScopeRow
	Row      *model.RemoteRow  // Row to derive the entry from for ScopeRow
}

// Change sets (Entry != nil) or removes (Entry == nil) the entry of one id.
type Change struct {
	ID    string
	Entry *Entry
}

// Patch is an ordered set of changes applied atomically.
type Patch []Change

// Tracker holds the sparse id -> entry mapping of a view.
type Tracker struct {
	derive Deriver

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewTracker creates an empty tracker. A nil deriver selects rows with plain entries.
func NewTracker(derive Deriver) *Tracker {
	return &Tracker{derive: derive, entries: make(map[string]Entry)}
}

func (t *Tracker) entryFor(row model.RemoteRow) (Entry, bool) {
	if t.derive == nil {
		return Entry{}, true
	}
	return t.derive(row)
}

// Plan computes the patch for scope without applying it.
func (t *Tracker) Plan(scope Scope, c Context) (Patch, error) {
	switch scope {
	case ScopeNone:
		t.mu.RLock()
		defer t.mu.RUnlock()
		p := make(Patch, 0, len(t.entries))
		for id := range t.entries {
			p = append(p, Change{ID: id})
		}
		return p, nil

	case ScopePage, ScopeAll:
		p := make(Patch, 0, len(c.Rows))
		for _, row := range c.Rows {
			if row.ID == "" {
				return nil, errordefs.New(errordefs.PV_UPSTREAM, "row without id cannot be selected", "")
			}
			e, ok := t.entryFor(row)
			if !ok {
				continue
			}
			p = append(p, Change{ID: row.ID, Entry: &e})
		}
		return p, nil

	case ScopeRow:
		if c.RowID == "" {
			return nil, errordefs.New(errordefs.PV_VALIDATION, "row selection requires a row id", "")
		}
		if !c.Selected {
			return Patch{{ID: c.RowID}}, nil
		}
		e := Entry{}
		if c.Row != nil {
			var ok bool
			if e, ok = t.entryFor(*c.Row); !ok {
				return nil, errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("row %q cannot be selected", c.RowID), "")
			}
		}
		return Patch{{ID: c.RowID, Entry: &e}}, nil

	default:
		return nil, errordefs.New(errordefs.PV_VALIDATION, fmt.Sprintf("unknown selection scope %q", scope), "")
	}
}

// Apply applies p atomically.
func (t *Tracker) Apply(p Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range p {
		if ch.Entry == nil {
			delete(t.entries, ch.ID)
			continue
		}
		t.entries[ch.ID] = *ch.Entry
	}
}

// ApplyScope plans and applies scope in one step and returns the applied patch.
// On error the tracker is unchanged.
func (t *Tracker) ApplyScope(scope Scope, c Context) (Patch, error) {
	if scope == ScopeNone {
		// Plan and apply under one lock so an entry added in between is cleared too.
		t.mu.Lock()
		defer t.mu.Unlock()
		p := make(Patch, 0, len(t.entries))
		for id := range t.entries {
			p = append(p, Change{ID: id})
		}
		t.entries = make(map[string]Entry)
		return p, nil
	}
	p, err := t.Plan(scope, c)
	if err != nil {
		return nil, err
	}
	t.Apply(p)
	return p, nil
}

// Count returns the number of selected ids.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Has reports whether id is selected.
func (t *Tracker) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Entries returns a copy of the mapping.
func (t *Tracker) Entries() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Restore replaces the mapping, used when a view is rehydrated from a snapshot.
func (t *Tracker) Restore(entries map[string]Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Entry, len(entries))
	for k, v := range entries {
		t.entries[k] = v
	}
}

// Reset tears the tracker down.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Entry)
}

// TriState derives the bulk checkbox state: false when nothing is selected,
// true when every remote item is selected, nil (indeterminate) otherwise.
// An empty collection renders unchecked, not checked: 0 of 0 is "nothing selected".
func TriState(count, total int) *bool {
	var v bool
	switch {
	case count == 0:
		v = false
	case count == total:
		v = true
	default:
		return nil
	}
	return &v
}
