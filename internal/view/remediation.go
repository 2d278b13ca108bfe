package view

import (
	"sort"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/selection"
)

// IssuePrefix prefixes the package NEVRA in remediation issue ids.
const IssuePrefix = "patch-package:"

// RemediationIssue is one package update and the systems it applies to.
type RemediationIssue struct {
	ID      string   `json:"id"`
	Systems []string `json:"systems"`
}

// Remediation is the payload handed to the remediation service.
type Remediation struct {
	Collection string             `json:"collection"`
	ResourceID string             `json:"resourceId"`
	Issues     []RemediationIssue `json:"issues"`
}

// SystemIDs returns every system id of the remediation.
func (r *Remediation) SystemIDs() []string {
	var ids []string
	for _, is := range r.Issues {
		ids = append(ids, is.Systems...)
	}
	return ids
}

// BuildRemediation groups the selected ids by their payload. Plain entries are
// grouped under resourceID. Issues and systems are sorted.
func BuildRemediation(collection, resourceID string, entries map[string]selection.Entry) (*Remediation, error) {
	if len(entries) == 0 {
		return nil, errordefs.New(errordefs.PV_VALIDATION, "no rows selected", "")
	}
	groups := make(map[string][]string)
	for id, e := range entries {
		target := e.Payload
		if target == "" {
			target = resourceID
		}
		groups[target] = append(groups[target], id)
	}

	r := &Remediation{Collection: collection, ResourceID: resourceID, Issues: make([]RemediationIssue, 0, len(groups))}
	for target, ids := range groups {
		sort.Strings(ids)
		r.Issues = append(r.Issues, RemediationIssue{ID: IssuePrefix + target, Systems: ids})
	}
	sort.Slice(r.Issues, func(i, j int) bool { return r.Issues[i].ID < r.Issues[j].ID })
	return r, nil
}

// Remediation builds the remediation payload for the current selection.
func (v *View) Remediation() (*Remediation, error) {
	if !v.opts.EnableSelection || !v.def.Remediable {
		return nil, errordefs.New(errordefs.PV_NOT_IMPLEMENTED, "remediation is not available for this collection", "")
	}
	return BuildRemediation(v.def.Name, v.resourceID, v.tracker.Entries())
}
