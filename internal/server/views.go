package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/event"
	"github.com/RegistryAccord/patchview-go/internal/model"
	"github.com/RegistryAccord/patchview-go/internal/query"
	"github.com/RegistryAccord/patchview-go/internal/session"
	"github.com/RegistryAccord/patchview-go/internal/view"
)

type openViewRequest struct {
	Collection string `json:"collection" validate:"required"`
	ResourceID string `json:"resourceId"`
}

type openViewResponse struct {
	ViewID string     `json:"viewId"`
	Props  view.Props `json:"props"`
}

type sortRequest struct {
	Index     int    `json:"index" validate:"gte=0"`
	Direction string `json:"direction" validate:"required,oneof=asc desc"`
}

type pageRequest struct {
	Page    int `json:"page" validate:"gte=1"`
	PerPage int `json:"perPage" validate:"gte=0"`
}

type deleteChipsRequest struct {
	Chips     []model.FilterChip `json:"chips"`
	DeleteAll bool               `json:"deleteAll"`
}

type selectRequest struct {
	Event    string `json:"event" validate:"required,oneof=none page all row"`
	Selected bool   `json:"selected"`
	RowIndex int    `json:"rowIndex" validate:"gte=0"`
}

type columnsRequest struct {
	Columns []model.ColumnDescriptor `json:"columns"`
}

type remediateResponse struct {
	Remediation     *view.Remediation `json:"remediation"`
	ExportURL       string            `json:"exportUrl,omitempty"`
	ExportExpiresAt *time.Time        `json:"exportExpiresAt,omitempty"`
	Published       bool              `json:"published"`
}

type collectionInfo struct {
	Name                string   `json:"name"`
	RequiresResource    bool     `json:"requiresResource"`
	Remediable          bool     `json:"remediable"`
	RequiredPermissions []string `json:"requiredPermissions"`
}

// handleListCollections handles GET /v1/collections
func (m *Mux) handleListCollections(w http.ResponseWriter, r *http.Request) {
	out := make([]collectionInfo, 0)
	for _, name := range view.Collections() {
		def, err := view.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, collectionInfo{
			Name:                def.Name,
			RequiresResource:    def.RequiresResource,
			Remediable:          def.Remediable,
			RequiredPermissions: def.RequiredPermissions,
		})
	}
	m.writeSuccess(w, http.StatusOK, out)
}

// handleOpenView handles POST /v1/views
func (m *Mux) handleOpenView(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patchview-service").Start(r.Context(), "handleOpenView")
	defer span.End()

	var req openViewRequest
	if err := m.decode(r, &req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.writeErrorDef(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("collection", req.Collection),
		attribute.String("resourceId", req.ResourceID),
	)

	def, err := view.Lookup(req.Collection)
	if err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	if err := authorize(r, def.RequiredPermissions); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}

	h, err := m.sessions.Open(ctx, subject(r), req.Collection, req.ResourceID)
	if err != nil {
		span.SetStatus(codes.Error, "open failed")
		m.writeErrorDef(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("viewId", h.ID))

	if err := m.settleIfRequested(ctx, r, h); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, openViewResponse{ViewID: h.ID, Props: h.View.Props()})
}

// handle loads the caller's view named in the path and re-checks the
// collection's permissions.
func (m *Mux) handle(r *http.Request) (*session.Handle, error) {
	viewID := r.PathValue("viewID")
	if viewID == "" {
		return nil, errordefs.New(errordefs.PV_VALIDATION, "viewID is required", "")
	}
	h, err := m.sessions.Get(r.Context(), subject(r), viewID)
	if err != nil {
		return nil, err
	}
	if err := authorize(r, h.View.Definition().RequiredPermissions); err != nil {
		return nil, err
	}
	return h, nil
}

// settleIfRequested waits for in-flight fetches when the caller asked for
// ?wait=true, so the answer carries committed rows.
func (m *Mux) settleIfRequested(ctx context.Context, r *http.Request, h *session.Handle) error {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	if err := h.View.Settle(ctx); err != nil {
		return errordefs.Wrap(errordefs.PV_UNAVAILABLE, "view did not settle in time", err)
	}
	return nil
}

// mutate runs fn against the caller's view, persists the result and answers
// with the view's props.
func (m *Mux) mutate(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, v *view.View) error) {
	ctx, span := otel.Tracer("patchview-service").Start(r.Context(), op)
	defer span.End()

	h, err := m.handle(r)
	if err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("viewId", h.ID),
		attribute.String("collection", h.View.Definition().Name),
	)

	if err := fn(ctx, h.View); err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErrorDef(w, r, err)
		return
	}
	if err := m.sessions.Save(ctx, h); err != nil {
		m.logger.WarnContext(ctx, "failed to persist view", "view_id", h.ID, "error", err)
	}

	if err := m.settleIfRequested(ctx, r, h); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, h.View.Props())
}

// handleGetView handles GET /v1/views/{viewID}
func (m *Mux) handleGetView(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patchview-service").Start(r.Context(), "handleGetView")
	defer span.End()

	h, err := m.handle(r)
	if err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	if err := m.settleIfRequested(ctx, r, h); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, h.View.Props())
}

// handleCloseView handles DELETE /v1/views/{viewID}
func (m *Mux) handleCloseView(w http.ResponseWriter, r *http.Request) {
	if err := m.sessions.Close(r.Context(), subject(r), r.PathValue("viewID")); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePatchQuery handles PATCH /v1/views/{viewID}/query
func (m *Mux) handlePatchQuery(w http.ResponseWriter, r *http.Request) {
	var p query.Patch
	if err := m.decode(r, &p); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.mutate(w, r, "handlePatchQuery", func(ctx context.Context, v *view.View) error {
		return v.ApplyPatch(p)
	})
}

// handleSort handles POST /v1/views/{viewID}/sort
func (m *Mux) handleSort(w http.ResponseWriter, r *http.Request) {
	var req sortRequest
	if err := m.decode(r, &req); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.mutate(w, r, "handleSort", func(ctx context.Context, v *view.View) error {
		return v.OnSort(req.Index, req.Direction)
	})
}

// handlePage handles POST /v1/views/{viewID}/page
func (m *Mux) handlePage(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := m.decode(r, &req); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.mutate(w, r, "handlePage", func(ctx context.Context, v *view.View) error {
		return v.OnSetPage(req.Page, req.PerPage)
	})
}

// handleDeleteChips handles POST /v1/views/{viewID}/chips/delete
func (m *Mux) handleDeleteChips(w http.ResponseWriter, r *http.Request) {
	var req deleteChipsRequest
	if err := m.decode(r, &req); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.mutate(w, r, "handleDeleteChips", func(ctx context.Context, v *view.View) error {
		return v.OnDeleteChips(req.Chips, req.DeleteAll)
	})
}

// handleSelect handles POST /v1/views/{viewID}/select
func (m *Mux) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := m.decode(r, &req); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.mutate(w, r, "handleSelect", func(ctx context.Context, v *view.View) error {
		return v.OnSelect(ctx, req.Event, req.Selected, req.RowIndex)
	})
}

// handleSetColumns handles PUT /v1/views/{viewID}/columns
func (m *Mux) handleSetColumns(w http.ResponseWriter, r *http.Request) {
	var req columnsRequest
	if err := m.decode(r, &req); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	m.mutate(w, r, "handleSetColumns", func(ctx context.Context, v *view.View) error {
		v.SetExternalColumns(req.Columns)
		return nil
	})
}

// handleRefresh handles POST /v1/views/{viewID}/refresh
func (m *Mux) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m.mutate(w, r, "handleRefresh", func(ctx context.Context, v *view.View) error {
		v.Refresh()
		return nil
	})
}

// handleRemediate handles POST /v1/views/{viewID}/remediate.
// The payload is exported when a bucket is configured and announced on the
// event stream; neither failure blocks the response.
func (m *Mux) handleRemediate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patchview-service").Start(r.Context(), "handleRemediate")
	defer span.End()

	h, err := m.handle(r)
	if err != nil {
		m.writeErrorDef(w, r, err)
		return
	}
	if err := authorize(r, []string{view.RemediatePermission}); err != nil {
		m.writeErrorDef(w, r, err)
		return
	}

	rem, err := h.View.Remediation()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErrorDef(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("viewId", h.ID),
		attribute.Int("issues", len(rem.Issues)),
		attribute.Int("systems", len(rem.SystemIDs())),
	)

	resp := remediateResponse{Remediation: rem}
	res, ok, err := m.exporter.Export(ctx, h.Owner, h.ID, rem)
	switch {
	case err != nil:
		m.logger.WarnContext(ctx, "failed to export remediation", "view_id", h.ID, "error", err)
	case ok:
		resp.ExportURL = res.URL
		resp.ExportExpiresAt = &res.ExpiresAt
	}

	sent, err := m.p.PublishRemediationRequested(ctx, event.RemediationRequested{
		ViewID:      h.ID,
		Owner:       h.Owner,
		Remediation: rem,
		ExportURL:   resp.ExportURL,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish remediation request", "view_id", h.ID, "error", err)
	}
	resp.Published = sent

	m.writeSuccess(w, http.StatusOK, resp)
}
