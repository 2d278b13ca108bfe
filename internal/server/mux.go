// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the patchview service.
// It exposes collection views as REST resources behind JWT authentication and
// a permission gate, and answers every call with the view's table props.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
	"github.com/RegistryAccord/patchview-go/internal/event"
	"github.com/RegistryAccord/patchview-go/internal/export"
	"github.com/RegistryAccord/patchview-go/internal/jwks"
	"github.com/RegistryAccord/patchview-go/internal/metrics"
	"github.com/RegistryAccord/patchview-go/internal/rbac"
	"github.com/RegistryAccord/patchview-go/internal/session"
	"github.com/RegistryAccord/patchview-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeySubject       ContextKey = "subject"       // Stores the subject from the JWT
	ContextKeyPermissions   ContextKey = "permissions"   // Stores the granted permissions
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// maxBodyBytes bounds request bodies
	maxBodyBytes = 1 << 20

	// maxWait bounds how long ?wait=true holds a request open
	maxWait = 30 * time.Second
)

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Sessions           *session.Manager
	Store              storage.Store
	Publisher          event.Publisher
	Exporter           export.Exporter
	JWKS               *jwks.Client
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	Logger             *slog.Logger
}

// Mux handles HTTP requests for the patchview service.
type Mux struct {
	mux         *http.ServeMux
	sessions    *session.Manager
	store       storage.Store
	p           event.Publisher
	exporter    export.Exporter
	jwksClient  *jwks.Client
	jwtIssuer   string
	jwtAudience string
	metrics     *metrics.Metrics
	validate    *validator.Validate
	logger      *slog.Logger

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// NewMux creates the HTTP handler with all patchview endpoints.
// Parameters:
//   - d: Collaborators; Publisher and Exporter default to no-ops
//
// Returns:
//   - http.Handler: Router wrapped in the CORS and metrics middleware
func NewMux(d Deps) http.Handler {
	if d.Publisher == nil {
		d.Publisher = event.NewNoop()
	}
	if d.Exporter == nil {
		d.Exporter = export.NewNoop()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		sessions:           d.Sessions,
		store:              d.Store,
		p:                  d.Publisher,
		exporter:           d.Exporter,
		jwksClient:         d.JWKS,
		jwtIssuer:          d.JWTIssuer,
		jwtAudience:        d.JWTAudience,
		metrics:            metrics.NewMetrics(),
		validate:           validator.New(),
		logger:             d.Logger,
		corsAllowedOrigins: d.CORSAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Register view endpoints
	m.mux.HandleFunc("GET /v1/collections", m.withAuth(m.handleListCollections))
	m.mux.HandleFunc("POST /v1/views", m.withAuth(m.handleOpenView))
	m.mux.HandleFunc("GET /v1/views/{viewID}", m.withAuth(m.handleGetView))
	m.mux.HandleFunc("DELETE /v1/views/{viewID}", m.withAuth(m.handleCloseView))
	m.mux.HandleFunc("PATCH /v1/views/{viewID}/query", m.withAuth(m.handlePatchQuery))
	m.mux.HandleFunc("POST /v1/views/{viewID}/sort", m.withAuth(m.handleSort))
	m.mux.HandleFunc("POST /v1/views/{viewID}/page", m.withAuth(m.handlePage))
	m.mux.HandleFunc("POST /v1/views/{viewID}/chips/delete", m.withAuth(m.handleDeleteChips))
	m.mux.HandleFunc("POST /v1/views/{viewID}/select", m.withAuth(m.handleSelect))
	m.mux.HandleFunc("PUT /v1/views/{viewID}/columns", m.withAuth(m.handleSetColumns))
	m.mux.HandleFunc("POST /v1/views/{viewID}/refresh", m.withAuth(m.handleRefresh))
	m.mux.HandleFunc("POST /v1/views/{viewID}/remediate", m.withAuth(m.handleRemediate))

	return m.withCORS(m.withObservability(m.mux))
}

// requestInfo carries values learned by inner handlers back to the
// outermost middleware.
type requestInfo struct {
	subject string
}

type requestInfoKey struct{}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withObservability assigns the correlation ID, records HTTP metrics and logs
// request completion.
func (m *Mux) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx, span := otel.Tracer("patchview-service").Start(r.Context(), "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("correlation_id", correlationID),
			),
		)
		defer span.End()

		info := &requestInfo{}
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
		ctx = context.WithValue(ctx, requestInfoKey{}, info)
		ctx = event.WithCorrelationID(ctx, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName(route)
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		status := fmt.Sprint(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		if route != "GET /healthz" && route != "GET /metrics" {
			m.logRequest(r, rec.status, time.Since(start), correlationID, info.subject)
		}
	})
}

// withCORS answers preflight requests and stamps allowed origins.
func (m *Mux) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && (slices.Contains(m.corsAllowedOrigins, "*") || slices.Contains(m.corsAllowedOrigins, origin))

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth validates the bearer token and stores the subject and its
// permissions in the request context.
func (m *Mux) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.validateJWT(r)
		if err != nil {
			m.writeErrorDef(w, r, err)
			return
		}
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.subject = claims.Subject
		}
		ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
		ctx = context.WithValue(ctx, ContextKeyPermissions, claims.Permissions)
		h(w, r.WithContext(ctx))
	}
}

// validateJWT validates the bearer token using JWKS
func (m *Mux) validateJWT(r *http.Request) (*jwks.Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errordefs.New(errordefs.PV_AUTHN, "missing Authorization header", "")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errordefs.New(errordefs.PV_AUTHN, "invalid Authorization header format", "")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwks.ErrExpired):
		return nil, errordefs.New(errordefs.PV_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwks.ErrMalformed):
		return nil, errordefs.New(errordefs.PV_JWT_MALFORMED, "malformed JWT", "")
	case errors.Is(err, jwks.ErrInvalid):
		return nil, errordefs.New(errordefs.PV_JWT_INVALID, "invalid JWT", "")
	default:
		m.logger.Warn("JWT key retrieval failed", "error", err)
		return nil, errordefs.New(errordefs.PV_UNAVAILABLE, "token keys unavailable", "")
	}
}

// subject returns the authenticated subject of r.
func subject(r *http.Request) string {
	s, _ := r.Context().Value(ContextKeySubject).(string)
	return s
}

// correlationID returns the correlation ID of r.
func correlationID(r *http.Request) string {
	c, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return c
}

// authorize checks the caller's permissions against required.
func authorize(r *http.Request, required []string) error {
	granted, _ := r.Context().Value(ContextKeyPermissions).([]string)
	if missing := rbac.Missing(granted, required); len(missing) > 0 {
		return errordefs.NewWithDetails(errordefs.PV_AUTHZ, "missing required permissions", "", map[string]interface{}{"missing": missing})
	}
	return nil
}

// decode reads a JSON body into dst and validates its struct tags.
func (m *Mux) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errordefs.NewWithDetails(errordefs.PV_BAD_REQUEST, "invalid JSON", "", err.Error())
	}
	if err := m.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return errordefs.NewWithDetails(errordefs.PV_VALIDATION, "invalid request", "", fields)
		}
		return errordefs.Wrap(errordefs.PV_VALIDATION, "invalid request", err)
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes err in the error envelope, stamped with the request's
// correlation ID. Errors without a code are reported as PV_INTERNAL.
func (m *Mux) writeErrorDef(w http.ResponseWriter, r *http.Request, err error) {
	e := errordefs.As(err).WithCorrelation(correlationID(r))
	if e.Code == errordefs.PV_INTERNAL {
		m.logger.ErrorContext(r.Context(), "internal error", "error", err, "correlation_id", e.CorrelationID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": e})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID, sub string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}

	if sub != "" {
		attrs = append(attrs, slog.String("subject", sub))
	}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
