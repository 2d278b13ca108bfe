// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams remediation requests raised from a view's selection to the
// remediation service.
package event

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/patchview-go/internal/metrics"
	"github.com/RegistryAccord/patchview-go/internal/view"
)

// SubjectRemediationRequested is the subject remediation requests are published on.
const SubjectRemediationRequested = "patchview.remediations.requested"

// dedupWindow is how long an identical request is suppressed.
const dedupWindow = 2 * time.Minute

// Publisher interface defines the event publishing operations required by the service.
type Publisher interface {
	// PublishRemediationRequested publishes a remediation request and reports
	// whether it was sent (false when suppressed as a duplicate).
	PublishRemediationRequested(ctx context.Context, req RemediationRequested) (bool, error)

	// Close closes the publisher connection
	Close() error
}

// RemediationRequested is the payload of a remediation request event.
type RemediationRequested struct {
	ViewID      string            `json:"viewId"`              // View the selection was made in
	Owner       string            `json:"owner"`               // Subject that requested it
	Remediation *view.Remediation `json:"remediation"`         // Issues and systems
	ExportURL   string            `json:"exportUrl,omitempty"` // Presigned download of the payload
}

// Key identifies a request for deduplication: the same view asking for the
// same issues on the same systems.
func (r RemediationRequested) Key() string {
	h := sha256.New()
	h.Write([]byte(r.ViewID))
	if r.Remediation != nil {
		for _, is := range r.Remediation.Issues {
			fmt.Fprintf(h, "|%s:%s", is.ID, strings.Join(is.Systems, ","))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It allows the service to function without event streaming.
type noop struct{}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

// Close implements Publisher
func (n *noop) Close() error { return nil }

// PublishRemediationRequested implements Publisher
// It does nothing and reports the event as not sent.
func (n *noop) PublishRemediationRequested(ctx context.Context, req RemediationRequested) (bool, error) {
	return false, nil
}

// jetStream is the subset of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn // NATS connection, nil in tests
	js      jetStream  // JetStream context for publishing
	metrics *metrics.Metrics
	now     func() time.Time

	dedup map[string]time.Time // Map of request keys to last publish time
	mutex sync.Mutex           // Protects dedup
}

// NewPublisher creates a publisher for the given NATS URL.
// An empty URL, or a server that cannot be reached, yields a no-op publisher.
// Parameters:
//   - url: NATS server URL
//   - logger: Logger used to report the fallback
//
// Returns:
//   - Publisher: Either a NATS publisher or a no-op publisher
func NewPublisher(url string, logger *slog.Logger) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("patchviewd"), nats.Timeout(5*time.Second))
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	p := newNatsPub(js)
	p.nc = nc
	return p
}

func newNatsPub(js jetStream) *natsPub {
	return &natsPub{
		js:      js,
		metrics: metrics.NewMetrics(),
		now:     time.Now,
		dedup:   make(map[string]time.Time),
	}
}

// initStreams creates the PV_REMEDIATIONS stream.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       "PV_REMEDIATIONS",
		Subjects:   []string{"patchview.remediations.*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create PV_REMEDIATIONS stream: %w", err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// seenRecently reports whether key was published within the dedup window.
func (p *natsPub) seenRecently(key string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	last, exists := p.dedup[key]
	return exists && p.now().Sub(last) < dedupWindow
}

// markPublished records key and drops entries older than the window.
func (p *natsPub) markPublished(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()
	for k, t := range p.dedup {
		if now.Sub(t) >= dedupWindow {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = now
}

// PublishRemediationRequested publishes a remediation request.
// It wraps the request in an event envelope; the request key doubles as the
// JetStream message id so the server deduplicates across replicas too.
// Parameters:
//   - ctx: Context for the operation
//   - req: The remediation request
//
// Returns:
//   - bool: Whether the event was sent
//   - error: Any error that occurred during publishing
func (p *natsPub) PublishRemediationRequested(ctx context.Context, req RemediationRequested) (bool, error) {
	key := req.Key()
	if p.seenRecently(key) {
		p.metrics.RemediationPublishTotal.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	correlationID, _ := ctx.Value(correlationIDKey{}).(string)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	envelope := EventEnvelope{
		Type:          SubjectRemediationRequested,
		Version:       "1.0.0",
		OccurredAt:    p.now().UTC(),
		CorrelationID: correlationID,
		Payload:       req,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return false, err
	}

	if _, err := p.js.Publish(SubjectRemediationRequested, b, nats.MsgId(key), nats.Context(ctx)); err != nil {
		p.metrics.RemediationPublishTotal.WithLabelValues("error").Inc()
		return false, err
	}

	p.markPublished(key)
	p.metrics.RemediationPublishTotal.WithLabelValues("sent").Inc()
	return true, nil
}

type correlationIDKey struct{}

// WithCorrelationID returns a context whose events carry id as their correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}
