// Package events publishes entitlement lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	TypeActivated         = "activated"
	TypeReset             = "reset"
	TypeDowngraded        = "downgraded"
	TypeUsageLimitReached = "usage-limit-reached"

	DefaultSubjectPrefix = "entitlements"
)

type Event struct {
	ID             uuid.UUID         `json:"id"`
	Type           string            `json:"type"`
	PluginID       string            `json:"plugin_id"`
	InstallationID string            `json:"installation_id"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

type NATSPublisher struct {
	conn       Conn
	prefix     string
	maxRetries int
}

func NewNATSPublisher(conn Conn, prefix string, maxRetries int) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, maxRetries: maxRetries}
}

// Subject is <prefix>.<pluginID>.<type>.
func (p *NATSPublisher) Subject(pluginID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, pluginID, eventType)
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := p.Subject(evt.PluginID, evt.Type)
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}

// Noop discards events when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
