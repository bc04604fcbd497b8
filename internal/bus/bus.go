// Package bus publishes fused-position and environment-state change events
// on a NATS subject for external observers (C13). It is a pub/sub
// observability channel, distinct from the HTTP/WebSocket API's per-client
// streaming (C15).
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/stridefusion/pdrengine/internal/types"
)

const (
	fusedSubjectFmt = "pdrengine.session.%s.fused"
	envSubjectFmt   = "pdrengine.session.%s.environment"
)

// Publisher publishes fusion events. Implementations must never block the
// fusion goroutine; NATS publishes are fire-and-forget.
type Publisher interface {
	PublishFused(types.FusedPosition)
	PublishEnvironment(types.EnvironmentState)
}

// NoopPublisher discards every event; used when no NATS URL is configured
// so the engine runs standalone without external services.
type NoopPublisher struct{}

func (NoopPublisher) PublishFused(types.FusedPosition)          {}
func (NoopPublisher) PublishEnvironment(types.EnvironmentState) {}

// NATSPublisher publishes onto a per-session subject pair.
type NATSPublisher struct {
	conn      *nats.Conn
	sessionID string
	log       *logrus.Logger
}

// Connect dials url and returns a NATSPublisher scoped to sessionID.
func Connect(url, sessionID string, log *logrus.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, sessionID: sessionID, log: log}, nil
}

// PublishFused publishes a FusedPosition. Marshal or publish errors are
// logged and swallowed — the bus is advisory, never load-bearing.
func (p *NATSPublisher) PublishFused(fp types.FusedPosition) {
	p.publish(fmt.Sprintf(fusedSubjectFmt, p.sessionID), fp)
}

// PublishEnvironment publishes an EnvironmentState.
func (p *NATSPublisher) PublishEnvironment(es types.EnvironmentState) {
	p.publish(fmt.Sprintf(envSubjectFmt, p.sessionID), es)
}

func (p *NATSPublisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.WithField("component", "bus").WithError(err).Warn("failed to marshal bus event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.WithField("component", "bus").WithError(err).Warn("failed to publish bus event")
	}
}

// Close closes the underlying NATS connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}
