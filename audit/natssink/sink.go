// Package natssink forwards security audit events to NATS as JSON messages.
package natssink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/giantswarm/portal-auth/security"
)

// DefaultSubject is the subject events are published on when none is configured
const DefaultSubject = "portal.audit"

// Publisher is the subset of *nats.Conn used by Sink
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Sink publishes audit events to a NATS subject. Events of type T are published on
// "<subject>.<T>" so consumers can subscribe to a subset with wildcards.
type Sink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
}

// New creates a Sink on top of an existing publisher
func New(pub Publisher, subject string) (*Sink, error) {
	if pub == nil {
		return nil, errors.New("natssink: publisher is required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &Sink{pub: pub, subject: subject}, nil
}

// Connect dials url and returns a Sink that owns the connection
func Connect(url, subject string, opts ...nats.Option) (*Sink, error) {
	opts = append([]nats.Option{nats.Name("portal-auth-audit")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	s, err := New(nc, subject)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.conn = nc
	return s, nil
}

// Publish implements security.AuditSink
func (s *Sink) Publish(ctx context.Context, event security.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	subject := s.subject
	if event.Type != "" {
		subject = s.subject + "." + event.Type
	}
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Close drains the connection if the Sink created it
func (s *Sink) Close() {
	if s == nil || s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

var _ security.AuditSink = (*Sink)(nil)
