// Package natsbus mirrors bridge notifications onto a NATS subject tree.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/gateway"
)

const resolvedSuffix = "permission_resolved"

type conn interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON body of every published message.
type Event struct {
	Kind       string              `json:"kind"`
	Timestamp  time.Time           `json:"ts"`
	Host       string              `json:"host,omitempty"`
	Session    any                 `json:"session,omitempty"`
	Request    any                 `json:"request,omitempty"`
	Resolution *gateway.Resolution `json:"resolution,omitempty"`
}

type Publisher struct {
	nc      *nats.Conn
	conn    conn
	subject string
	host    string
	now     func() time.Time
}

// Connect dials the server and keeps reconnecting in the background.
func Connect(cfg config.NATSConfig, host string) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("approvald"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := newPublisher(nc, cfg.Subject, host)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, subject, host string) *Publisher {
	return &Publisher{conn: c, subject: subject, host: host, now: time.Now}
}

func (p *Publisher) Subject(kind string) string {
	return p.subject + "." + kind
}

func (p *Publisher) Notify(_ context.Context, n gateway.Notification) (string, error) {
	ev := Event{Kind: string(n.Kind), Timestamp: p.now().UTC(), Host: p.host}
	if n.Session != nil {
		ev.Session = n.Session
	}
	if n.Request != nil {
		ev.Request = n.Request
	}
	return "", p.publish(string(n.Kind), ev)
}

func (p *Publisher) UpdateNotification(_ context.Context, _ string, r gateway.Resolution) error {
	return p.publish(resolvedSuffix, Event{
		Kind:       resolvedSuffix,
		Timestamp:  p.now().UTC(),
		Host:       p.host,
		Resolution: &r,
	})
}

func (p *Publisher) publish(kind string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	if err := p.conn.Publish(p.Subject(kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	if err != nil {
		p.nc.Close()
	}
	return err
}
