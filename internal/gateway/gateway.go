// Package gateway defines the boundary between the bridge core and the
// transports that reach the human approver.
package gateway

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/metrics"
	"github.com/agent-command/approvald/internal/session"
)

type Kind string

const (
	KindSessionStarted      Kind = "session_started"
	KindSessionWaiting      Kind = "session_waiting"
	KindSessionEnded        Kind = "session_ended"
	KindPermissionRequested Kind = "permission_requested"
	KindReplyRequested      Kind = "reply_requested"
)

// Notification is one outbound message. Session is set for session kinds,
// Request for permission_requested.
type Notification struct {
	Kind    Kind
	Session *session.Session
	Request *broker.PendingRequest
}

type Outcome string

const (
	OutcomeAllowed        Outcome = "allowed"
	OutcomeAllowedSession Outcome = "allowed_session"
	OutcomeDenied         Outcome = "denied"
	OutcomeTimedOut       Outcome = "timed_out"
)

// Resolution is the final state of a permission request.
type Resolution struct {
	Outcome Outcome
	Reason  string
	Request broker.PendingRequest
}

// Notifier delivers notifications to a human. Notify returns a ref for
// permission_requested that UpdateNotification can later annotate; other
// kinds may return "".
type Notifier interface {
	Notify(ctx context.Context, n Notification) (string, error)
	UpdateNotification(ctx context.Context, ref string, r Resolution) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) (string, error)        { return "", nil }
func (Nop) UpdateNotification(context.Context, string, Resolution) error { return nil }

// Fanout sends to a primary notifier, whose ref is returned, and copies
// every call to mirrors. Mirror failures are logged and dropped.
type Fanout struct {
	primary Notifier
	mirrors []Notifier
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewFanout(primary Notifier, log zerolog.Logger, m *metrics.Metrics, mirrors ...Notifier) *Fanout {
	if primary == nil {
		primary = Nop{}
	}
	return &Fanout{primary: primary, mirrors: mirrors, log: log, metrics: m}
}

func (f *Fanout) Notify(ctx context.Context, n Notification) (string, error) {
	ref, err := f.primary.Notify(ctx, n)
	f.record(n.Kind, err)
	for _, m := range f.mirrors {
		if _, merr := m.Notify(ctx, n); merr != nil {
			f.log.Warn().Err(merr).Str("kind", string(n.Kind)).Msg("mirror notify failed")
		}
	}
	return ref, err
}

func (f *Fanout) UpdateNotification(ctx context.Context, ref string, r Resolution) error {
	var err error
	if ref != "" {
		err = f.primary.UpdateNotification(ctx, ref, r)
	}
	for _, m := range f.mirrors {
		if merr := m.UpdateNotification(ctx, ref, r); merr != nil {
			f.log.Warn().Err(merr).Str("request_id", r.Request.RequestID).Msg("mirror update failed")
		}
	}
	return err
}

func (f *Fanout) record(kind Kind, err error) {
	switch {
	case err == nil:
		f.metrics.Notification(string(kind), "ok")
	case errors.Is(err, context.Canceled):
		f.metrics.Notification(string(kind), "canceled")
	default:
		f.metrics.Notification(string(kind), "error")
	}
}
