// Package bridge owns the request broker, the session registry and the
// dispatcher, and exposes the operations the transports call.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/dispatch"
	"github.com/agent-command/approvald/internal/gateway"
	"github.com/agent-command/approvald/internal/logging"
	"github.com/agent-command/approvald/internal/metrics"
	"github.com/agent-command/approvald/internal/session"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownAction   = errors.New("unknown action")
	ErrSessionNotFound = errors.New("session not found")
	ErrShuttingDown    = errors.New("bridge shutting down")
)

type Action string

const (
	ActionAllow        Action = "allow"
	ActionDeny         Action = "deny"
	ActionAllowSession Action = "allow_session"
)

const (
	ReasonAllowSession = "allowed for session"
	ReasonDenied       = "Denied"
	ReasonShutdown     = "Bridge shutting down"

	updateTimeout = 10 * time.Second
)

// Sender injects text into a session's terminal.
type Sender interface {
	Send(ctx context.Context, s session.Session, text string) (dispatch.Outcome, error)
}

// TerminalResolver finds the tty of a process.
type TerminalResolver interface {
	TerminalForPID(ctx context.Context, pid int) (string, error)
}

type PermissionInput struct {
	RequestID string `json:"request_id,omitempty"`
	Tool      string `json:"tool"`
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
}

type SessionEvent struct {
	SessionID        string `json:"session_id"`
	Event            string `json:"event"`
	Status           string `json:"status,omitempty"`
	TTY              string `json:"tty,omitempty"`
	CWD              string `json:"cwd,omitempty"`
	PID              int    `json:"pid,omitempty"`
	Tool             string `json:"tool,omitempty"`
	Message          string `json:"message,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
}

type Status struct {
	Pending           int           `json:"pending"`
	Sessions          int           `json:"sessions"`
	PermissionTimeout time.Duration `json:"permission_timeout"`
}

type Service struct {
	broker    *broker.Broker
	registry  *session.Registry
	sender    Sender
	terminals TerminalResolver
	metrics   *metrics.Metrics
	log       zerolog.Logger

	timeout atomic.Int64
	closed  atomic.Bool

	mu       sync.RWMutex
	notifier gateway.Notifier
}

type Options struct {
	Registry          *session.Registry
	Broker            *broker.Broker
	Sender            Sender
	Terminals         TerminalResolver
	Notifier          gateway.Notifier
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
	PermissionTimeout time.Duration
}

// New wires a Service. A nil Registry or Broker gets a fresh one; the
// broker always consults the registry's allow-all set.
func New(opts Options) *Service {
	reg := opts.Registry
	if reg == nil {
		reg = session.NewRegistry(session.WithLogger(opts.Logger))
	}
	b := opts.Broker
	if b == nil {
		b = broker.New(broker.WithAllowAll(reg), broker.WithLogger(opts.Logger))
	}
	s := &Service{
		broker:    b,
		registry:  reg,
		sender:    opts.Sender,
		terminals: opts.Terminals,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		notifier:  opts.Notifier,
	}
	if s.notifier == nil {
		s.notifier = gateway.Nop{}
	}
	timeout := opts.PermissionTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	s.timeout.Store(int64(timeout))
	return s
}

// SetNotifier swaps the outbound gateway. Transports that need the Service
// to exist first are attached this way.
func (s *Service) SetNotifier(n gateway.Notifier) {
	if n == nil {
		n = gateway.Nop{}
	}
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

func (s *Service) gateway() gateway.Notifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifier
}

func (s *Service) SetPermissionTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	if old := time.Duration(s.timeout.Swap(int64(d))); old != d {
		s.log.Info().Dur("timeout", d).Msg("permission timeout updated")
	}
}

func (s *Service) PermissionTimeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// SubmitPermissionRequest registers the request, tells the approver and
// blocks until a decision or the timeout. A failed notification still
// waits out the timeout and denies.
func (s *Service) SubmitPermissionRequest(ctx context.Context, in PermissionInput) (broker.Result, error) {
	if in.Tool == "" {
		return broker.Result{}, fmt.Errorf("%w: tool is required", ErrInvalidInput)
	}
	if s.closed.Load() {
		return broker.Result{}, ErrShuttingDown
	}
	req, err := s.broker.Submit(in.Tool, in.Command, in.SessionID, in.RequestID)
	if err != nil {
		return broker.Result{}, err
	}
	if s.closed.Load() {
		// Shutdown's CancelAll may already have run.
		_ = s.broker.Cancel(req.RequestID, ReasonShutdown)
		return broker.Result{}, ErrShuttingDown
	}
	s.metrics.SetPending(s.broker.Count())

	log := logging.From(ctx, s.log).With().Str("request_id", req.RequestID).Str("tool", req.Tool).Logger()
	log.Info().Str("command", preview(req.Command, 50)).Bool("auto_approved", req.AutoApproved).Msg("permission request")

	if !req.AutoApproved {
		ref, nerr := s.gateway().Notify(ctx, gateway.Notification{Kind: gateway.KindPermissionRequested, Request: &req})
		if nerr != nil {
			log.Error().Err(nerr).Msg("failed to notify approver")
		}
		if ref != "" {
			if err := s.broker.SetExternalRef(req.RequestID, ref); err != nil {
				log.Debug().Err(err).Msg("request gone before ref was recorded")
			}
		}
	}

	res, err := s.broker.AwaitDecision(req.RequestID, s.PermissionTimeout())
	if err != nil {
		return broker.Result{}, err
	}
	s.metrics.SetPending(s.broker.Count())

	resolution := resolutionFor(res)
	s.metrics.PermissionResolved(metricOutcome(res, resolution), time.Since(req.CreatedAt))
	log.Info().Str("decision", string(res.Decision)).Str("outcome", string(resolution.Outcome)).Msg("permission decided")

	// Mirrors get the resolution even when the primary holds no ref.
	if !res.Request.AutoApproved {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
		if err := s.gateway().UpdateNotification(uctx, res.Request.ExternalRef, resolution); err != nil {
			log.Warn().Err(err).Msg("failed to update approval message")
		}
		cancel()
	}
	return res, nil
}

func resolutionFor(res broker.Result) gateway.Resolution {
	r := gateway.Resolution{Reason: res.Reason, Request: res.Request}
	switch {
	case res.TimedOut:
		r.Outcome = gateway.OutcomeTimedOut
	case res.Decision == broker.DecisionDeny:
		r.Outcome = gateway.OutcomeDenied
	case res.Reason == ReasonAllowSession:
		r.Outcome = gateway.OutcomeAllowedSession
	default:
		r.Outcome = gateway.OutcomeAllowed
	}
	return r
}

func metricOutcome(res broker.Result, r gateway.Resolution) string {
	if res.Request.AutoApproved {
		return "auto_approved"
	}
	return string(r.Outcome)
}

// SubmitSessionEvent folds a hook event into the registry and notifies
// the approver for start, waiting and end.
func (s *Service) SubmitSessionEvent(ctx context.Context, ev SessionEvent) (session.Session, error) {
	if ev.SessionID == "" || ev.Event == "" {
		return session.Session{}, fmt.Errorf("%w: session_id and event are required", ErrInvalidInput)
	}

	waiting := ev.Event == session.EventStop ||
		(ev.Event == session.EventNotification && ev.NotificationType == session.NotificationIdlePrompt)

	status := ev.Status
	if implied := session.StatusForEvent(ev.Event, ev.NotificationType); implied != "" {
		// Stop, idle prompts and SessionEnd are authoritative over whatever
		// status label the hook sent along.
		if status == "" || waiting || ev.Event == session.EventSessionEnd {
			status = string(implied)
		}
	}

	u := session.Update{
		TTY:      ev.TTY,
		CWD:      ev.CWD,
		PID:      ev.PID,
		Status:   status,
		LastTool: ev.Tool,
	}
	if waiting {
		u.LastMessage = ev.Message
	}
	sess := s.registry.CreateOrUpdate(ev.SessionID, u)

	s.metrics.SessionEvent(ev.Event)
	s.metrics.SetActiveSessions(s.registry.Count())
	log := logging.From(ctx, s.log)
	log.Info().
		Str("session_id", logging.ShortID(ev.SessionID)).
		Str("event", ev.Event).
		Str("status", string(sess.Status)).
		Msg("session event")

	var kind gateway.Kind
	switch {
	case ev.Event == session.EventSessionStart:
		kind = gateway.KindSessionStarted
	case waiting:
		kind = gateway.KindSessionWaiting
	case ev.Event == session.EventSessionEnd:
		kind = gateway.KindSessionEnded
	}
	if kind != "" {
		snapshot := sess
		if _, err := s.gateway().Notify(ctx, gateway.Notification{Kind: kind, Session: &snapshot}); err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("session notification failed")
		}
	}
	return sess, nil
}

// Decide applies an approver's decision. allow_session also pre-approves
// every later request from the same session.
func (s *Service) Decide(ctx context.Context, requestID string, action Action, reason string) (broker.PendingRequest, error) {
	var (
		req broker.PendingRequest
		err error
	)
	switch action {
	case ActionAllow:
		req, err = s.broker.Resolve(requestID, broker.DecisionAllow, reason)
	case ActionDeny:
		if reason == "" {
			reason = ReasonDenied
		}
		req, err = s.broker.Resolve(requestID, broker.DecisionDeny, reason)
	case ActionAllowSession:
		req, err = s.broker.Resolve(requestID, broker.DecisionAllow, ReasonAllowSession)
		if err == nil && req.SessionID != "" {
			s.registry.MarkAllowAll(req.SessionID)
		}
	default:
		return broker.PendingRequest{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return broker.PendingRequest{}, err
	}
	log := logging.From(ctx, s.log)
	log.Info().Str("request_id", requestID).Str("action", string(action)).Msg("decision received")
	return req, nil
}

// SendText types text into a session's terminal. A session that reported
// a pid but no tty gets its tty looked up first.
func (s *Service) SendText(ctx context.Context, sessionID, text string) (dispatch.Outcome, error) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return dispatch.Outcome{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.TTY == "" && sess.PID > 0 && s.terminals != nil {
		if tty, err := s.terminals.TerminalForPID(ctx, sess.PID); err == nil {
			sess = s.registry.CreateOrUpdate(sessionID, session.Update{TTY: tty})
		}
	}
	if s.sender == nil {
		return dispatch.Outcome{}, fmt.Errorf("%w: no dispatcher", dispatch.ErrUnavailable)
	}
	return s.sender.Send(ctx, sess, text)
}

// RequestReply asks the approver to answer a session.
func (s *Service) RequestReply(ctx context.Context, sessionID string) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	_, err := s.gateway().Notify(ctx, gateway.Notification{Kind: gateway.KindReplyRequested, Session: &sess})
	return err
}

func (s *Service) Status() Status {
	return Status{
		Pending:           s.broker.Count(),
		Sessions:          s.registry.Count(),
		PermissionTimeout: s.PermissionTimeout(),
	}
}

func (s *Service) Pending() []broker.PendingRequest {
	return s.broker.List()
}

func (s *Service) PendingRequest(requestID string) (broker.PendingRequest, bool) {
	return s.broker.Get(requestID)
}

// Sessions returns sessions that have not ended.
func (s *Service) Sessions() []session.Session {
	return s.registry.Active()
}

func (s *Service) AllSessions() []session.Session {
	return s.registry.List()
}

func (s *Service) Session(id string) (session.Session, bool) {
	return s.registry.Get(id)
}

func (s *Service) RemoveSession(id string) bool {
	removed := s.registry.Remove(id)
	if removed {
		s.metrics.SetActiveSessions(s.registry.Count())
	}
	return removed
}

// Shutdown denies every pending request so blocked hook callers return.
// Later submits fail with ErrShuttingDown.
func (s *Service) Shutdown(reason string) int {
	s.closed.Store(true)
	n := s.broker.CancelAll(reason)
	if n > 0 {
		s.log.Info().Int("cancelled", n).Msg("pending requests cancelled")
	}
	return n
}

func preview(text string, n int) string {
	r := []rune(text)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return text
}
