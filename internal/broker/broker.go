// Package broker correlates a blocking approval request with the decision
// that arrives later on a different channel.
//
// Every live request has exactly one waiter (the submitter) and at most
// one successful Resolve. The waiter removes the entry when it returns, so
// a decision that arrives after the waiter gave up finds nothing.
package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound           = errors.New("request not found")
	ErrDuplicateRequestID = errors.New("duplicate request id")
	ErrInvalidDecision    = errors.New("invalid decision")
)

const (
	ReasonTimeout = "timeout"
)

type Decision string

const (
	DecisionUnset Decision = ""
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PendingRequest is the plain-data view of one outstanding approval.
type PendingRequest struct {
	RequestID    string    `json:"request_id"`
	Tool         string    `json:"tool"`
	Command      string    `json:"command"`
	SessionID    string    `json:"session_id,omitempty"`
	Decision     Decision  `json:"decision,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	AutoApproved bool      `json:"auto_approved,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Result is what AwaitDecision hands back to the submitter.
type Result struct {
	Decision Decision
	Reason   string
	TimedOut bool
	Request  PendingRequest
}

// AllowAllChecker reports sessions whose requests are pre-approved.
type AllowAllChecker interface {
	IsAllowAll(sessionID string) bool
}

type entry struct {
	req      PendingRequest
	done     chan struct{}
	resolved bool
}

type Broker struct {
	mu      sync.Mutex
	pending map[string]*entry
	allow   AllowAllChecker
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Broker)

func WithAllowAll(checker AllowAllChecker) Option {
	return func(b *Broker) { b.allow = checker }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		pending: make(map[string]*entry),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit registers a new pending request. An empty requestID gets a fresh
// UUID. For allow-all sessions the entry is registered already resolved
// with DecisionAllow and AutoApproved set; the approver must not be asked.
func (b *Broker) Submit(tool, command, sessionID, requestID string) (PendingRequest, error) {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	autoAllow := sessionID != "" && b.allow != nil && b.allow.IsAllowAll(sessionID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[requestID]; exists {
		return PendingRequest{}, fmt.Errorf("%w: %s", ErrDuplicateRequestID, requestID)
	}

	e := &entry{
		req: PendingRequest{
			RequestID: requestID,
			Tool:      tool,
			Command:   command,
			SessionID: sessionID,
			CreatedAt: b.now(),
		},
		done: make(chan struct{}),
	}
	if autoAllow {
		e.req.Decision = DecisionAllow
		e.req.AutoApproved = true
		e.resolved = true
		close(e.done)
	}
	b.pending[requestID] = e

	b.log.Debug().
		Str("request_id", requestID).
		Str("tool", tool).
		Bool("auto_approved", autoAllow).
		Msg("permission request registered")
	return e.req, nil
}

// AwaitDecision blocks until the request is resolved or timeout elapses.
// On timeout the decision is deny with reason "timeout". The entry is
// removed before returning, whatever the outcome.
func (b *Broker) AwaitDecision(requestID string, timeout time.Duration) (Result, error) {
	b.mu.Lock()
	e, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-e.done:
	case <-timer.C:
		timedOut = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A Resolve may have landed between the timer firing and taking the
	// lock; it wins, since the approver has already been told.
	if !e.resolved {
		e.req.Decision = DecisionDeny
		e.req.Reason = ReasonTimeout
		e.resolved = true
		close(e.done)
	} else {
		timedOut = false
	}
	if b.pending[requestID] == e {
		delete(b.pending, requestID)
	}

	if timedOut {
		b.log.Warn().Str("request_id", requestID).Dur("timeout", timeout).Msg("permission request timed out")
	}
	return Result{
		Decision: e.req.Decision,
		Reason:   e.req.Reason,
		TimedOut: timedOut,
		Request:  e.req,
	}, nil
}

// Resolve sets the decision for a live request and wakes its waiter. Only
// the first call for an id succeeds; later calls get ErrNotFound.
func (b *Broker) Resolve(requestID string, decision Decision, reason string) (PendingRequest, error) {
	if decision != DecisionAllow && decision != DecisionDeny {
		return PendingRequest{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.pending[requestID]
	if !ok || e.resolved {
		return PendingRequest{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	e.req.Decision = decision
	e.req.Reason = reason
	e.resolved = true
	close(e.done)

	b.log.Info().Str("request_id", requestID).Str("decision", string(decision)).Msg("permission request resolved")
	return e.req, nil
}

// Cancel resolves a live request as denied with reason.
func (b *Broker) Cancel(requestID, reason string) error {
	_, err := b.Resolve(requestID, DecisionDeny, reason)
	return err
}

// CancelAll denies every unresolved request and returns how many it touched.
func (b *Broker) CancelAll(reason string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, e := range b.pending {
		if e.resolved {
			continue
		}
		e.req.Decision = DecisionDeny
		e.req.Reason = reason
		e.resolved = true
		close(e.done)
		n++
	}
	return n
}

// SetExternalRef records the handle of the outbound notification.
func (b *Broker) SetExternalRef(requestID, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	e.req.ExternalRef = ref
	return nil
}

func (b *Broker) Get(requestID string) (PendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[requestID]
	if !ok {
		return PendingRequest{}, false
	}
	return e.req, true
}

// List returns live requests, oldest first.
func (b *Broker) List() []PendingRequest {
	b.mu.Lock()
	out := make([]PendingRequest, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, e.req)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
