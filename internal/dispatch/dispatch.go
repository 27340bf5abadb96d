// Package dispatch delivers operator text into an agent's terminal by
// trying injection strategies in a fixed order until one succeeds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/metrics"
	"github.com/agent-command/approvald/internal/session"
	"github.com/agent-command/approvald/internal/tmux"
)

var (
	ErrNoTerminal       = errors.New("session has no terminal")
	ErrPermissionDenied = errors.New("permission denied writing to terminal")
	ErrDeviceNotFound   = errors.New("terminal device not found")
	ErrNoPane           = errors.New("no matching tmux pane")
	ErrUnavailable      = errors.New("strategy unavailable")
)

// Outcome describes a successful injection. Qualified is set when the text
// was delivered but may not have been submitted.
type Outcome struct {
	Strategy  string `json:"strategy"`
	Qualified bool   `json:"qualified,omitempty"`
	Message   string `json:"message"`
}

type Strategy interface {
	Name() string
	Attempt(ctx context.Context, s session.Session, text string) (Outcome, error)
}

type Attempt struct {
	Strategy string
	Err      error
}

// DispatchError is returned when every strategy failed.
type DispatchError struct {
	Attempts []Attempt
}

func (e *DispatchError) Error() string {
	if len(e.Attempts) == 0 {
		return "dispatch: no strategies configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return "dispatch failed: " + strings.Join(parts, "; ")
}

func (e *DispatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

type Dispatcher struct {
	strategies []Strategy
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Dispatcher)

func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(strategies []Strategy, opts ...Option) *Dispatcher {
	d := &Dispatcher{strategies: strategies, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Strategies returns the configured strategy names in order.
func (d *Dispatcher) Strategies() []string {
	names := make([]string, 0, len(d.strategies))
	for _, s := range d.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Send tries each strategy in order and stops at the first success.
func (d *Dispatcher) Send(ctx context.Context, s session.Session, text string) (Outcome, error) {
	if s.TTY == "" {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoTerminal, s.ID)
	}

	derr := &DispatchError{}
	for _, strategy := range d.strategies {
		if err := ctx.Err(); err != nil {
			derr.Attempts = append(derr.Attempts, Attempt{Strategy: strategy.Name(), Err: err})
			break
		}
		out, err := strategy.Attempt(ctx, s, text)
		if err != nil {
			d.metrics.DispatchAttempt(strategy.Name(), "error")
			d.log.Debug().Err(err).Str("strategy", strategy.Name()).Str("tty", s.TTY).Msg("injection attempt failed")
			derr.Attempts = append(derr.Attempts, Attempt{Strategy: strategy.Name(), Err: err})
			continue
		}
		if out.Strategy == "" {
			out.Strategy = strategy.Name()
		}
		d.metrics.DispatchAttempt(strategy.Name(), "ok")
		d.log.Info().
			Str("strategy", out.Strategy).
			Str("session_id", s.ID).
			Bool("qualified", out.Qualified).
			Msg("input injected")
		return out, nil
	}
	return Outcome{}, derr
}

// FromConfig builds strategies in the order named by cfg.Dispatch.Strategies.
func FromConfig(cfg *config.Config, client *tmux.Client) ([]Strategy, error) {
	strategies := make([]Strategy, 0, len(cfg.Dispatch.Strategies))
	for _, name := range cfg.Dispatch.Strategies {
		switch name {
		case StrategyTmux:
			strategies = append(strategies, NewTmuxStrategy(client, cfg.Tmux.FallbackSession))
		case StrategyITerm:
			strategies = append(strategies, NewITermStrategy(nil))
		case StrategyDevice:
			strategies = append(strategies, NewDeviceStrategy(nil))
		default:
			return nil, fmt.Errorf("unknown dispatch strategy %q", name)
		}
	}
	return strategies, nil
}

func preview(text string) string {
	r := []rune(text)
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return text
}
