package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/session"
	"github.com/agent-command/approvald/internal/tmux"
)

type stubStrategy struct {
	name  string
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Attempt(context.Context, session.Session, string) (Outcome, error) {
	s.calls++
	if s.err != nil {
		return Outcome{}, s.err
	}
	return Outcome{Message: "sent by " + s.name}, nil
}

var testSession = session.Session{ID: "s1", TTY: "/dev/ttys003"}

func TestSend_RequiresTerminal(t *testing.T) {
	first := &stubStrategy{name: "a"}
	d := New([]Strategy{first})

	_, err := d.Send(context.Background(), session.Session{ID: "s1"}, "hi")
	assert.True(t, errors.Is(err, ErrNoTerminal))
	assert.Zero(t, first.calls)
}

func TestSend_StopsAtFirstSuccess(t *testing.T) {
	a := &stubStrategy{name: "a", err: ErrNoPane}
	b := &stubStrategy{name: "b"}
	c := &stubStrategy{name: "c"}
	d := New([]Strategy{a, b, c})

	out, err := d.Send(context.Background(), testSession, "hi")
	require.NoError(t, err)
	assert.Equal(t, "b", out.Strategy)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Zero(t, c.calls)
}

func TestSend_ThirdStrategyAfterTwoFailures(t *testing.T) {
	a := &stubStrategy{name: "tmux", err: ErrUnavailable}
	b := &stubStrategy{name: "iterm", err: ErrUnavailable}
	c := &stubStrategy{name: "device"}
	d := New([]Strategy{a, b, c})

	out, err := d.Send(context.Background(), testSession, "hi")
	require.NoError(t, err)
	assert.Equal(t, "device", out.Strategy)
	assert.Equal(t, "sent by device", out.Message)
}

func TestSend_AllFail(t *testing.T) {
	d := New([]Strategy{
		&stubStrategy{name: "tmux", err: fmt.Errorf("%w: x", ErrNoPane)},
		&stubStrategy{name: "device", err: fmt.Errorf("%w: x", ErrPermissionDenied)},
	})

	_, err := d.Send(context.Background(), testSession, "hi")
	var derr *DispatchError
	require.True(t, errors.As(err, &derr))
	require.Len(t, derr.Attempts, 2)
	assert.Equal(t, "tmux", derr.Attempts[0].Strategy)
	assert.True(t, errors.Is(err, ErrNoPane))
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.False(t, errors.Is(err, ErrDeviceNotFound))
	assert.Contains(t, err.Error(), "device:")
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		Tmux:     config.TmuxConfig{Bin: "tmux", FallbackSession: "claude"},
		Dispatch: config.DispatchConfig{Strategies: []string{"device", "tmux"}},
	}
	strategies, err := FromConfig(cfg, tmux.NewClient(&cfg.Tmux, nil))
	require.NoError(t, err)

	d := New(strategies)
	assert.Equal(t, []string{"device", "tmux"}, d.Strategies())

	cfg.Dispatch.Strategies = []string{"carrier-pigeon"}
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}

type scriptedRunner struct {
	calls  [][]string
	output map[string]string
	fail   map[string]error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	joined := strings.Join(args, " ")
	for key, err := range r.fail {
		if strings.Contains(joined, key) {
			return nil, err
		}
	}
	for key, out := range r.output {
		if strings.Contains(joined, key) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

const paneListing = "/dev/ttys001\tother\t0\t0\t%1\n/dev/ttys003\twork\t2\t1\t%4\n/dev/ttys009\tclaude\t0\t0\t%9\n"

func TestTmuxStrategy_ExactTTYMatch(t *testing.T) {
	runner := &scriptedRunner{output: map[string]string{"list-panes": paneListing}}
	client := tmux.NewClient(&config.TmuxConfig{Bin: "tmux"}, runner)
	s := NewTmuxStrategy(client, "claude")

	out, err := s.Attempt(context.Background(), testSession, "yes please")
	require.NoError(t, err)
	assert.Equal(t, StrategyTmux, out.Strategy)
	assert.False(t, out.Qualified)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "work:2.1", "-l", "--", "yes please"}, runner.calls[1])
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "work:2.1", "Enter"}, runner.calls[2])
}

func TestTmuxStrategy_FallbackSession(t *testing.T) {
	runner := &scriptedRunner{output: map[string]string{"list-panes": paneListing}}
	client := tmux.NewClient(&config.TmuxConfig{Bin: "tmux"}, runner)
	s := NewTmuxStrategy(client, "claude")

	_, err := s.Attempt(context.Background(), session.Session{ID: "x", TTY: "/dev/ttys042"}, "go")
	require.NoError(t, err)
	assert.Equal(t, "claude:0.0", runner.calls[1][3])
}

func TestTmuxStrategy_NoPane(t *testing.T) {
	runner := &scriptedRunner{output: map[string]string{"list-panes": "/dev/ttys001\tother\t0\t0\t%1\n"}}
	client := tmux.NewClient(&config.TmuxConfig{Bin: "tmux"}, runner)
	s := NewTmuxStrategy(client, "claude")

	_, err := s.Attempt(context.Background(), testSession, "go")
	assert.True(t, errors.Is(err, ErrNoPane))
}

func TestTmuxStrategy_EnterMustSucceed(t *testing.T) {
	runner := &scriptedRunner{
		output: map[string]string{"list-panes": paneListing},
		fail:   map[string]error{"Enter": errors.New("exit status 1")},
	}
	client := tmux.NewClient(&config.TmuxConfig{Bin: "tmux"}, runner)
	s := NewTmuxStrategy(client, "claude")

	_, err := s.Attempt(context.Background(), testSession, "go")
	assert.Error(t, err)
}

func TestITermStrategy(t *testing.T) {
	runner := &scriptedRunner{output: map[string]string{"-e": "ok\n"}}
	s := &ITermStrategy{runner: runner, enabled: true}

	out, err := s.Attempt(context.Background(), testSession, `say "hi" \o/`)
	require.NoError(t, err)
	assert.True(t, out.Qualified)
	assert.Equal(t, StrategyITerm, out.Strategy)

	script := runner.calls[0][2]
	assert.Contains(t, script, `tty of s contains "ttys003"`)
	assert.Contains(t, script, `write text "say \"hi\" \\o/" newline yes`)
}

func TestITermStrategy_NotFoundAndDisabled(t *testing.T) {
	runner := &scriptedRunner{output: map[string]string{"-e": "not found"}}
	s := &ITermStrategy{runner: runner, enabled: true}
	_, err := s.Attempt(context.Background(), testSession, "x")
	assert.True(t, errors.Is(err, ErrNoPane))

	s.enabled = false
	_, err = s.Attempt(context.Background(), testSession, "x")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

type nopCloser struct{ strings.Builder }

func (*nopCloser) Close() error { return nil }

func TestDeviceStrategy_ErrorMapping(t *testing.T) {
	perm := NewDeviceStrategy(func(string) (io.WriteCloser, error) {
		return nil, &fs.PathError{Op: "open", Path: "/dev/ttys003", Err: fs.ErrPermission}
	})
	_, err := perm.Attempt(context.Background(), testSession, "x")
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.False(t, errors.Is(err, ErrDeviceNotFound))

	missing := NewDeviceStrategy(func(string) (io.WriteCloser, error) {
		return nil, &fs.PathError{Op: "open", Path: "/dev/ttys003", Err: fs.ErrNotExist}
	})
	_, err = missing.Attempt(context.Background(), testSession, "x")
	assert.True(t, errors.Is(err, ErrDeviceNotFound))
}

func TestDeviceStrategy_AppendsNewline(t *testing.T) {
	var buf nopCloser
	var opened string
	s := NewDeviceStrategy(func(path string) (io.WriteCloser, error) {
		opened = path
		return &buf, nil
	})

	out, err := s.Attempt(context.Background(), testSession, "continue")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttys003", opened)
	assert.Equal(t, "continue\n", buf.String())
	assert.Equal(t, StrategyDevice, out.Strategy)
}
