package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/agent-command/approvald/internal/session"
	"github.com/agent-command/approvald/internal/tmux"
)

const (
	StrategyTmux   = "tmux"
	StrategyITerm  = "iterm"
	StrategyDevice = "device"
)

// TmuxStrategy types into the tmux pane whose tty matches the session.
type TmuxStrategy struct {
	client   *tmux.Client
	fallback string
}

func NewTmuxStrategy(client *tmux.Client, fallbackSession string) *TmuxStrategy {
	return &TmuxStrategy{client: client, fallback: fallbackSession}
}

func (t *TmuxStrategy) Name() string { return StrategyTmux }

func (t *TmuxStrategy) Attempt(ctx context.Context, s session.Session, text string) (Outcome, error) {
	if t.client == nil || !t.client.Available() {
		return Outcome{}, fmt.Errorf("%w: tmux not installed", ErrUnavailable)
	}
	panes, err := t.client.ListPanes(ctx)
	if err != nil {
		return Outcome{}, err
	}

	target := ""
	for _, p := range panes {
		if p.TTY == s.TTY {
			target = p.Target()
			break
		}
	}
	if target == "" && t.fallback != "" {
		for _, p := range panes {
			if p.SessionName == t.fallback {
				target = p.Target()
				break
			}
		}
	}
	if target == "" {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoPane, s.TTY)
	}

	// Enter goes as its own call: Claude Code ignores a newline embedded in
	// literal input.
	if err := t.client.SendKeysRaw(ctx, target, text); err != nil {
		return Outcome{}, fmt.Errorf("send text to %s: %w", target, err)
	}
	if err := t.client.SendKeys(ctx, target, "Enter"); err != nil {
		return Outcome{}, fmt.Errorf("send enter to %s: %w", target, err)
	}
	return Outcome{
		Strategy: StrategyTmux,
		Message:  fmt.Sprintf("Sent via tmux to %s: %s", target, preview(text)),
	}, nil
}

const itermTimeout = 15 * time.Second

const itermScript = `tell application "iTerm2"
	repeat with w in windows
		repeat with t in tabs of w
			repeat with s in sessions of t
				if tty of s contains "%s" then
					tell s
						write text "%s" newline yes
					end tell
					return "ok"
				end if
			end repeat
		end repeat
	end repeat
	return "not found"
end tell`

// ITermStrategy writes through iTerm2's AppleScript interface. The text
// lands in the terminal but the agent may not treat it as submitted.
type ITermStrategy struct {
	runner  tmux.Runner
	enabled bool
}

// NewITermStrategy is enabled on macOS only. A nil runner uses exec.
func NewITermStrategy(runner tmux.Runner) *ITermStrategy {
	if runner == nil {
		runner = tmux.ExecRunner{}
	}
	return &ITermStrategy{runner: runner, enabled: runtime.GOOS == "darwin"}
}

func (i *ITermStrategy) Name() string { return StrategyITerm }

func (i *ITermStrategy) Attempt(ctx context.Context, s session.Session, text string) (Outcome, error) {
	if !i.enabled {
		return Outcome{}, fmt.Errorf("%w: iTerm2 requires macOS", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, itermTimeout)
	defer cancel()

	script := fmt.Sprintf(itermScript, strings.TrimPrefix(s.TTY, "/dev/"), escapeAppleScript(text))
	out, err := i.runner.Run(ctx, "osascript", "-e", script)
	if err != nil {
		return Outcome{}, fmt.Errorf("osascript: %w", err)
	}
	if result := strings.TrimSpace(string(out)); result != "ok" {
		return Outcome{}, fmt.Errorf("%w: iTerm2 session for %s (%s)", ErrNoPane, s.TTY, result)
	}
	return Outcome{
		Strategy:  StrategyITerm,
		Qualified: true,
		Message:   "Sent via iTerm2 (may need a manual Enter)",
	}, nil
}

func escapeAppleScript(text string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(text)
}

// DeviceStrategy writes straight to the tty device.
type DeviceStrategy struct {
	open func(path string) (io.WriteCloser, error)
}

// NewDeviceStrategy uses open to reach the device; nil opens the path
// write-only.
func NewDeviceStrategy(open func(path string) (io.WriteCloser, error)) *DeviceStrategy {
	if open == nil {
		open = func(path string) (io.WriteCloser, error) {
			return os.OpenFile(path, os.O_WRONLY, 0)
		}
	}
	return &DeviceStrategy{open: open}
}

func (d *DeviceStrategy) Name() string { return StrategyDevice }

func (d *DeviceStrategy) Attempt(_ context.Context, s session.Session, text string) (Outcome, error) {
	f, err := d.open(s.TTY)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return Outcome{}, fmt.Errorf("%w: %s", ErrPermissionDenied, s.TTY)
		case errors.Is(err, fs.ErrNotExist):
			return Outcome{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, s.TTY)
		}
		return Outcome{}, fmt.Errorf("open %s: %w", s.TTY, err)
	}

	w := bufio.NewWriter(f)
	_, werr := w.WriteString(text + "\n")
	if werr == nil {
		werr = w.Flush()
	}
	cerr := f.Close()
	if werr != nil {
		return Outcome{}, fmt.Errorf("write %s: %w", s.TTY, werr)
	}
	if cerr != nil {
		return Outcome{}, fmt.Errorf("close %s: %w", s.TTY, cerr)
	}
	return Outcome{
		Strategy: StrategyDevice,
		Message:  fmt.Sprintf("Sent to %s", s.TTY),
	}, nil
}
