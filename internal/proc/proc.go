package proc

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var ErrNoTerminal = errors.New("process has no controlling terminal")

const psTimeout = 2 * time.Second

// Lookup resolves process metadata. The zero value uses gopsutil and ps.
type Lookup struct {
	// terminal and ps are replaceable in tests
	terminal func(ctx context.Context, pid int) (string, error)
	ps       func(ctx context.Context, pid int) (string, error)
}

func NewLookup() *Lookup {
	return &Lookup{}
}

// TerminalForPID returns the controlling tty of pid as a /dev path.
// gopsutil is asked first; platforms where it has no answer fall back to
// `ps -p <pid> -o tty=`.
func (l *Lookup) TerminalForPID(ctx context.Context, pid int) (string, error) {
	if pid <= 0 {
		return "", ErrNoTerminal
	}
	terminal := l.terminal
	if terminal == nil {
		terminal = gopsutilTerminal
	}
	if tty, ok := normalizeTTY(firstOK(terminal(ctx, pid))); ok {
		return tty, nil
	}

	ps := l.ps
	if ps == nil {
		ps = psTerminal
	}
	if tty, ok := normalizeTTY(firstOK(ps(ctx, pid))); ok {
		return tty, nil
	}
	return "", ErrNoTerminal
}

// ParentTerminal is the tty of the process that launched us (the agent,
// for a hook command).
func (l *Lookup) ParentTerminal(ctx context.Context, ppid int) string {
	tty, err := l.TerminalForPID(ctx, ppid)
	if err != nil {
		return ""
	}
	return tty
}

func firstOK(s string, err error) string {
	if err != nil {
		return ""
	}
	return s
}

func gopsutilTerminal(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return p.TerminalWithContext(ctx)
}

func psTerminal(ctx context.Context, pid int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, psTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "tty=").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// normalizeTTY turns "ttys003", "pts/3" or "/pts/3" into a /dev path.
// ps prints "??" or "-" for processes without a terminal.
func normalizeTTY(raw string) (string, bool) {
	tty := strings.TrimSpace(raw)
	if tty == "" || tty == "??" || tty == "?" || tty == "-" {
		return "", false
	}
	if strings.HasPrefix(tty, "/dev/") {
		return tty, true
	}
	return "/dev/" + strings.TrimPrefix(tty, "/"), true
}
