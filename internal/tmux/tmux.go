package tmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/agent-command/approvald/internal/config"
)

var ErrNotInstalled = errors.New("tmux not installed")

// Runner executes an external command and returns its stdout. A non-zero
// exit is an error that includes stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

type Pane struct {
	TTY         string
	SessionName string
	WindowIndex int
	PaneIndex   int
	PaneID      string
}

// Target builds the tmux target string (session:window.pane).
func (p Pane) Target() string {
	return fmt.Sprintf("%s:%d.%d", p.SessionName, p.WindowIndex, p.PaneIndex)
}

const (
	listTimeout = 5 * time.Second
	sendTimeout = 10 * time.Second
)

type Client struct {
	cfg    *config.TmuxConfig
	bin    string
	runner Runner
}

// NewClient resolves the tmux binary (configured path first, then PATH and
// the usual install locations). A nil runner uses ExecRunner.
func NewClient(cfg *config.TmuxConfig, runner Runner) *Client {
	if runner == nil {
		runner = ExecRunner{}
	}
	bin := cfg.Bin
	if bin == "" {
		bin = FindBinary()
	}
	return &Client{cfg: cfg, bin: bin, runner: runner}
}

var commonPaths = []string{
	"/opt/homebrew/bin/tmux",
	"/usr/local/bin/tmux",
	"/usr/bin/tmux",
}

// FindBinary returns the tmux executable path, or "" when none is found.
func FindBinary() string {
	if path, err := exec.LookPath("tmux"); err == nil {
		return path
	}
	for _, path := range commonPaths {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return path
		}
	}
	return ""
}

func (c *Client) Available() bool {
	return c.bin != ""
}

func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	if c.bin == "" {
		return nil, ErrNotInstalled
	}
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.runner.Run(ctx, c.bin, args...)
}

// ListPanes returns all panes across all tmux sessions.
func (c *Client) ListPanes(ctx context.Context) ([]Pane, error) {
	format := "#{pane_tty}\t#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_id}"
	output, err := c.run(ctx, listTimeout, "list-panes", "-a", "-F", format)
	if err != nil {
		// No tmux server running is not an error
		if strings.Contains(strings.ToLower(err.Error()), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list panes: %w", err)
	}

	var panes []Pane
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 4 {
			continue
		}
		pane := Pane{TTY: fields[0], SessionName: fields[1]}
		pane.WindowIndex, _ = strconv.Atoi(fields[2])
		pane.PaneIndex, _ = strconv.Atoi(fields[3])
		if len(fields) > 4 {
			pane.PaneID = fields[4]
		}
		panes = append(panes, pane)
	}
	return panes, scanner.Err()
}

// SendKeysRaw sends literal text to a pane using tmux send-keys -l.
func (c *Client) SendKeysRaw(ctx context.Context, target, text string) error {
	_, err := c.run(ctx, sendTimeout, "send-keys", "-t", target, "-l", "--", text)
	return err
}

// SendKeys sends named keys (e.g. "Enter") to a pane.
func (c *Client) SendKeys(ctx context.Context, target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	_, err := c.run(ctx, sendTimeout, args...)
	return err
}
