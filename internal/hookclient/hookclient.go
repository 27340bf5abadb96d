// Package hookclient is the command side of the agent's hooks: it reads a
// hook payload on stdin, forwards it to the running daemon and, for
// permission requests, prints the decision the agent expects on stdout.
//
// Every failure that is not a decision is silent so the agent falls back
// to its own prompt.
package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agent-command/approvald/internal/bridge"
)

const (
	DefaultPermissionTimeout = 310 * time.Second
	DefaultSessionTimeout    = 5 * time.Second

	hookEventPermission = "PermissionRequest"
	maxRenderedInput    = 500

	reasonParseFailed = "Failed to parse hook input"
	reasonTimeout     = "Telegram approval timeout"
	reasonDenied      = "Denied via Telegram"
)

// TerminalLookup resolves the tty of the agent process.
type TerminalLookup interface {
	ParentTerminal(ctx context.Context, ppid int) string
}

type Client struct {
	baseURL           string
	hc                *http.Client
	terminals         TerminalLookup
	log               zerolog.Logger
	permissionTimeout time.Duration
	sessionTimeout    time.Duration
	newID             func() string
	ppid              func() int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithTerminals(t TerminalLookup) Option {
	return func(c *Client) { c.terminals = t }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithTimeouts(permission, session time.Duration) Option {
	return func(c *Client) {
		c.permissionTimeout = permission
		c.sessionTimeout = session
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		hc:                &http.Client{},
		log:               zerolog.Nop(),
		permissionTimeout: DefaultPermissionTimeout,
		sessionTimeout:    DefaultSessionTimeout,
		newID:             uuid.NewString,
		ppid:              os.Getppid,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type permissionHookInput struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	SessionID string         `json:"session_id"`
}

type permissionReply struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type hookDecision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

type hookOutput struct {
	HookSpecificOutput struct {
		HookEventName string       `json:"hookEventName"`
		Decision      hookDecision `json:"decision"`
	} `json:"hookSpecificOutput"`
}

// Permission handles one PermissionRequest hook. It writes nothing when
// the daemon cannot be reached, which leaves the decision to the agent.
func (c *Client) Permission(ctx context.Context, in io.Reader, out io.Writer) error {
	var hook permissionHookInput
	if err := json.NewDecoder(in).Decode(&hook); err != nil {
		return writeDecision(out, "deny", reasonParseFailed)
	}
	if hook.ToolName == "" {
		hook.ToolName = "unknown"
	}

	body := bridge.PermissionInput{
		RequestID: c.newID(),
		Tool:      hook.ToolName,
		Command:   RenderCommand(hook.ToolName, hook.ToolInput),
		SessionID: hook.SessionID,
	}

	ctx, cancel := context.WithTimeout(ctx, c.permissionTimeout)
	defer cancel()

	var reply permissionReply
	err := c.post(ctx, "/permission", body, &reply)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return writeDecision(out, "deny", reasonTimeout)
	case err != nil:
		c.log.Debug().Err(err).Msg("bridge unavailable")
		return nil
	}

	if reply.Decision == "allow" {
		return writeDecision(out, "allow", "")
	}
	if reply.Reason == "" {
		reply.Reason = reasonDenied
	}
	return writeDecision(out, "deny", reply.Reason)
}

func writeDecision(out io.Writer, behavior, message string) error {
	var o hookOutput
	o.HookSpecificOutput.HookEventName = hookEventPermission
	o.HookSpecificOutput.Decision = hookDecision{Behavior: behavior, Message: message}
	return json.NewEncoder(out).Encode(o)
}

// RenderCommand is the one-line description of a tool call shown to the
// approver.
func RenderCommand(tool string, input map[string]any) string {
	switch tool {
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return cmd
		}
		return fmt.Sprint(input)
	case "Write":
		return "Write to: " + stringOr(input["file_path"], "unknown")
	case "Edit":
		return "Edit: " + stringOr(input["file_path"], "unknown")
	}
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Sprint(input)
	}
	r := []rune(string(raw))
	if len(r) > maxRenderedInput {
		r = r[:maxRenderedInput]
	}
	return string(r)
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

type SessionHookInput struct {
	SessionID        string `json:"session_id"`
	HookEventName    string `json:"hook_event_name"`
	CWD              string `json:"cwd"`
	NotificationType string `json:"notification_type"`
	Message          string `json:"message"`
	ToolName         string `json:"tool_name"`
}

// BuildSessionEvent turns a hook payload into the daemon's session event.
// ok is false for hook events the daemon does not track.
func BuildSessionEvent(in SessionHookInput) (ev bridge.SessionEvent, ok bool) {
	ev = bridge.SessionEvent{
		SessionID: in.SessionID,
		Event:     in.HookEventName,
		CWD:       in.CWD,
	}
	if ev.SessionID == "" {
		ev.SessionID = "unknown"
	}
	switch in.HookEventName {
	case "SessionStart":
		ev.Status = "processing"
	case "Notification":
		ev.NotificationType = in.NotificationType
		ev.Message = in.Message
		ev.Status = "notification"
		if in.NotificationType == "idle_prompt" {
			ev.Status = "waiting_for_input"
		}
	case "Stop":
		ev.Status = "waiting_for_input"
		ev.Message = in.Message
	case "SessionEnd":
		ev.Status = "ended"
	case "PreToolUse":
		ev.Status = "running_tool"
		ev.Tool = in.ToolName
	case "PostToolUse":
		ev.Status = "processing"
		ev.Tool = in.ToolName
	case "UserPromptSubmit":
		ev.Status = "processing"
	case "PreCompact":
		ev.Status = "compacting"
	default:
		return bridge.SessionEvent{}, false
	}
	return ev, true
}

// Session forwards one lifecycle hook. Errors are logged at debug and
// never returned; the agent must not be held up by the bridge.
func (c *Client) Session(ctx context.Context, in io.Reader) {
	var hook SessionHookInput
	if err := json.NewDecoder(in).Decode(&hook); err != nil {
		return
	}
	ev, ok := BuildSessionEvent(hook)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.sessionTimeout)
	defer cancel()

	ev.PID = c.ppid()
	if c.terminals != nil {
		ev.TTY = c.terminals.ParentTerminal(ctx, ev.PID)
	}
	if err := c.post(ctx, "/session", ev, nil); err != nil {
		c.log.Debug().Err(err).Str("event", ev.Event).Msg("session event not delivered")
	}
}

func (c *Client) post(ctx context.Context, path string, body, into any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: %s", path, resp.Status)
	}
	if into == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
