package session

import (
	"time"
)

type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusProcessing      Status = "processing"
	StatusRunningTool     Status = "running_tool"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompacting      Status = "compacting"
	StatusEnded           Status = "ended"
)

// ParseStatus maps a wire label to a Status. Anything unrecognized is
// StatusUnknown with ok=false.
func ParseStatus(label string) (Status, bool) {
	switch s := Status(label); s {
	case StatusUnknown, StatusProcessing, StatusRunningTool,
		StatusWaitingForInput, StatusCompacting, StatusEnded:
		return s, true
	default:
		return StatusUnknown, false
	}
}

// Session is a snapshot of one tracked agent run. Registry methods always
// hand out copies; mutating one has no effect on the registry.
type Session struct {
	ID          string    `json:"session_id"`
	TTY         string    `json:"tty,omitempty"`
	CWD         string    `json:"cwd,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Status      Status    `json:"status"`
	LastMessage string    `json:"last_message,omitempty"`
	LastTool    string    `json:"last_tool,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s Session) Ended() bool {
	return s.Status == StatusEnded
}

// Update carries the fields of one incoming event. Zero values mean
// "not supplied" and never overwrite what is already recorded.
type Update struct {
	TTY         string
	CWD         string
	PID         int
	Status      string
	LastMessage string
	LastTool    string
}

func (s *Session) apply(u Update, isNew bool) {
	if u.TTY != "" {
		s.TTY = u.TTY
	}
	if u.CWD != "" {
		s.CWD = u.CWD
	}
	if u.PID > 0 {
		s.PID = u.PID
	}
	if u.Status != "" {
		status, ok := ParseStatus(u.Status)
		if ok || isNew {
			s.Status = status
		}
	}
	if u.LastMessage != "" {
		s.LastMessage = u.LastMessage
	}
	if u.LastTool != "" {
		s.LastTool = u.LastTool
	}
}

// Hook event kinds sent by Claude Code.
const (
	EventSessionStart     = "SessionStart"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventNotification     = "Notification"
	EventStop             = "Stop"
	EventPreCompact       = "PreCompact"
	EventSessionEnd       = "SessionEnd"

	NotificationIdlePrompt = "idle_prompt"
)

// StatusForEvent returns the status an event kind implies, or "" when the
// event says nothing about status.
func StatusForEvent(kind, notificationType string) Status {
	switch kind {
	case EventSessionStart, EventUserPromptSubmit, EventPostToolUse:
		return StatusProcessing
	case EventPreToolUse:
		return StatusRunningTool
	case EventNotification:
		if notificationType == NotificationIdlePrompt {
			return StatusWaitingForInput
		}
		return ""
	case EventStop:
		return StatusWaitingForInput
	case EventPreCompact:
		return StatusCompacting
	case EventSessionEnd:
		return StatusEnded
	}
	return ""
}
