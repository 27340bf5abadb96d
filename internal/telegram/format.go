package telegram

import (
	"fmt"
	"strings"

	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/gateway"
	"github.com/agent-command/approvald/internal/logging"
	"github.com/agent-command/approvald/internal/session"
)

// Display limits, in characters.
const (
	maxCommandRequest = 500
	maxCommandOutcome = 100
	maxCommandPending = 50
	maxLastMessage    = 500
	maxLastMessageRow = 100
	maxEcho           = 200
)

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func shortID(id string) string {
	return logging.ShortID(id) + "..."
}

func statusEmoji(s session.Status) string {
	switch s {
	case session.StatusProcessing:
		return "⚙️"
	case session.StatusWaitingForInput:
		return "💬"
	case session.StatusRunningTool:
		return "🔧"
	case session.StatusEnded:
		return "✅"
	case session.StatusCompacting:
		return "📦"
	}
	return "❓"
}

// displayCWD shortens the home directory prefix to ~.
func displayCWD(cwd, home string) string {
	if cwd == "" {
		return "unknown"
	}
	if home != "" && strings.HasPrefix(cwd, home) {
		return "~" + cwd[len(home):]
	}
	return cwd
}

func permissionText(req *broker.PendingRequest) string {
	var b strings.Builder
	b.WriteString("🔐 *Permission Request*\n\n")
	fmt.Fprintf(&b, "*Tool:* `%s`\n", req.Tool)
	fmt.Fprintf(&b, "*Command:*\n```\n%s\n```", truncate(req.Command, maxCommandRequest))
	if req.SessionID != "" {
		fmt.Fprintf(&b, "\n*Session:* `%s`", shortID(req.SessionID))
	}
	return b.String()
}

func permissionKeyboard(requestID string) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{
			{Text: "✅ Allow", CallbackData: "allow:" + requestID},
			{Text: "❌ Deny", CallbackData: "deny:" + requestID},
		},
		{
			{Text: "✅ Allow All Session", CallbackData: "allow_session:" + requestID},
		},
	}}
}

func replyKeyboard(sessionID string) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: "📝 Reply", CallbackData: "reply:" + sessionID}},
	}}
}

func resolutionText(r gateway.Resolution) string {
	var head string
	switch r.Outcome {
	case gateway.OutcomeAllowed:
		head = "✅ *Allowed*"
	case gateway.OutcomeAllowedSession:
		head = "✅ *Allowed (all session)*"
	case gateway.OutcomeTimedOut:
		head = "⏰ *Timeout*"
	default:
		head = "❌ *Denied*"
	}
	return fmt.Sprintf("%s\n\n*Tool:* `%s`\n*Command:* `%s`",
		head, r.Request.Tool, truncate(r.Request.Command, maxCommandOutcome))
}

func sessionStartedText(s *session.Session, home, branch string) string {
	return fmt.Sprintf("🆕 *New Session*\n\n📁 `%s`%s\n🔑 `%s`", displayCWD(s.CWD, home), branchLine(branch), shortID(s.ID))
}

func sessionWaitingText(s *session.Session, home, branch string) string {
	msg := s.LastMessage
	if msg == "" {
		msg = "No message"
	}
	return fmt.Sprintf("💬 *Session waiting for input*\n\n📁 `%s`%s\n\n*Claude:*\n%s",
		displayCWD(s.CWD, home), branchLine(branch), truncate(msg, maxLastMessage))
}

func branchLine(branch string) string {
	if branch == "" || branch == "HEAD" {
		return ""
	}
	return "\n🌿 `" + branch + "`"
}

func sessionEndedText(s *session.Session, home string) string {
	return fmt.Sprintf("✅ *Session ended*\n\n📁 `%s`", displayCWD(s.CWD, home))
}

func replyRequestedText(s *session.Session, home string) string {
	return fmt.Sprintf("📝 *Reply requested*\n\n📁 `%s`\n🔑 `%s`", displayCWD(s.CWD, home), shortID(s.ID))
}

func replyModeText(s session.Session, home string) string {
	return fmt.Sprintf("📝 *Reply mode active*\n\n📁 `%s`\n\n"+
		"Type your message and I'll send it to this session.\n"+
		"Use /cancel to exit reply mode.", displayCWD(s.CWD, home))
}

const startText = "🤖 *Claude Code Permission Bridge*\n\n" +
	"I'll forward permission requests from Claude Code for your approval.\n\n" +
	"*Commands:*\n" +
	"/status - Show bridge status\n" +
	"/sessions - Show active sessions\n" +
	"/pending - Show pending permission requests\n" +
	"/cancel - Cancel current reply mode"

func pendingText(reqs []broker.PendingRequest) string {
	if len(reqs) == 0 {
		return "No pending requests."
	}
	var b strings.Builder
	b.WriteString("*Pending Requests:*\n\n")
	for _, r := range reqs {
		fmt.Fprintf(&b, "• `%s`: `%s`\n", r.Tool, truncate(r.Command, maxCommandPending))
	}
	return b.String()
}

func sessionsText(sessions []session.Session, home string) string {
	if len(sessions) == 0 {
		return "No active sessions."
	}
	var b strings.Builder
	b.WriteString("*Active Sessions:*\n\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s `%s`\n", statusEmoji(s.Status), shortID(s.ID))
		fmt.Fprintf(&b, "   📁 %s\n", displayCWD(s.CWD, home))
		if s.Status == session.StatusWaitingForInput && s.LastMessage != "" {
			fmt.Fprintf(&b, "   💬 _%s_\n", truncate(s.LastMessage, maxLastMessageRow))
		}
		b.WriteString("\n")
	}
	return b.String()
}
