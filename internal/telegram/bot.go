// Package telegram is the approver-facing gateway: it posts approval
// requests and session notices to a single private chat and turns button
// presses and replies into bridge calls.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/approvald/internal/bridge"
	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/dispatch"
	"github.com/agent-command/approvald/internal/gateway"
	"github.com/agent-command/approvald/internal/session"
)

const (
	unauthorizedText  = "⛔ Unauthorized. This bot is private."
	unauthorizedAlert = "⛔ Unauthorized"
	denyReason        = "Denied via Telegram"
	pollRetryDelay    = 5 * time.Second
)

// Core is what the bot needs from the bridge.
type Core interface {
	Decide(ctx context.Context, requestID string, action bridge.Action, reason string) (broker.PendingRequest, error)
	SendText(ctx context.Context, sessionID, text string) (dispatch.Outcome, error)
	Status() bridge.Status
	Pending() []broker.PendingRequest
	Sessions() []session.Session
	Session(id string) (session.Session, bool)
}

type handler func(ctx context.Context, u Update) error

// BranchLookup names the git branch checked out in a directory.
type BranchLookup interface {
	Branch(ctx context.Context, cwd string) string
}

type Bot struct {
	api         *Client
	chatID      int64
	core        Core
	log         zerolog.Logger
	pollTimeout int
	home        string
	branches    BranchLookup

	commands   map[string]handler
	onCallback handler
	onText     handler

	mu           sync.Mutex
	replyTargets map[int64]string
}

func NewBot(cfg config.TelegramConfig, core Core, log zerolog.Logger) *Bot {
	hc := &http.Client{Timeout: HTTPTimeout(cfg.PollTimeoutSeconds)}
	return newBot(NewClient(cfg.APIURL, cfg.BotToken, cfg.MessagesPerSecond, hc), cfg.ChatID, cfg.PollTimeoutSeconds, core, log)
}

func newBot(api *Client, chatID int64, pollTimeout int, core Core, log zerolog.Logger) *Bot {
	home, _ := os.UserHomeDir()
	b := &Bot{
		api:          api,
		chatID:       chatID,
		core:         core,
		log:          log.With().Str("component", "telegram").Logger(),
		pollTimeout:  pollTimeout,
		home:         home,
		replyTargets: make(map[int64]string),
	}
	b.commands = map[string]handler{
		"start":    b.authorized(b.cmdStart),
		"status":   b.authorized(b.cmdStatus),
		"pending":  b.authorized(b.cmdPending),
		"sessions": b.authorized(b.cmdSessions),
		"cancel":   b.authorized(b.cmdCancel),
	}
	b.onCallback = b.authorized(b.handleCallback)
	b.onText = b.authorized(b.handleText)
	return b
}

// SetBranchLookup adds the git branch to session notices.
func (b *Bot) SetBranchLookup(l BranchLookup) {
	b.branches = l
}

func (b *Bot) branch(ctx context.Context, cwd string) string {
	if b.branches == nil {
		return ""
	}
	return b.branches.Branch(ctx, cwd)
}

// authorized rejects updates from any chat but the configured approver.
func (b *Bot) authorized(next handler) handler {
	return func(ctx context.Context, u Update) error {
		if chat := u.ChatID(); chat != b.chatID {
			b.log.Warn().Int64("chat_id", chat).Msg("unauthorized access attempt")
			switch {
			case u.Message != nil:
				_, err := b.api.SendMessage(ctx, chat, unauthorizedText, nil)
				return err
			case u.CallbackQuery != nil:
				return b.api.AnswerCallbackQuery(ctx, u.CallbackQuery.ID, unauthorizedAlert, true)
			}
			return nil
		}
		return next(ctx, u)
	}
}

// Run polls for updates until ctx is cancelled. Updates queued while the
// daemon was down are skipped.
func (b *Bot) Run(ctx context.Context) error {
	offset := b.skipBacklog(ctx)
	b.log.Info().Msg("telegram bot polling")
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := b.api.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn().Err(err).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			if err := b.HandleUpdate(ctx, u); err != nil {
				b.log.Error().Err(err).Int64("update_id", u.UpdateID).Msg("update handler failed")
			}
		}
	}
}

func (b *Bot) skipBacklog(ctx context.Context) int64 {
	updates, err := b.api.GetUpdates(ctx, -1, 0)
	if err != nil || len(updates) == 0 {
		return 0
	}
	return updates[len(updates)-1].UpdateID + 1
}

// HandleUpdate routes one update to its handler.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) error {
	switch {
	case u.CallbackQuery != nil:
		return b.onCallback(ctx, u)
	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		name := strings.TrimPrefix(strings.Fields(u.Message.Text)[0], "/")
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		if h, ok := b.commands[name]; ok {
			return h(ctx, u)
		}
		return nil
	case u.Message != nil && u.Message.Text != "":
		return b.onText(ctx, u)
	}
	return nil
}

func (b *Bot) reply(ctx context.Context, u Update, text string) error {
	_, err := b.api.SendMessage(ctx, u.ChatID(), text, nil)
	return err
}

func (b *Bot) cmdStart(ctx context.Context, u Update) error {
	return b.reply(ctx, u, startText)
}

func (b *Bot) cmdStatus(ctx context.Context, u Update) error {
	st := b.core.Status()
	emoji := "🟢"
	if st.Pending > 0 {
		emoji = "🟡"
	}
	return b.reply(ctx, u, fmt.Sprintf("%s *Bridge Status*\n\nActive sessions: %d\nPending requests: %d\nTimeout: %ds",
		emoji, st.Sessions, st.Pending, int(st.PermissionTimeout.Seconds())))
}

func (b *Bot) cmdPending(ctx context.Context, u Update) error {
	return b.reply(ctx, u, pendingText(b.core.Pending()))
}

func (b *Bot) cmdSessions(ctx context.Context, u Update) error {
	return b.reply(ctx, u, sessionsText(b.core.Sessions(), b.home))
}

func (b *Bot) cmdCancel(ctx context.Context, u Update) error {
	if _, ok := b.clearReplyTarget(u.ChatID()); ok {
		return b.reply(ctx, u, "✅ Reply mode cancelled.")
	}
	return b.reply(ctx, u, "No active reply mode.")
}

func (b *Bot) handleCallback(ctx context.Context, u Update) error {
	q := u.CallbackQuery
	if err := b.api.AnswerCallbackQuery(ctx, q.ID, "", false); err != nil {
		b.log.Debug().Err(err).Msg("answerCallbackQuery failed")
	}

	action, target, ok := strings.Cut(q.Data, ":")
	if !ok || q.Message == nil {
		return nil
	}
	chat, msgID := q.Message.Chat.ID, q.Message.MessageID

	if action == "reply" {
		sess, found := b.core.Session(target)
		if !found {
			return b.api.EditMessageText(ctx, chat, msgID, "⚠️ Session no longer exists.")
		}
		b.setReplyTarget(chat, target)
		return b.api.EditMessageText(ctx, chat, msgID, replyModeText(sess, b.home))
	}

	var (
		act    bridge.Action
		reason string
	)
	switch action {
	case "allow":
		act = bridge.ActionAllow
	case "allow_session":
		act = bridge.ActionAllowSession
	case "deny":
		act, reason = bridge.ActionDeny, denyReason
	default:
		return nil
	}

	// The final message text is written by UpdateNotification once the
	// waiting request observes the decision.
	if _, err := b.core.Decide(ctx, target, act, reason); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return b.api.EditMessageText(ctx, chat, msgID, "⚠️ Request expired or already handled.")
		}
		return err
	}
	return nil
}

func (b *Bot) handleText(ctx context.Context, u Update) error {
	chat := u.ChatID()
	sessionID, ok := b.replyTarget(chat)
	if !ok {
		return b.reply(ctx, u, "💡 To send a message to a session, tap the *Reply* button on a session notification first.")
	}
	if _, found := b.core.Session(sessionID); !found {
		b.clearReplyTarget(chat)
		return b.reply(ctx, u, "⚠️ Session no longer exists.")
	}

	text := u.Message.Text
	out, err := b.core.SendText(ctx, sessionID, text)
	if err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("send to session failed")
		return b.reply(ctx, u, "❌ Failed to send to session. TTY may be closed.")
	}
	b.clearReplyTarget(chat)

	msg := fmt.Sprintf("✅ Sent to session `%s`\n\n```\n%s\n```", shortID(sessionID), truncate(text, maxEcho))
	if out.Qualified {
		msg += "\n_" + out.Message + "_"
	}
	return b.reply(ctx, u, msg)
}

func (b *Bot) replyTarget(chat int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.replyTargets[chat]
	return id, ok
}

func (b *Bot) setReplyTarget(chat int64, sessionID string) {
	b.mu.Lock()
	b.replyTargets[chat] = sessionID
	b.mu.Unlock()
}

func (b *Bot) clearReplyTarget(chat int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.replyTargets[chat]
	delete(b.replyTargets, chat)
	return id, ok
}

// Notify implements gateway.Notifier. The ref for a permission request is
// the Telegram message id.
func (b *Bot) Notify(ctx context.Context, n gateway.Notification) (string, error) {
	if n.Kind != gateway.KindPermissionRequested && n.Session == nil {
		return "", nil
	}

	var (
		text   string
		markup *InlineKeyboardMarkup
	)
	switch n.Kind {
	case gateway.KindPermissionRequested:
		if n.Request == nil {
			return "", nil
		}
		text, markup = permissionText(n.Request), permissionKeyboard(n.Request.RequestID)
	case gateway.KindSessionStarted:
		text = sessionStartedText(n.Session, b.home, b.branch(ctx, n.Session.CWD))
	case gateway.KindSessionWaiting:
		text, markup = sessionWaitingText(n.Session, b.home, b.branch(ctx, n.Session.CWD)), replyKeyboard(n.Session.ID)
	case gateway.KindSessionEnded:
		text = sessionEndedText(n.Session, b.home)
	case gateway.KindReplyRequested:
		text, markup = replyRequestedText(n.Session, b.home), replyKeyboard(n.Session.ID)
	default:
		return "", nil
	}
	msg, err := b.api.SendMessage(ctx, b.chatID, text, markup)
	if err != nil {
		return "", err
	}
	if n.Kind != gateway.KindPermissionRequested {
		return "", nil
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// UpdateNotification rewrites the permission message with its outcome and
// removes the buttons.
func (b *Bot) UpdateNotification(ctx context.Context, ref string, r gateway.Resolution) error {
	if ref == "" {
		// The request message was never sent.
		return nil
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram ref %q: %w", ref, err)
	}
	return b.api.EditMessageText(ctx, b.chatID, id, resolutionText(r))
}
