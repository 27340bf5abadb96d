package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/approvald/internal/bridge"
	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/dispatch"
	"github.com/agent-command/approvald/internal/gateway"
	"github.com/agent-command/approvald/internal/session"
)

const approverChat = int64(1001)

type apiCall struct {
	Method  string
	Payload map[string]any
}

// fakeBotAPI records Bot API calls and answers them like Telegram would.
type fakeBotAPI struct {
	mu         sync.Mutex
	calls      []apiCall
	rejectMD   bool
	nextMsgID  int64
	updates    []Update
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Payload: payload})
	reject := f.rejectMD && payload["parse_mode"] != nil
	f.nextMsgID++
	id := f.nextMsgID
	updates := f.updates
	f.updates = nil
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if reject {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
		return
	}
	switch method {
	case "sendMessage":
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": id, "chat": map[string]any{"id": payload["chat_id"]}}})
	case "getUpdates":
		if updates == nil {
			updates = []Update{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": updates})
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeBotAPI) callsFor(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeCore struct {
	mu        sync.Mutex
	decisions []string
	sent      []string
	sendErr   error
	decideErr error
	sessions  map[string]session.Session
	status    bridge.Status
	pending   []broker.PendingRequest
}

func (c *fakeCore) Decide(_ context.Context, id string, action bridge.Action, reason string) (broker.PendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decideErr != nil {
		return broker.PendingRequest{}, c.decideErr
	}
	c.decisions = append(c.decisions, string(action)+":"+id+":"+reason)
	return broker.PendingRequest{RequestID: id}, nil
}

func (c *fakeCore) SendText(_ context.Context, sessionID, text string) (dispatch.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return dispatch.Outcome{}, c.sendErr
	}
	c.sent = append(c.sent, sessionID+":"+text)
	return dispatch.Outcome{Strategy: "tmux"}, nil
}

func (c *fakeCore) Status() bridge.Status             { return c.status }
func (c *fakeCore) Pending() []broker.PendingRequest { return c.pending }

func (c *fakeCore) Sessions() []session.Session {
	var out []session.Session
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *fakeCore) Session(id string) (session.Session, bool) {
	s, ok := c.sessions[id]
	return s, ok
}

func newTestBot(t *testing.T, core Core) (*Bot, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "TOKEN", 1000, srv.Client())
	return newBot(client, approverChat, 0, core, zerolog.Nop()), api
}

func textUpdate(chat int64, text string) Update {
	return Update{UpdateID: 1, Message: &Message{MessageID: 5, Chat: Chat{ID: chat}, Text: text}}
}

func callbackUpdate(chat int64, data string) Update {
	return Update{UpdateID: 2, CallbackQuery: &CallbackQuery{
		ID:      "cb1",
		Data:    data,
		Message: &Message{MessageID: 77, Chat: Chat{ID: chat}},
	}}
}

func TestUnauthorizedChatRejected(t *testing.T) {
	core := &fakeCore{}
	b, api := newTestBot(t, core)
	ctx := context.Background()

	require.NoError(t, b.HandleUpdate(ctx, textUpdate(666, "/status")))
	require.NoError(t, b.HandleUpdate(ctx, textUpdate(666, "hello")))
	require.NoError(t, b.HandleUpdate(ctx, callbackUpdate(666, "allow:r1")))

	sends := api.callsFor("sendMessage")
	require.Len(t, sends, 2)
	assert.Equal(t, unauthorizedText, sends[0].Payload["text"])
	assert.Equal(t, float64(666), sends[0].Payload["chat_id"])

	answers := api.callsFor("answerCallbackQuery")
	require.Len(t, answers, 1)
	assert.Equal(t, true, answers[0].Payload["show_alert"])
	assert.Empty(t, core.decisions)
}

func TestCallbackDecisions(t *testing.T) {
	core := &fakeCore{}
	b, api := newTestBot(t, core)
	ctx := context.Background()

	require.NoError(t, b.HandleUpdate(ctx, callbackUpdate(approverChat, "allow:r1")))
	require.NoError(t, b.HandleUpdate(ctx, callbackUpdate(approverChat, "deny:r2")))
	require.NoError(t, b.HandleUpdate(ctx, callbackUpdate(approverChat, "allow_session:r3")))
	require.NoError(t, b.HandleUpdate(ctx, callbackUpdate(approverChat, "garbage")))

	assert.Equal(t, []string{
		"allow:r1:",
		"deny:r2:" + denyReason,
		"allow_session:r3:",
	}, core.decisions)
	assert.Len(t, api.callsFor("answerCallbackQuery"), 4)
}

func TestCallbackExpiredRequest(t *testing.T) {
	core := &fakeCore{decideErr: broker.ErrNotFound}
	b, api := newTestBot(t, core)

	require.NoError(t, b.HandleUpdate(context.Background(), callbackUpdate(approverChat, "allow:gone")))

	edits := api.callsFor("editMessageText")
	require.Len(t, edits, 1)
	assert.Equal(t, "⚠️ Request expired or already handled.", edits[0].Payload["text"])
}

func TestReplyMode(t *testing.T) {
	core := &fakeCore{sessions: map[string]session.Session{
		"sess-1234567890": {ID: "sess-1234567890", CWD: "/work", Status: session.StatusWaitingForInput},
	}}
	b, api := newTestBot(t, core)
	ctx := context.Background()

	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "hi")))
	assert.Contains(t, api.callsFor("sendMessage")[0].Payload["text"], "Reply")
	assert.Empty(t, core.sent)

	require.NoError(t, b.HandleUpdate(ctx, callbackUpdate(approverChat, "reply:sess-1234567890")))
	assert.Contains(t, api.callsFor("editMessageText")[0].Payload["text"], "Reply mode active")

	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "use option 2")))
	assert.Equal(t, []string{"sess-1234567890:use option 2"}, core.sent)
	sends := api.callsFor("sendMessage")
	assert.Contains(t, sends[len(sends)-1].Payload["text"], "Sent to session `sess-123...`")

	_, active := b.replyTarget(approverChat)
	assert.False(t, active, "reply mode clears after a successful send")
}

func TestReplyModeKeptOnFailure(t *testing.T) {
	core := &fakeCore{
		sendErr:  dispatch.ErrNoTerminal,
		sessions: map[string]session.Session{"s1": {ID: "s1"}},
	}
	b, api := newTestBot(t, core)
	ctx := context.Background()

	require.NoError(t, b.HandleUpdate(ctx, callbackUpdate(approverChat, "reply:s1")))
	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "hello")))

	sends := api.callsFor("sendMessage")
	assert.Contains(t, sends[len(sends)-1].Payload["text"], "Failed to send")
	_, active := b.replyTarget(approverChat)
	assert.True(t, active)

	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "/cancel")))
	_, active = b.replyTarget(approverChat)
	assert.False(t, active)
}

func TestCommands(t *testing.T) {
	core := &fakeCore{
		status:  bridge.Status{Pending: 1, Sessions: 2, PermissionTimeout: 300 * time.Second},
		pending: []broker.PendingRequest{{Tool: "Bash", Command: strings.Repeat("x", 80)}},
	}
	b, api := newTestBot(t, core)
	ctx := context.Background()

	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "/status@approvald_bot")))
	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "/pending")))
	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "/sessions")))
	require.NoError(t, b.HandleUpdate(ctx, textUpdate(approverChat, "/unknown")))

	sends := api.callsFor("sendMessage")
	require.Len(t, sends, 3)
	assert.Contains(t, sends[0].Payload["text"], "🟡 *Bridge Status*")
	assert.Contains(t, sends[0].Payload["text"], "Timeout: 300s")
	assert.Contains(t, sends[1].Payload["text"], strings.Repeat("x", 50)+"...")
	assert.Equal(t, "No active sessions.", sends[2].Payload["text"])
}

func TestNotifyPermissionAndUpdate(t *testing.T) {
	b, api := newTestBot(t, &fakeCore{})
	ctx := context.Background()
	req := &broker.PendingRequest{RequestID: "r1", Tool: "Bash", Command: "rm -rf /tmp/x", SessionID: "abcdefghijkl"}

	ref, err := b.Notify(ctx, gateway.Notification{Kind: gateway.KindPermissionRequested, Request: req})
	require.NoError(t, err)
	assert.Equal(t, "1", ref)

	send := api.callsFor("sendMessage")[0]
	assert.Equal(t, float64(approverChat), send.Payload["chat_id"])
	assert.Contains(t, send.Payload["text"], "`abcdefgh...`")
	markup := send.Payload["reply_markup"].(map[string]any)
	rows := markup["inline_keyboard"].([]any)
	assert.Len(t, rows, 2)

	require.NoError(t, b.UpdateNotification(ctx, ref, gateway.Resolution{Outcome: gateway.OutcomeTimedOut, Request: *req}))
	edit := api.callsFor("editMessageText")[0]
	assert.Equal(t, float64(1), edit.Payload["message_id"])
	assert.Contains(t, edit.Payload["text"], "⏰ *Timeout*")

	assert.Error(t, b.UpdateNotification(ctx, "not-a-number", gateway.Resolution{}))

	// A request whose message never went out has nothing to edit.
	require.NoError(t, b.UpdateNotification(ctx, "", gateway.Resolution{Outcome: gateway.OutcomeDenied}))
	assert.Len(t, api.callsFor("editMessageText"), 1)
}

func TestNotifySessionKinds(t *testing.T) {
	b, api := newTestBot(t, &fakeCore{})
	b.home = "/home/dev"
	ctx := context.Background()
	s := &session.Session{ID: "s1", CWD: "/home/dev/project", LastMessage: strings.Repeat("m", 600)}

	ref, err := b.Notify(ctx, gateway.Notification{Kind: gateway.KindSessionWaiting, Session: s})
	require.NoError(t, err)
	assert.Empty(t, ref)

	_, err = b.Notify(ctx, gateway.Notification{Kind: gateway.KindSessionEnded})
	require.NoError(t, err)

	sends := api.callsFor("sendMessage")
	require.Len(t, sends, 1)
	text := sends[0].Payload["text"].(string)
	assert.Contains(t, text, "`~/project`")
	assert.Contains(t, text, strings.Repeat("m", 500)+"...")
	assert.NotContains(t, text, strings.Repeat("m", 501))
}

type staticBranch string

func (s staticBranch) Branch(context.Context, string) string { return string(s) }

func TestSessionStartedShowsBranch(t *testing.T) {
	b, api := newTestBot(t, &fakeCore{})
	b.SetBranchLookup(staticBranch("main"))

	_, err := b.Notify(context.Background(), gateway.Notification{Kind: gateway.KindSessionStarted, Session: &session.Session{ID: "s1", CWD: "/repo"}})
	require.NoError(t, err)

	sends := api.callsFor("sendMessage")
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Payload["text"], "🌿 `main`")
}

func TestMarkdownFallback(t *testing.T) {
	b, api := newTestBot(t, &fakeCore{})
	api.rejectMD = true

	_, err := b.Notify(context.Background(), gateway.Notification{Kind: gateway.KindSessionStarted, Session: &session.Session{ID: "s_1"}})
	require.NoError(t, err)

	sends := api.callsFor("sendMessage")
	require.Len(t, sends, 2)
	assert.Nil(t, sends[1].Payload["parse_mode"])
}

func TestRunSkipsBacklogAndStops(t *testing.T) {
	core := &fakeCore{}
	b, api := newTestBot(t, core)
	api.updates = []Update{callbackUpdate(approverChat, "allow:old")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return len(api.callsFor("getUpdates")) >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, core.decisions, "backlog updates are skipped")

	first := api.callsFor("getUpdates")[0]
	assert.Equal(t, float64(-1), first.Payload["offset"])
	second := api.callsFor("getUpdates")[1]
	assert.Equal(t, float64(3), second.Payload["offset"])
}

func TestAPIErrorIsTyped(t *testing.T) {
	api := &fakeBotAPI{rejectMD: true}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	defer srv.Close()

	c := NewClient(srv.URL, "T", 10, srv.Client())
	err := c.EditMessageText(context.Background(), 1, 2, "x")
	assert.NoError(t, err, "plain-text retry succeeds")

	err = c.call(context.Background(), "editMessageText", map[string]any{"parse_mode": "Markdown"}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
}

func TestHTTPTimeoutOutlastsLongPoll(t *testing.T) {
	for _, poll := range []int{0, 30, 60, 120} {
		assert.Greater(t, HTTPTimeout(poll), time.Duration(poll)*time.Second)
	}
	assert.Equal(t, HTTPTimeout(0), HTTPTimeout(-1))

	b := NewBot(config.TelegramConfig{BotToken: "T", ChatID: 1, PollTimeoutSeconds: 90}, &fakeCore{}, zerolog.Nop())
	assert.Equal(t, 120*time.Second, b.api.http.Timeout)
}
