package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/approvald/internal/bridge"
	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/dispatch"
	"github.com/agent-command/approvald/internal/gateway"
)

type fakeCore struct {
	mu        sync.Mutex
	decisions []DecisionPayload
	sent      []SendTextPayload
}

func (f *fakeCore) Decide(_ context.Context, id string, action bridge.Action, reason string) (broker.PendingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, DecisionPayload{RequestID: id, Action: string(action), Reason: reason})
	return broker.PendingRequest{RequestID: id}, nil
}

func (f *fakeCore) SendText(_ context.Context, sessionID, text string) (dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, SendTextPayload{SessionID: sessionID, Text: text})
	return dispatch.Outcome{Strategy: dispatch.StrategyTmux}, nil
}

func (f *fakeCore) decisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions)
}

// controlPlane is a minimal websocket peer that records envelopes and
// lets the test push messages to the connected agent.
type controlPlane struct {
	srv      *httptest.Server
	received chan Envelope
	conns    chan *websocket.Conn
	headers  chan http.Header
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	cp := &controlPlane{
		received: make(chan Envelope, 32),
		conns:    make(chan *websocket.Conn, 4),
		headers:  make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{}
	cp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cp.headers <- r.Header.Clone()
		cp.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				cp.received <- env
			}
		}
	}))
	t.Cleanup(cp.srv.Close)
	return cp
}

func (cp *controlPlane) url() string {
	return "ws" + strings.TrimPrefix(cp.srv.URL, "http")
}

func (cp *controlPlane) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-cp.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return Envelope{}
	}
}

func (cp *controlPlane) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-cp.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

func push(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{V: 1, Type: msgType, Payload: raw}))
}

func startClient(t *testing.T, url string, core Core) (*Client, context.CancelFunc) {
	t.Helper()
	c := NewClient(config.ControlPlaneConfig{
		WSURL:              url,
		Token:              "secret",
		ReconnectBackoffMs: []int{10},
	}, core, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, cancel
}

func TestClientSendsAuthHeaders(t *testing.T) {
	cp := newControlPlane(t)
	startClient(t, cp.url(), &fakeCore{})

	select {
	case h := <-cp.headers:
		assert.Equal(t, "Bearer secret", h.Get("Authorization"))
		assert.NotEmpty(t, h.Get("X-Host-Id"))
	case <-time.After(2 * time.Second):
		t.Fatal("agent never connected")
	}
}

func TestInboundDecisionReachesCore(t *testing.T) {
	cp := newControlPlane(t)
	core := &fakeCore{}
	startClient(t, cp.url(), core)

	conn := cp.conn(t)
	push(t, conn, TypeApprovalDecision, DecisionPayload{RequestID: "req-1", Action: "deny", Reason: "nope"})

	require.Eventually(t, func() bool { return core.decisionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	core.mu.Lock()
	defer core.mu.Unlock()
	assert.Equal(t, DecisionPayload{RequestID: "req-1", Action: "deny", Reason: "nope"}, core.decisions[0])
}

func TestSendTextRepliesWithResult(t *testing.T) {
	cp := newControlPlane(t)
	core := &fakeCore{}
	startClient(t, cp.url(), core)

	conn := cp.conn(t)
	push(t, conn, TypeSendText, SendTextPayload{SessionID: "s1", Text: "continue"})

	env := cp.next(t)
	require.Equal(t, TypeSendTextResult, env.Type)
	var res SendTextResult
	require.NoError(t, json.Unmarshal(env.Payload, &res))
	assert.True(t, res.OK)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, dispatch.StrategyTmux, res.Strategy)
}

func TestAckPrunesReplayBuffer(t *testing.T) {
	cp := newControlPlane(t)
	c, _ := startClient(t, cp.url(), &fakeCore{})
	conn := cp.conn(t)

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Send("session.started", map[string]string{"id": "s1"}))
	env := cp.next(t)
	assert.Equal(t, 1, env.V)
	assert.Equal(t, "session.started", env.Type)

	push(t, conn, TypeAck, map[string]any{"ack_seq": env.Seq, "status": "ok"})
	require.Eventually(t, func() bool { return c.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, env.Seq, c.LastAckedSeq())
}

func TestUnackedEnvelopesReplayAfterConnect(t *testing.T) {
	cp := newControlPlane(t)
	c := NewClient(config.ControlPlaneConfig{WSURL: cp.url(), ReconnectBackoffMs: []int{10}}, &fakeCore{}, zerolog.Nop())

	_, err := c.Notify(context.Background(), gateway.Notification{
		Kind:    gateway.KindPermissionRequested,
		Request: &broker.PendingRequest{RequestID: "req-9", Tool: "Bash"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	env := cp.next(t)
	assert.Equal(t, "approval.requested", env.Type)
	assert.Equal(t, int64(1), env.Seq)
	assert.Contains(t, string(env.Payload), "req-9")
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient(config.ControlPlaneConfig{WSURL: "ws://127.0.0.1:1"}, &fakeCore{}, zerolog.Nop())
	assert.ErrorIs(t, c.Send("session.ended", map[string]string{}), ErrNotConnected)
	assert.NoError(t, c.UpdateNotification(context.Background(), "", gateway.Resolution{Outcome: gateway.OutcomeDenied}))
	assert.Equal(t, 2, c.Pending())
}
