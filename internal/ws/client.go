// Package ws connects the daemon to an optional control plane over a
// websocket. Notifications are mirrored as sequenced envelopes, and the
// control plane may send decisions and text for sessions back.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-command/approvald/internal/bridge"
	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/dispatch"
	"github.com/agent-command/approvald/internal/gateway"
	"github.com/agent-command/approvald/internal/queue"
)

const (
	TypeAck              = "agent.ack"
	TypeApprovalDecision = "approval.decision"
	TypeSendText         = "session.send_text"
	TypeSendTextResult   = "session.send_text.result"
	TypeApprovalResolved = "approval.resolved"

	protocolVersion = 1
	writeTimeout    = 10 * time.Second
)

var ErrNotConnected = errors.New("control plane not connected")

// Core is what inbound control-plane messages drive.
type Core interface {
	Decide(ctx context.Context, requestID string, action bridge.Action, reason string) (broker.PendingRequest, error)
	SendText(ctx context.Context, sessionID, text string) (dispatch.Outcome, error)
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type DecisionPayload struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
}

type SendTextPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type SendTextResult struct {
	SessionID string `json:"session_id"`
	OK        bool   `json:"ok"`
	Strategy  string `json:"strategy,omitempty"`
	Qualified bool   `json:"qualified,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ackPayload struct {
	AckSeq int64  `json:"ack_seq"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type Client struct {
	url     string
	token   string
	hostID  string
	backoff []time.Duration
	dialer  *websocket.Dialer
	core    Core
	log     zerolog.Logger
	buf     *queue.Queue

	seq atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	lastAcked int64
}

func NewClient(cfg config.ControlPlaneConfig, core Core, log zerolog.Logger) *Client {
	host, _ := os.Hostname()
	backoff := make([]time.Duration, 0, len(cfg.ReconnectBackoffMs))
	for _, ms := range cfg.ReconnectBackoffMs {
		backoff = append(backoff, time.Duration(ms)*time.Millisecond)
	}
	if len(backoff) == 0 {
		backoff = []time.Duration{time.Second}
	}
	return &Client{
		url:     cfg.WSURL,
		token:   cfg.Token,
		hostID:  host,
		backoff: backoff,
		dialer:  websocket.DefaultDialer,
		core:    core,
		log:     log.With().Str("component", "control_plane").Logger(),
		buf:     queue.New(cfg.ReplayBufferMax),
	}
}

// Run keeps a connection open until ctx is cancelled, reconnecting with
// the configured backoff and replaying unacknowledged envelopes.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := c.backoff[min(attempt, len(c.backoff)-1)]
			attempt++
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("control plane connect failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		c.log.Info().Str("url", c.url).Msg("control plane connected")

		c.setConn(conn)
		c.resendQueued()
		c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn().Msg("control plane connection lost")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	headers.Set("X-Host-Id", c.hostID)

	conn, _, err := c.dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("control plane read failed")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("unparseable control plane message")
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeAck:
		var ack ackPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return
		}
		if ack.Status == "error" {
			c.log.Warn().Int64("seq", ack.AckSeq).Str("error", ack.Error).Msg("control plane rejected envelope")
		}
		c.mu.Lock()
		if ack.AckSeq > c.lastAcked {
			c.lastAcked = ack.AckSeq
		}
		c.mu.Unlock()
		c.buf.AckUpto(ack.AckSeq)

	case TypeApprovalDecision:
		var p DecisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn().Err(err).Msg("bad approval.decision payload")
			return
		}
		if _, err := c.core.Decide(ctx, p.RequestID, bridge.Action(p.Action), p.Reason); err != nil {
			c.log.Info().Err(err).Str("request_id", p.RequestID).Msg("control plane decision not applied")
		}

	case TypeSendText:
		var p SendTextPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn().Err(err).Msg("bad session.send_text payload")
			return
		}
		// Injection can take seconds; keep reading meanwhile.
		go func() {
			res := SendTextResult{SessionID: p.SessionID}
			out, err := c.core.SendText(ctx, p.SessionID, p.Text)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.OK, res.Strategy, res.Qualified = true, out.Strategy, out.Qualified
			}
			if err := c.Send(TypeSendTextResult, res); err != nil {
				c.log.Debug().Err(err).Msg("send_text result not delivered")
			}
		}()

	default:
		c.log.Debug().Str("type", env.Type).Msg("ignoring control plane message")
	}
}

// Send sequences payload, keeps it for replay until acked and writes it
// if connected. A disconnected client returns ErrNotConnected; the
// envelope is still replayed on the next connection.
func (c *Client) Send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	seq := c.seq.Add(1)
	c.buf.Push(queue.Message{Seq: seq, Type: msgType, Payload: raw})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.writeLocked(queue.Message{Seq: seq, Type: msgType, Payload: raw})
}

func (c *Client) writeLocked(msg queue.Message) error {
	data, err := json.Marshal(Envelope{
		V:       protocolVersion,
		Type:    msg.Type,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Seq:     msg.Seq,
		Payload: msg.Payload,
	})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) resendQueued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.buf.Unacked() {
		if msg.Seq <= c.lastAcked {
			continue
		}
		if c.conn == nil {
			return
		}
		if err := c.writeLocked(msg); err != nil {
			c.log.Debug().Err(err).Int64("seq", msg.Seq).Msg("replay interrupted")
			return
		}
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) LastAckedSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAcked
}

// Pending is the number of envelopes awaiting an ack.
func (c *Client) Pending() int {
	return c.buf.Len()
}

// Notify implements gateway.Notifier as a best-effort mirror.
func (c *Client) Notify(_ context.Context, n gateway.Notification) (string, error) {
	err := c.Send(eventType(n.Kind), notificationPayload(n))
	if errors.Is(err, ErrNotConnected) {
		return "", nil
	}
	return "", err
}

func (c *Client) UpdateNotification(_ context.Context, _ string, r gateway.Resolution) error {
	err := c.Send(TypeApprovalResolved, map[string]any{
		"request_id": r.Request.RequestID,
		"outcome":    r.Outcome,
		"reason":     r.Reason,
		"tool":       r.Request.Tool,
		"session_id": r.Request.SessionID,
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func eventType(kind gateway.Kind) string {
	switch kind {
	case gateway.KindPermissionRequested:
		return "approval.requested"
	case gateway.KindSessionStarted:
		return "session.started"
	case gateway.KindSessionWaiting:
		return "session.waiting"
	case gateway.KindSessionEnded:
		return "session.ended"
	case gateway.KindReplyRequested:
		return "session.reply_requested"
	}
	return "event." + string(kind)
}

func notificationPayload(n gateway.Notification) map[string]any {
	p := map[string]any{"kind": n.Kind}
	if n.Session != nil {
		p["session"] = n.Session
	}
	if n.Request != nil {
		p["request"] = n.Request
	}
	return p
}
