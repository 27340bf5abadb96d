package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/gateway"
	"github.com/agent-command/approvald/internal/session"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func fixed() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestNotifyPublishesPerKindSubject(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "approvald.events", "box")
	p.now = fixed

	ref, err := p.Notify(context.Background(), gateway.Notification{
		Kind:    gateway.KindSessionStarted,
		Session: &session.Session{ID: "s1", Status: session.StatusProcessing},
	})
	require.NoError(t, err)
	assert.Empty(t, ref)
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "approvald.events.session_started", fc.msgs[0].subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &body))
	assert.Equal(t, "session_started", body["kind"])
	assert.Equal(t, "box", body["host"])
	assert.Equal(t, "2026-01-02T03:04:05Z", body["ts"])
	assert.NotNil(t, body["session"])
	assert.Nil(t, body["request"])
}

func TestResolutionPublished(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "bridge", "")

	err := p.UpdateNotification(context.Background(), "42", gateway.Resolution{
		Outcome: gateway.OutcomeDenied,
		Reason:  "Denied",
		Request: broker.PendingRequest{RequestID: "r1", Tool: "Bash"},
	})
	require.NoError(t, err)
	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "bridge.permission_resolved", fc.msgs[0].subject)
	assert.Contains(t, string(fc.msgs[0].data), `"r1"`)
	assert.Contains(t, string(fc.msgs[0].data), `"denied"`)
}

func TestPublishErrorWrapped(t *testing.T) {
	boom := errors.New("boom")
	p := newPublisher(&fakeConn{err: boom}, "bridge", "")

	_, err := p.Notify(context.Background(), gateway.Notification{Kind: gateway.KindPermissionRequested})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, p.Close())
}
