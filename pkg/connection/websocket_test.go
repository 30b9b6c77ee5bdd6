package connection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/connection"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/testsupport/wsbackend"
)

func fastBackoff() connection.Backoff {
	return connection.Backoff{
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  1.5,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: 5,
		Jitter:      0,
	}
}

func TestWebsocket_RoundTrip(t *testing.T) {
	backend := wsbackend.New(t)
	dialer := connection.NewWebsocketDialer(backend.URL(),
		func(context.Context) (string, error) { return "secret", nil })
	m := newManager(dialer, clock.Real(), connection.WithBackoff(fastBackoff()))
	defer m.Close()
	r := record(m, events.KindConnect, events.KindDisconnect, events.KindReconnecting,
		events.KindSessionInfo)

	m.Connect()
	backend.WaitAccepted(t)
	connected, ok := r.next(t).(events.Connect)
	require.True(t, ok)
	assert.Equal(t, backend.URL(), connected.URL)
	assert.Equal(t, "Bearer secret", backend.Authorization())

	backend.Push(t, events.SessionInfo{SessionID: "s1", Team: "blackbox", ActiveDriverID: "A"})
	info, ok := r.next(t).(events.SessionInfo)
	require.True(t, ok)
	assert.Equal(t, "s1", info.SessionID)

	require.True(t, m.Send(events.HandoffResponse{HandoffID: "h1", Status: model.HandoffConfirmed}))
	assert.Equal(t,
		events.HandoffResponse{HandoffID: "h1", Status: model.HandoffConfirmed},
		backend.Next(t))

	// server side drop is followed by a reconnect
	backend.DropAll()
	require.IsType(t, events.Disconnect{}, r.next(t))
	rec, ok := r.next(t).(events.Reconnecting)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempt)
	backend.WaitAccepted(t)
	require.IsType(t, events.Connect{}, r.next(t))
	assert.Equal(t, 0, m.Attempt())
}

func TestWebsocket_HandshakeRejected(t *testing.T) {
	backend := wsbackend.New(t)
	backend.Reject(true)
	m := newManager(connection.NewWebsocketDialer(backend.URL(), nil), clock.Real(),
		connection.WithBackoff(fastBackoff()))
	defer m.Close()
	r := record(m, events.KindError, events.KindReconnecting)

	m.Connect()
	ev, ok := r.next(t).(events.Error)
	require.True(t, ok)
	assert.True(t, errors.Is(ev, connection.ErrTransport), "got %v", ev)
	require.IsType(t, events.Reconnecting{}, r.next(t))
	assert.Empty(t, backend.Authorization())
}
