package bridge_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_InitialConnect(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("Primary")
	s := bridge.NewSupervisor(types.Primary, client, bridge.DefaultBackoffPolicy(), zerolog.Nop())
	assert.Equal(t, bridge.ConnDisconnected, s.State())

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bridge.ConnConnected, s.State())

	// Connecting again is a no-op.
	_, err = s.Connect(context.Background())
	require.NoError(t, err)
	assert.Len(t, client.ConnectAttempts(), 1)

	s.Close(bridge.DisconnectReason, time.Second)
	assert.Equal(t, bridge.ConnClosed, s.State())
	_, err = s.Connect(context.Background())
	assert.ErrorIs(t, err, bridge.ErrSupervisorClosed)
}

func TestSupervisor_InitialConnectIsNotRetried(t *testing.T) {
	broker := newFakeBroker()
	broker.refuse(4, 1)
	client := broker.newClient("Primary")
	s := bridge.NewSupervisor(types.Primary, client, bridge.BackoffPolicy{Initial: time.Millisecond}, zerolog.Nop())

	_, err := s.Connect(context.Background())
	var connErr *bridge.InitialConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, byte(4), connErr.ReturnCode)

	require.Never(t, func() bool { return len(client.ConnectAttempts()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, bridge.ConnDisconnected, s.State())
	assert.NotEmpty(t, s.Status().LastError)
}

func TestSupervisor_GivesUpAfterMaxAttempts(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("Secondary")
	s := bridge.NewSupervisor(types.Secondary, client, bridge.BackoffPolicy{
		Initial:     time.Millisecond,
		Multiplier:  1,
		MaxAttempts: 3,
	}, zerolog.Nop())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	broker.refuse(5, 100)
	client.drop()

	require.Eventually(t, func() bool { return s.State() == bridge.ConnDisconnected }, time.Second, 5*time.Millisecond)
	assert.Len(t, client.ConnectAttempts(), 4)
	assert.Zero(t, s.Reconnects())
}

func TestSupervisor_CloseStopsReconnecting(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("Primary")
	s := bridge.NewSupervisor(types.Primary, client, bridge.BackoffPolicy{Initial: time.Hour}, zerolog.Nop())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	client.drop()
	require.Eventually(t, func() bool { return s.State() == bridge.ConnReconnecting }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close(bridge.DisconnectReason, time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not interrupt the backoff wait")
	}
	assert.Len(t, client.ConnectAttempts(), 1)
}

func TestSupervisor_FansOutMessages(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("Primary")
	s := bridge.NewSupervisor(types.Primary, client, bridge.DefaultBackoffPolicy(), zerolog.Nop())
	first, second := &recorder{}, &recorder{}
	s.OnMessage(first.handle)
	s.OnMessage(second.handle)

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.Subscribe(context.Background(), []types.TopicFilter{{Topic: "#"}}))
	require.NoError(t, client.Publish(context.Background(), types.Message{Topic: "x", Payload: []byte("1")}))

	assert.Equal(t, 1, first.Count())
	assert.Equal(t, 1, second.Count())

	s.Close(bridge.DisconnectReason, time.Second)
}

func TestSupervisor_LossDuringReconnectIsRetried(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("Primary")
	// The first reconnect succeeds and is lost again before the supervisor
	// records it.
	client.afterConnect = func(attempt int) {
		if attempt == 2 {
			client.loseConnection()
		}
	}
	s := bridge.NewSupervisor(types.Primary, client, bridge.BackoffPolicy{Initial: time.Millisecond, Multiplier: 1}, zerolog.Nop())
	var resubscribed atomic.Int32
	s.OnConnected(func(context.Context) { resubscribed.Add(1) })

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	client.drop()

	require.Eventually(t, func() bool { return len(client.ConnectAttempts()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == bridge.ConnConnected }, time.Second, 5*time.Millisecond)
	assert.True(t, client.IsConnected())
	assert.Equal(t, uint64(1), s.Reconnects())
	assert.Equal(t, int32(1), resubscribed.Load())

	s.Close(bridge.DisconnectReason, time.Second)
}

func TestSupervisor_CloseDuringInitialConnect(t *testing.T) {
	broker := newFakeBroker()
	client := broker.newClient("Primary")
	client.connectGate = make(chan struct{})
	client.connectEntered = make(chan struct{})
	entered := client.connectEntered
	s := bridge.NewSupervisor(types.Primary, client, bridge.DefaultBackoffPolicy(), zerolog.Nop())

	errs := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background())
		errs <- err
	}()
	<-entered
	s.Close(bridge.DisconnectReason, time.Second)
	close(client.connectGate)

	require.ErrorIs(t, <-errs, bridge.ErrSupervisorClosed)
	assert.False(t, client.IsConnected(), "a session established after Close must be torn down")
	assert.Equal(t, []string{bridge.DisconnectReason}, client.DisconnectReasons())
	assert.Equal(t, bridge.ConnClosed, s.State())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", bridge.ConnDisconnected.String())
	assert.Equal(t, "connecting", bridge.ConnConnecting.String())
	assert.Equal(t, "connected", bridge.ConnConnected.String())
	assert.Equal(t, "reconnecting", bridge.ConnReconnecting.String())
	assert.Equal(t, "closed", bridge.ConnClosed.String())
}
