package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/mqttclient"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// ConnState is the connection state of one broker side.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSupervisorClosed is returned by Connect after Close.
var ErrSupervisorClosed = errors.New("connection supervisor is closed")

// SideStatus is a snapshot of one side's connection.
type SideStatus struct {
	Side       types.Side `json:"side"`
	ClientID   string     `json:"clientId"`
	State      string     `json:"state"`
	Connected  bool       `json:"connected"`
	Reconnects uint64     `json:"reconnects"`
	LastError  string     `json:"lastError,omitempty"`
}

// Supervisor owns the connection of a single client. It performs the initial
// connect, reconnects with backoff after an unexpected loss and fans client
// events out to registered callbacks. Callbacks are invoked on the client's
// goroutines and must not block for long.
type Supervisor struct {
	side    types.Side
	client  mqttclient.Client
	backoff BackoffPolicy
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        ConnState
	lastAck      types.ConnectAck
	lastErr      string
	closeReason  string
	closeTimeout time.Duration

	cbMu        sync.RWMutex
	onConnected []func(ctx context.Context)
	onMessage   []func(msg types.Message, sourceClientID string)

	reconnects atomic.Uint64
}

// NewSupervisor takes ownership of the client's event handlers.
func NewSupervisor(side types.Side, client mqttclient.Client, backoff BackoffPolicy, logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		side:    side,
		client:  client,
		backoff: backoff,
		logger:  logger.With().Str("component", "Supervisor").Str("side", string(side)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		state:   ConnDisconnected,
	}
	client.SetHandlers(mqttclient.Handlers{
		OnConnected:    s.handleConnected,
		OnDisconnected: s.handleDisconnected,
		OnMessage:      s.handleMessage,
	})
	return s
}

// OnConnected registers fn to run after every successful reconnection. The
// initial connection is the caller's to handle.
func (s *Supervisor) OnConnected(fn func(ctx context.Context)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onConnected = append(s.onConnected, fn)
}

// OnMessage registers fn to receive every inbound message.
func (s *Supervisor) OnMessage(fn func(msg types.Message, sourceClientID string)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onMessage = append(s.onMessage, fn)
}

// Side returns which broker this supervisor manages.
func (s *Supervisor) Side() types.Side { return s.side }

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnects returns the number of successful reconnections.
func (s *Supervisor) Reconnects() uint64 { return s.reconnects.Load() }

// Status returns a snapshot of the side's connection.
func (s *Supervisor) Status() SideStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SideStatus{
		Side:       s.side,
		ClientID:   s.client.ClientID(),
		State:      s.state.String(),
		Connected:  s.state == ConnConnected,
		Reconnects: s.reconnects.Load(),
		LastError:  s.lastErr,
	}
}

// Connect performs the initial connection. It does not retry: a refused or
// unanswered attempt is returned as *InitialConnectError. Calling Connect on
// an established or reconnecting side is a no-op.
func (s *Supervisor) Connect(ctx context.Context) (types.ConnectAck, error) {
	s.mu.Lock()
	switch s.state {
	case ConnClosed:
		s.mu.Unlock()
		return types.ConnectAck{}, ErrSupervisorClosed
	case ConnConnected, ConnReconnecting:
		ack := s.lastAck
		s.mu.Unlock()
		return ack, nil
	case ConnConnecting:
		s.mu.Unlock()
		return types.ConnectAck{}, ErrConnectInProgress
	}
	s.state = ConnConnecting
	s.mu.Unlock()

	ack, err := s.client.Connect(ctx)

	s.mu.Lock()
	if s.state == ConnClosed {
		reason, timeout := s.closeReason, s.closeTimeout
		s.mu.Unlock()
		// Close ran while the attempt was in flight and found nothing to
		// disconnect.
		if err == nil {
			s.client.Disconnect(reason, timeout)
		}
		return ack, ErrSupervisorClosed
	}
	defer s.mu.Unlock()
	if err != nil {
		s.state = ConnDisconnected
		s.lastErr = err.Error()
		return ack, &InitialConnectError{Side: s.side, ReturnCode: ack.ReturnCode, Err: err}
	}
	s.state = ConnConnected
	s.lastAck = ack
	s.lastErr = ""
	s.logger.Info().Bool("session_present", ack.SessionPresent).Msg("Connected to broker.")

	// A loss reported while we were still Connecting was ignored.
	if !s.client.IsConnected() {
		s.startReconnectLocked(errors.New("connection lost during connect"))
	}
	return ack, nil
}

// Close stops any reconnect loop and disconnects the client. It is safe to
// call whether or not the side ever connected.
func (s *Supervisor) Close(reason string, timeout time.Duration) {
	s.mu.Lock()
	if s.state == ConnClosed {
		s.mu.Unlock()
		return
	}
	s.state = ConnClosed
	s.closeReason = reason
	s.closeTimeout = timeout
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.client.Disconnect(reason, timeout)
	s.logger.Info().Msg("Supervisor closed.")
}

// handleConnected only logs. Paho reports connections asynchronously, so the
// reconnect loop itself runs the OnConnected callbacks once Connect succeeds.
func (s *Supervisor) handleConnected() {
	s.logger.Debug().Msg("Client reported connection.")
}

func (s *Supervisor) runOnConnected() {
	s.cbMu.RLock()
	callbacks := s.onConnected
	s.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(s.ctx)
	}
}

func (s *Supervisor) handleDisconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ConnConnected {
		return
	}
	s.startReconnectLocked(err)
}

// startReconnectLocked must be called with s.mu held.
func (s *Supervisor) startReconnectLocked(cause error) {
	s.state = ConnReconnecting
	if cause != nil {
		s.lastErr = cause.Error()
	}
	s.logger.Warn().Err(cause).Msg("Connection to broker lost, reconnecting.")
	s.wg.Add(1)
	go s.reconnectLoop()
}

func (s *Supervisor) reconnectLoop() {
	defer s.wg.Done()

	for attempt := 1; ; attempt++ {
		if s.backoff.exhausted(attempt) {
			s.mu.Lock()
			if s.state == ConnReconnecting {
				s.state = ConnDisconnected
			}
			s.mu.Unlock()
			s.logger.Error().Int("attempts", attempt-1).Msg("Giving up reconnecting to broker.")
			return
		}

		delay := s.backoff.Delay(attempt)
		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Waiting before reconnect attempt.")
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ack, err := s.client.Connect(s.ctx)
		if err == nil {
			s.mu.Lock()
			if s.state == ConnClosed {
				s.mu.Unlock()
				return
			}
			// A loss reported before the lock was taken was ignored while
			// Reconnecting, so check the client directly.
			if !s.client.IsConnected() {
				s.lastErr = "connection lost during reconnect"
				s.mu.Unlock()
				s.logger.Warn().Int("attempt", attempt).Msg("Connection lost right after reconnecting.")
				continue
			}
			s.state = ConnConnected
			s.lastAck = ack
			s.lastErr = ""
			s.mu.Unlock()
			s.reconnects.Add(1)
			s.logger.Info().Int("attempt", attempt).Msg("Reconnected to broker.")
			s.runOnConnected()
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed.")
	}
}

func (s *Supervisor) handleMessage(msg types.Message, sourceClientID string) {
	if s.ctx.Err() != nil {
		return
	}
	s.cbMu.RLock()
	callbacks := s.onMessage
	s.cbMu.RUnlock()
	if len(callbacks) == 0 {
		s.logger.Debug().Str("topic", msg.Topic).Msg("No message handler registered, discarding message.")
		return
	}
	for _, fn := range callbacks {
		fn(msg, sourceClientID)
	}
}
