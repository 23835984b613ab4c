package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/cache"
	"github.com/illmade-knight/go-mqttbridge/pkg/mqttclient"
	"github.com/illmade-knight/go-mqttbridge/pkg/relay"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// DisconnectReason is logged by both clients when the bridge shuts down.
const DisconnectReason = "Bridge disconnect"

const defaultEchoCacheSize = 65536

// Config holds the bridge settings that are independent of how each client
// reaches its broker.
type Config struct {
	// SyncMode relays in both directions. Otherwise only primary to secondary.
	SyncMode bool
	// PrimaryFilters are subscribed on the primary broker. Empty means "#".
	PrimaryFilters []types.TopicFilter
	// SecondaryFilters are subscribed on the secondary broker in sync mode.
	SecondaryFilters []types.TopicFilter
	// Relay configures each relay direction's dispatcher and timeouts.
	Relay relay.DispatcherConfig
	// PublishTimeout bounds a single relayed publish.
	PublishTimeout time.Duration
	// EchoTTL is how long a relayed message is remembered for loop prevention.
	EchoTTL time.Duration
	// Reconnect is the backoff used after an unexpected connection loss.
	Reconnect BackoffPolicy
	// DisconnectTimeout bounds the quiesce time given to each client.
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a one-way bridge subscribed to everything.
func DefaultConfig() Config {
	return Config{
		EchoTTL:           30 * time.Second,
		PublishTimeout:    30 * time.Second,
		Reconnect:         DefaultBackoffPolicy(),
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// Validate checks the settings that do not depend on a broker.
func (c Config) Validate() error {
	for _, group := range []struct {
		field   string
		filters []types.TopicFilter
	}{
		{"primary.filters", c.PrimaryFilters},
		{"secondary.filters", c.SecondaryFilters},
	} {
		for i, f := range group.filters {
			if f.Topic == "" {
				return &ConfigurationError{Field: fmt.Sprintf("%s[%d]", group.field, i), Reason: "topic cannot be empty"}
			}
			if err := f.QoS.Validate(); err != nil {
				return &ConfigurationError{Field: fmt.Sprintf("%s[%d]", group.field, i), Reason: err.Error()}
			}
		}
	}
	if c.Reconnect.MaxAttempts < 0 {
		return &ConfigurationError{Field: "reconnect.maxAttempts", Reason: "cannot be negative"}
	}
	if c.Reconnect.Max < 0 || c.Reconnect.Initial < 0 {
		return &ConfigurationError{Field: "reconnect", Reason: "delays cannot be negative"}
	}
	return nil
}

// State is the lifecycle state of a Bridge.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateRunning
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the bridge.
type Status struct {
	State     string                 `json:"state"`
	SyncMode  bool                   `json:"syncMode"`
	Primary   SideStatus             `json:"primary"`
	Secondary SideStatus             `json:"secondary"`
	Relays    map[string]relay.Stats `json:"relays"`
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithEchoStore shares loop-prevention state through store, for example Redis
// when several bridge replicas serve the same broker pair. The bridge does not
// close a store it did not create.
func WithEchoStore(store cache.EchoStore) Option {
	return func(b *Bridge) {
		b.echoes = store
	}
}

// Bridge forwards messages between a primary and a secondary broker. Each
// side is owned by a Supervisor; each direction by a Relay.
type Bridge struct {
	cfg    Config
	logger zerolog.Logger

	primary   *Supervisor
	secondary *Supervisor

	primarySubs   *Subscriptions
	secondarySubs *Subscriptions

	forward  *relay.Relay
	backward *relay.Relay

	echoes     cache.EchoStore
	ownsEchoes bool

	relayCtx    context.Context
	relayCancel context.CancelFunc
	wireOnce    sync.Once
	wireErr     error

	mu    sync.Mutex
	state State
	ack   types.ConnectAck
}

// New assembles a bridge from two unconnected clients. Nothing touches the
// network until Connect.
func New(cfg Config, primary, secondary mqttclient.Client, logger zerolog.Logger, opts ...Option) (*Bridge, error) {
	if primary == nil {
		return nil, &ConfigurationError{Field: "primary", Reason: "connection parameters are required"}
	}
	if secondary == nil {
		return nil, &ConfigurationError{Field: "secondary", Reason: "connection parameters are required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EchoTTL <= 0 {
		cfg.EchoTTL = 30 * time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 250 * time.Millisecond
	}

	b := &Bridge{
		cfg:    cfg,
		logger: logger.With().Str("component", "Bridge").Logger(),
		state:  StateCreated,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.primary = NewSupervisor(types.Primary, primary, cfg.Reconnect, logger)
	b.secondary = NewSupervisor(types.Secondary, secondary, cfg.Reconnect, logger)
	b.primarySubs = NewSubscriptions(types.Primary, primary, cfg.PrimaryFilters, logger)

	var echoes cache.EchoStore
	if cfg.SyncMode {
		if b.echoes == nil {
			store, err := cache.NewInMemoryEchoStore(defaultEchoCacheSize, cfg.EchoTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to create echo store: %w", err)
			}
			b.echoes = store
			b.ownsEchoes = true
		}
		echoes = b.echoes
		b.secondarySubs = NewSubscriptions(types.Secondary, secondary, cfg.SecondaryFilters, logger)
	}

	var err error
	if b.forward, err = newRelay(cfg, types.Primary, secondary, echoes, logger); err != nil {
		return nil, err
	}
	if cfg.SyncMode {
		if b.backward, err = newRelay(cfg, types.Secondary, primary, echoes, logger); err != nil {
			return nil, err
		}
	}

	b.relayCtx, b.relayCancel = context.WithCancel(context.Background())
	return b, nil
}

// newRelay builds the relay that forwards source's traffic to dst, the
// client of the opposite side.
func newRelay(cfg Config, source types.Side, dst mqttclient.Client, echoes cache.EchoStore, logger zerolog.Logger) (*relay.Relay, error) {
	r, err := relay.New(relay.Config{
		Source:         source,
		Destination:    source.Opposite(),
		Dispatcher:     cfg.Relay,
		PublishTimeout: cfg.PublishTimeout,
	}, dst, echoes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s->%s relay: %w", source, source.Opposite(), err)
	}
	return r, nil
}

// Connect connects the primary broker, then the secondary, then installs the
// relays and subscribes. A primary failure returns before the secondary is
// contacted. The returned ConnectAck is the primary's.
func (b *Bridge) Connect(ctx context.Context) (types.ConnectAck, error) {
	b.mu.Lock()
	switch b.state {
	case StateDisconnecting, StateDisconnected:
		b.mu.Unlock()
		return types.ConnectAck{}, ErrBridgeClosed
	case StateRunning:
		ack := b.ack
		b.mu.Unlock()
		return ack, nil
	case StateConnecting:
		b.mu.Unlock()
		return types.ConnectAck{}, ErrConnectInProgress
	}
	b.state = StateConnecting
	b.mu.Unlock()

	ack, err := b.connect(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnecting {
		// Disconnect ran while we were connecting.
		return ack, ErrBridgeClosed
	}
	if err != nil {
		b.state = StateCreated
		return ack, err
	}
	b.state = StateRunning
	b.ack = ack
	b.logger.Info().Bool("sync_mode", b.cfg.SyncMode).Msg("Bridge is running.")
	return ack, nil
}

func (b *Bridge) connect(ctx context.Context) (types.ConnectAck, error) {
	ack, err := b.primary.Connect(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to connect to primary broker.")
		return ack, err
	}
	if _, err := b.secondary.Connect(ctx); err != nil {
		b.logger.Error().Err(err).Msg("Failed to connect to secondary broker.")
		return ack, err
	}

	b.wireOnce.Do(func() { b.wireErr = b.wire() })
	if b.wireErr != nil {
		return ack, b.wireErr
	}

	if err := b.primarySubs.Apply(ctx); err != nil {
		return ack, err
	}
	if b.secondarySubs != nil {
		if err := b.secondarySubs.Apply(ctx); err != nil {
			return ack, err
		}
	}
	return ack, nil
}

// wire starts the relays and registers the supervisor callbacks. Message
// handlers go in before the first subscription so retained deliveries are
// not lost.
func (b *Bridge) wire() error {
	if err := b.forward.Start(b.relayCtx); err != nil {
		return err
	}
	b.primary.OnMessage(b.forward.Handle)
	b.primary.OnConnected(b.resubscribe(b.primarySubs))

	if b.backward != nil {
		if err := b.backward.Start(b.relayCtx); err != nil {
			return err
		}
		b.secondary.OnMessage(b.backward.Handle)
		b.secondary.OnConnected(b.resubscribe(b.secondarySubs))
	}
	return nil
}

// resubscribe returns the callback run after a reconnection. Subscription
// failures there are logged only; the connection itself stays up.
func (b *Bridge) resubscribe(subs *Subscriptions) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := subs.Apply(ctx); err != nil {
			b.logger.Error().Err(err).Msg("Failed to restore subscriptions after reconnect.")
		}
	}
}

// Disconnect drains the relays and closes both connections. It is safe to
// call after a partial or failed Connect, and more than once.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateDisconnecting || b.state == StateDisconnected {
		b.mu.Unlock()
		return nil
	}
	b.state = StateDisconnecting
	b.mu.Unlock()
	b.logger.Info().Msg("Disconnecting bridge...")

	var errs []error
	for _, r := range []*relay.Relay{b.forward, b.backward} {
		if r == nil {
			continue
		}
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.relayCancel()

	timeout := b.cfg.DisconnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	b.primary.Close(DisconnectReason, timeout)
	b.secondary.Close(DisconnectReason, timeout)

	if b.ownsEchoes {
		if err := b.echoes.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close echo store: %w", err))
		}
	}

	b.mu.Lock()
	b.state = StateDisconnected
	b.mu.Unlock()

	if len(errs) > 0 {
		b.logger.Warn().Err(errors.Join(errs...)).Msg("Bridge disconnected with errors.")
		return errors.Join(errs...)
	}
	b.logger.Info().Msg("Bridge disconnected.")
	return nil
}

// State returns the lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns the lifecycle state plus per-side and per-relay detail.
func (b *Bridge) Status() Status {
	st := Status{
		State:     b.State().String(),
		SyncMode:  b.cfg.SyncMode,
		Primary:   b.primary.Status(),
		Secondary: b.secondary.Status(),
		Relays:    map[string]relay.Stats{"primary->secondary": b.forward.Stats()},
	}
	if b.backward != nil {
		st.Relays["secondary->primary"] = b.backward.Stats()
	}
	return st
}
