package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/cache"
	"github.com/illmade-knight/go-mqttbridge/pkg/mqttclient"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher is the outbound side of a relay.
type Publisher interface {
	Publish(ctx context.Context, msg types.Message) error
}

// Config holds configuration for one relay direction.
type Config struct {
	Source      types.Side
	Destination types.Side
	Dispatcher  DispatcherConfig
	// PublishTimeout bounds a single outbound publish.
	PublishTimeout time.Duration
	// EchoTimeout bounds a single echo store call on the inbound path.
	EchoTimeout time.Duration
}

// Stats is a snapshot of a relay's counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Relayed    uint64 `json:"relayed"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
	Invalid    uint64 `json:"invalid"`
	QueueDepth int    `json:"queueDepth"`
}

// DispatchError describes a message that could not be delivered to the
// opposite broker. It is logged, never returned to the inbound path.
type DispatchError struct {
	Source      types.Side
	Destination types.Side
	Topic       string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("relay %s->%s on %q: %v", e.Source, e.Destination, e.Topic, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Relay forwards messages received on one broker to the other. Handle is the
// inbound callback; publishing happens on the dispatcher's workers so the
// inbound pipeline never waits on the outbound broker.
//
// With an EchoStore the relay takes part in loop prevention: every message it
// publishes is marked against the destination, and every inbound message that
// matches a mark left by the opposite relay is dropped as an echo.
type Relay struct {
	cfg        Config
	publisher  Publisher
	echoes     cache.EchoStore
	dispatcher *Dispatcher[types.Message]
	logger     zerolog.Logger

	received   atomic.Uint64
	relayed    atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
	invalid    atomic.Uint64
}

// New creates a Relay. echoes may be nil, which disables loop prevention.
func New(cfg Config, publisher Publisher, echoes cache.EchoStore, logger zerolog.Logger) (*Relay, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.Source == cfg.Destination {
		return nil, fmt.Errorf("relay source and destination must differ, both are %q", cfg.Source)
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = 2 * time.Second
	}

	r := &Relay{
		cfg:       cfg,
		publisher: publisher,
		echoes:    echoes,
		logger: logger.With().
			Str("component", "Relay").
			Str("direction", fmt.Sprintf("%s->%s", cfg.Source, cfg.Destination)).
			Logger(),
	}
	d, err := NewDispatcher[types.Message](cfg.Dispatcher, topicKey, r.deliver, r.logger)
	if err != nil {
		return nil, err
	}
	r.dispatcher = d
	return r, nil
}

func topicKey(msg types.Message) string { return msg.Topic }

// Start launches the dispatch workers.
func (r *Relay) Start(ctx context.Context) error {
	return r.dispatcher.Start(ctx)
}

// Stop refuses new messages and drains queued ones, bounded by ctx.
func (r *Relay) Stop(ctx context.Context) error {
	return r.dispatcher.Stop(ctx)
}

// Handle is the inbound message callback. It never blocks longer than the
// dispatcher's enqueue timeout.
func (r *Relay) Handle(msg types.Message, sourceClientID string) {
	r.received.Add(1)
	log := r.logger.With().Str("topic", msg.Topic).Str("source_client_id", sourceClientID).Logger()

	if r.echoes != nil && r.isEcho(msg) {
		r.suppressed.Add(1)
		log.Debug().Msg("Suppressed echo of a relayed message.")
		return
	}

	out, err := Translate(msg)
	if err != nil {
		r.invalid.Add(1)
		log.Error().Err(err).Msg("Refusing to relay message with invalid QoS.")
		return
	}

	if err := r.dispatcher.Enqueue(context.Background(), out); err != nil {
		r.dropped.Add(1)
		log.Warn().Err(err).Msg("Dropping message, relay queue unavailable.")
		return
	}
	log.Debug().Msg("Message queued for relay.")
}

// isEcho reports whether msg is the broker's delivery of something this
// bridge published to the source side. A failed lookup counts as an echo:
// without the store a relayed message could bounce between the brokers forever.
func (r *Relay) isEcho(msg types.Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EchoTimeout)
	defer cancel()
	seen, err := r.echoes.Consume(ctx, Fingerprint(r.cfg.Source, msg))
	if err != nil {
		r.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Echo store lookup failed, treating message as an echo.")
		return true
	}
	return seen
}

// deliver runs on a dispatcher worker.
func (r *Relay) deliver(ctx context.Context, msg types.Message) {
	var key string
	if r.echoes != nil {
		key = Fingerprint(r.cfg.Destination, msg)
		// Mark before publishing: the echo can arrive before Publish returns.
		if err := r.echoes.Mark(ctx, key); err != nil {
			r.failed.Add(1)
			r.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to record relayed message for echo suppression, dropping it.")
			return
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	err := r.publisher.Publish(pubCtx, msg)
	if err == nil {
		r.relayed.Add(1)
		r.logger.Debug().Str("topic", msg.Topic).Int("qos", int(msg.QoS)).Bool("retained", msg.Retained).Msg("Message relayed.")
		return
	}

	r.failed.Add(1)
	// After a timeout or cancellation the broker may still have the message,
	// so the mark stays until it is consumed by the echo or expires.
	if key != "" && neverSent(err) {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), r.cfg.EchoTimeout)
		_, _ = r.echoes.Consume(releaseCtx, key)
		releaseCancel()
	}
	dispatchErr := &DispatchError{Source: r.cfg.Source, Destination: r.cfg.Destination, Topic: msg.Topic, Err: err}
	event := r.logger.Error()
	if errors.Is(err, context.Canceled) {
		event = r.logger.Warn()
	}
	event.Err(dispatchErr).Msg("Failed to relay message, dropping it.")
}

// neverSent reports whether err proves msg did not leave the client.
func neverSent(err error) bool {
	return errors.Is(err, mqttclient.ErrNotConnected) || errors.Is(err, types.ErrInvalidQoS)
}

// Stats returns a snapshot of the relay's counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Received:   r.received.Load(),
		Relayed:    r.relayed.Load(),
		Suppressed: r.suppressed.Load(),
		Dropped:    r.dropped.Load(),
		Failed:     r.failed.Load(),
		Invalid:    r.invalid.Load(),
		QueueDepth: r.dispatcher.QueueDepth(),
	}
}
