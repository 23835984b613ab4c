package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned when an item could not be queued before the enqueue timeout.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrDispatcherStopped is returned when enqueueing after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// DispatcherConfig holds configuration for a Dispatcher.
type DispatcherConfig struct {
	// NumWorkers is the number of shards, each served by one worker.
	NumWorkers int
	// QueueSize is the buffer of each shard.
	QueueSize int
	// EnqueueTimeout bounds how long Enqueue waits for room in a full shard.
	EnqueueTimeout time.Duration
}

// Dispatcher is a bounded work queue split into shards. Items with the same
// shard key always land on the same worker, so they are handled in the order
// they were enqueued.
type Dispatcher[T any] struct {
	cfg      DispatcherConfig
	shardKey func(T) string
	handler  func(ctx context.Context, item T)
	logger   zerolog.Logger
	queues   []chan T
	wg       sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewDispatcher creates a new Dispatcher. Workers are not running until Start.
func NewDispatcher[T any](
	cfg DispatcherConfig,
	shardKey func(T) string,
	handler func(ctx context.Context, item T),
	logger zerolog.Logger,
) (*Dispatcher[T], error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if shardKey == nil {
		return nil, fmt.Errorf("shardKey cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	queues := make([]chan T, cfg.NumWorkers)
	for i := range queues {
		queues[i] = make(chan T, cfg.QueueSize)
	}
	return &Dispatcher[T]{
		cfg:      cfg,
		shardKey: shardKey,
		handler:  handler,
		logger:   logger.With().Str("component", "Dispatcher").Logger(),
		queues:   queues,
	}, nil
}

// Start spawns one worker per shard.
func (d *Dispatcher[T]) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if d.started {
		return nil
	}
	d.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.logger.Info().Int("worker_count", len(d.queues)).Msg("Starting dispatch workers...")
	d.wg.Add(len(d.queues))
	for i, q := range d.queues {
		go d.worker(workerCtx, i, q)
	}
	return nil
}

// Enqueue places item on its shard. When the shard is full it waits up to the
// configured EnqueueTimeout, or until ctx is done, before giving up.
func (d *Dispatcher[T]) Enqueue(ctx context.Context, item T) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	q := d.queues[xxhash.Sum64String(d.shardKey(item))%uint64(len(d.queues))]
	select {
	case q <- item:
		return nil
	default:
	}

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case q <- item:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of items waiting across all shards.
func (d *Dispatcher[T]) QueueDepth() int {
	depth := 0
	for _, q := range d.queues {
		depth += len(q)
	}
	return depth
}

// Stop refuses new items, lets the workers drain what is queued and waits for
// them, bounded by ctx. When ctx expires the workers' context is cancelled.
func (d *Dispatcher[T]) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	started := d.started
	cancel := d.cancel
	d.mu.Unlock()

	if !started {
		return nil
	}
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		d.logger.Info().Msg("All dispatch workers completed gracefully.")
		return nil
	case <-ctx.Done():
		d.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for dispatch workers to finish.")
		return ctx.Err()
	}
}

// worker handles items from one shard until the shard is closed.
func (d *Dispatcher[T]) worker(ctx context.Context, workerID int, queue <-chan T) {
	defer d.wg.Done()
	d.logger.Debug().Int("worker_id", workerID).Msg("Dispatch worker started.")
	for item := range queue {
		d.handler(ctx, item)
	}
	d.logger.Debug().Int("worker_id", workerID).Msg("Queue closed, worker exiting.")
}
