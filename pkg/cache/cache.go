package cache

import "context"

// EchoStore remembers messages the bridge has just published to a broker so
// that their echo, delivered back on the same broker's subscription, can be
// recognised and not relayed again.
//
// Keys are counted: Mark twice and the key can be consumed twice.
type EchoStore interface {
	// Mark records one pending echo for key.
	Mark(ctx context.Context, key string) error
	// Consume removes one pending echo for key and reports whether there was one.
	Consume(ctx context.Context, key string) (bool, error)
	// Close releases any resources held by the store.
	Close() error
}
