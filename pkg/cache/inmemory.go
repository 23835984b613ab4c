package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// echoEntry is the internal structure stored in the linked list.
type echoEntry struct {
	key     string
	pending int
	expires time.Time
}

// InMemoryEchoStore is a thread-safe, in-memory EchoStore with a fixed size
// and a Least Recently Used (LRU) eviction policy. Entries also expire after a
// TTL so that echoes which never arrive do not suppress later messages.
type InMemoryEchoStore struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	ll    *list.List               // Used to track the order of items (recency).
	cache map[string]*list.Element // Used for fast key lookups.
}

// InMemoryOption customises an InMemoryEchoStore.
type InMemoryOption func(*InMemoryEchoStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryEchoStore) {
		s.now = now
	}
}

// NewInMemoryEchoStore creates a new size-limited echo store.
// - maxSize: The maximum number of distinct keys to hold. Must be > 0.
// - ttl: How long a mark stays valid. Must be > 0.
func NewInMemoryEchoStore(maxSize int, ttl time.Duration, opts ...InMemoryOption) (*InMemoryEchoStore, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be greater than 0")
	}
	s := &InMemoryEchoStore{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		ll:      list.New(),
		cache:   make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Mark increments the pending count for key and refreshes its expiry.
func (s *InMemoryEchoStore) Mark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if elem, ok := s.cache[key]; ok {
		entry := elem.Value.(*echoEntry)
		if now.After(entry.expires) {
			entry.pending = 0
		}
		entry.pending++
		entry.expires = now.Add(s.ttl)
		s.ll.MoveToFront(elem)
		return nil
	}

	element := s.ll.PushFront(&echoEntry{key: key, pending: 1, expires: now.Add(s.ttl)})
	s.cache[key] = element

	if s.ll.Len() > s.maxSize {
		s.evict()
	}
	return nil
}

// Consume decrements the pending count for key if it has an unexpired mark.
func (s *InMemoryEchoStore) Consume(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.cache[key]
	if !ok {
		return false, nil
	}
	entry := elem.Value.(*echoEntry)
	if s.now().After(entry.expires) {
		s.remove(elem)
		return false, nil
	}
	entry.pending--
	if entry.pending <= 0 {
		s.remove(elem)
	}
	return true, nil
}

// Len returns the number of keys currently held, expired or not.
func (s *InMemoryEchoStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// evict removes the least recently used item from the cache.
// This method is unexported and must be called within a locked mutex.
func (s *InMemoryEchoStore) evict() {
	if elementToRemove := s.ll.Back(); elementToRemove != nil {
		s.remove(elementToRemove)
	}
}

// remove must be called within a locked mutex.
func (s *InMemoryEchoStore) remove(elem *list.Element) {
	entry := s.ll.Remove(elem).(*echoEntry)
	delete(s.cache, entry.key)
}

// Close is a no-op for the in-memory store but satisfies the EchoStore interface.
func (s *InMemoryEchoStore) Close() error {
	return nil
}
