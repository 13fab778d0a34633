package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mountproxy/internal/metrics"
)

// Store persists serialized jars keyed by an opaque session identifier.
//
// Load returns a fresh empty jar when no state exists for the identifier or
// when the stored payload cannot be decoded; corruption is recovered locally,
// never surfaced as an error. Errors from Load and Save are storage I/O
// failures only.
//
// Load/Save around one request is deliberately not atomic: two concurrent
// requests sharing a session identifier may both load the same prior state
// and the later Save wins. This last-write-wins behavior is intentional.
type Store interface {
	Load(ctx context.Context, id string) (*Jar, error)
	Save(ctx context.Context, id string, jar *Jar) error
}

// decodeStored turns a stored payload into a jar, substituting a fresh jar
// on decode failure (data loss, not request failure).
func decodeStored(data []byte, id string, logger *slog.Logger, m *metrics.Metrics) *Jar {
	jar, err := Unmarshal(data)
	if err != nil {
		logger.Warn("discarding unreadable session payload",
			"session_id", id,
			"err", err,
		)
		if m != nil {
			m.SessionCorrupt.Inc()
		}
		return NewJar()
	}
	return jar
}

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryStore is an in-process Store honoring the configured TTL. It is the
// default backend for single-instance deployments and tests.
type MemoryStore struct {
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	items map[string]memoryItem
}

// NewMemoryStore creates a MemoryStore. A zero ttl means entries never expire.
// The metrics parameter is optional; pass nil to disable corruption counting.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		logger:  logger.With("component", "session_store", "backend", "memory"),
		metrics: m,
		items:   make(map[string]memoryItem),
	}
}

// Load returns the jar stored for id, or a fresh empty jar when the entry is
// absent, expired, or unreadable.
func (s *MemoryStore) Load(_ context.Context, id string) (*Jar, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if ok && !item.expires.IsZero() && item.expires.Before(time.Now()) {
		delete(s.items, id)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return NewJar(), nil
	}
	return decodeStored(item.data, id, s.logger, s.metrics), nil
}

// Save serializes jar and replaces any prior value for id, refreshing the TTL.
func (s *MemoryStore) Save(_ context.Context, id string, jar *Jar) error {
	data, err := jar.Marshal()
	if err != nil {
		return err
	}

	item := memoryItem{data: data}
	if s.ttl > 0 {
		item.expires = time.Now().Add(s.ttl)
	}

	s.mu.Lock()
	s.items[id] = item
	s.mu.Unlock()
	return nil
}
