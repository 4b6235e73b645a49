package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedupe outcomes for Begin.
const (
	DedupeProceed   = "proceed"
	DedupeDuplicate = "duplicate"
)

// Marker states. An inflight marker means an attempt started but has not
// confirmed success; it becomes eligible for re-attempt after the grace
// period so a crashed or failed attempt is not swallowed for the whole
// window.
const (
	markerInflight = "inflight"
	markerDone     = "done"
)

// DedupeStore is the shared fingerprint cache consulted by every
// processor instance. Begin writes the inflight marker before dispatch;
// Done confirms success. The check is read-then-write, not an atomic
// check-and-set: two concurrent deliveries of the same fingerprint may
// both proceed, so handlers must stay idempotent.
type DedupeStore interface {
	Begin(ctx context.Context, key string) (string, error)
	Done(ctx context.Context, key string) error
}

// RedisDedupeStore keeps markers in Redis with per-key TTL.
type RedisDedupeStore struct {
	rdb    *redis.Client
	window time.Duration
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisDedupeStore creates a dedupe store over an existing Redis
// client. window is the rolling dedupe horizon (1 hour in production);
// grace is how long an inflight marker suppresses re-attempts.
func NewRedisDedupeStore(rdb *redis.Client, window, grace time.Duration, logger *slog.Logger) *RedisDedupeStore {
	return &RedisDedupeStore{
		rdb:    rdb,
		window: window,
		grace:  grace,
		logger: logger,
		now:    time.Now,
	}
}

func encodeMarker(state string, at time.Time) string {
	return state + "|" + at.UTC().Format(time.RFC3339Nano)
}

func decodeMarker(value string) (state string, at time.Time, err error) {
	parts := strings.SplitN(value, "|", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("malformed dedupe marker: %q", value)
	}
	at, err = time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed dedupe marker time: %w", err)
	}
	return parts[0], at, nil
}

// Begin claims the fingerprint. Returns DedupeProceed when this delivery
// should run the handler, DedupeDuplicate when it should be acknowledged
// without side effects.
func (s *RedisDedupeStore) Begin(ctx context.Context, key string) (string, error) {
	now := s.now()
	marker := encodeMarker(markerInflight, now)

	set, err := s.rdb.SetNX(ctx, key, marker, s.window).Result()
	if err != nil {
		return "", fmt.Errorf("dedupe setnx: %w", err)
	}
	if set {
		return DedupeProceed, nil
	}

	existing, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Marker expired between SETNX and GET; claim it now.
		if err := s.rdb.Set(ctx, key, marker, s.window).Err(); err != nil {
			return "", fmt.Errorf("dedupe set: %w", err)
		}
		return DedupeProceed, nil
	}
	if err != nil {
		return "", fmt.Errorf("dedupe get: %w", err)
	}

	state, at, err := decodeMarker(existing)
	if err != nil {
		s.logger.Warn("Replacing malformed dedupe marker",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		if err := s.rdb.Set(ctx, key, marker, s.window).Err(); err != nil {
			return "", fmt.Errorf("dedupe set: %w", err)
		}
		return DedupeProceed, nil
	}

	if state == markerInflight && now.Sub(at) > s.grace {
		// The earlier attempt is presumed dead; take over.
		if err := s.rdb.Set(ctx, key, marker, s.window).Err(); err != nil {
			return "", fmt.Errorf("dedupe set: %w", err)
		}
		return DedupeProceed, nil
	}

	return DedupeDuplicate, nil
}

// Done records successful handling. The marker suppresses redeliveries
// for a full window from completion.
func (s *RedisDedupeStore) Done(ctx context.Context, key string) error {
	marker := encodeMarker(markerDone, s.now())
	if err := s.rdb.Set(ctx, key, marker, s.window).Err(); err != nil {
		return fmt.Errorf("dedupe mark done: %w", err)
	}
	return nil
}

// MemoryDedupeStore is an in-process DedupeStore used by tests and local
// runs without Redis.
type MemoryDedupeStore struct {
	mu      sync.Mutex
	entries map[string]memoryMarker
	window  time.Duration
	grace   time.Duration
	now     func() time.Time
}

type memoryMarker struct {
	state     string
	at        time.Time
	expiresAt time.Time
}

// NewMemoryDedupeStore creates an in-memory dedupe store.
func NewMemoryDedupeStore(window, grace time.Duration) *MemoryDedupeStore {
	return &MemoryDedupeStore{
		entries: make(map[string]memoryMarker),
		window:  window,
		grace:   grace,
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests that simulate marker aging.
func (s *MemoryDedupeStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryDedupeStore) Begin(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if ok && now.Before(entry.expiresAt) {
		if entry.state == markerDone {
			return DedupeDuplicate, nil
		}
		if now.Sub(entry.at) <= s.grace {
			return DedupeDuplicate, nil
		}
	}

	s.entries[key] = memoryMarker{
		state:     markerInflight,
		at:        now,
		expiresAt: now.Add(s.window),
	}
	return DedupeProceed, nil
}

func (s *MemoryDedupeStore) Done(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[key] = memoryMarker{
		state:     markerDone,
		at:        now,
		expiresAt: now.Add(s.window),
	}
	return nil
}
