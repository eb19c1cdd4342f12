package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNoCheckpoint is returned when a session has no saved state.
var ErrNoCheckpoint = errors.New("no checkpoint for session")

// CheckpointStore persists workflow state between nodes and turns.
type CheckpointStore interface {
	Load(ctx context.Context, sessionID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryCheckpointStore keeps states in process memory. Saved states are
// deep-copied through JSON so callers never share slices with the store.
type MemoryCheckpointStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{states: make(map[string][]byte)}
}

// Load returns a copy of the session's state.
func (m *MemoryCheckpointStore) Load(_ context.Context, sessionID string) (*State, error) {
	m.mu.RLock()
	data, ok := m.states[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNoCheckpoint
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &st, nil
}

// Save stores a copy of state.
func (m *MemoryCheckpointStore) Save(_ context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	m.mu.Lock()
	m.states[state.SessionID] = data
	m.mu.Unlock()
	return nil
}

// Delete forgets a session.
func (m *MemoryCheckpointStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.states, sessionID)
	m.mu.Unlock()
	return nil
}

// RedisCheckpointStore keeps session states in Redis as JSON under
// <prefix>session:<id>, refreshed with a TTL on every save.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisCheckpointConfig configures the Redis store.
type RedisCheckpointConfig struct {
	Prefix string        // Key prefix (default: "moexadvisor:checkpoint:")
	TTL    time.Duration // Zero keeps states forever
}

// NewRedisCheckpointStore wraps an existing client and checks the
// connection.
func NewRedisCheckpointStore(client *redis.Client, cfg RedisCheckpointConfig) (*RedisCheckpointStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "moexadvisor:checkpoint:"
	}

	log.Info().
		Str("prefix", cfg.Prefix).
		Dur("ttl", cfg.TTL).
		Msg("Redis checkpoint store initialized")

	return &RedisCheckpointStore{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (r *RedisCheckpointStore) key(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", r.prefix, sessionID)
}

// Load reads the session's state.
func (r *RedisCheckpointStore) Load(ctx context.Context, sessionID string) (*State, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &st, nil
}

// Save writes state with the configured TTL.
func (r *RedisCheckpointStore) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := r.client.Set(ctx, r.key(state.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	log.Debug().
		Str("session_id", state.SessionID).
		Str("stage", string(state.Stage)).
		Msg("Saved checkpoint")
	return nil
}

// Delete removes the session's state.
func (r *RedisCheckpointStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
