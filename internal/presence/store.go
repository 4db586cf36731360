// Package presence tracks who is connected right now. Liveness is a Redis
// key with a TTL; a missed heartbeat simply lets the key lapse, so crashed
// clients drop offline without any cleanup pass.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsechat/pulse/internal/logger"
)

// TTL is how long a liveness key outlives its last refresh. Clients beat
// well inside this window; see the gateway's heartbeat handling.
const TTL = 60 * time.Second

const scanBatch = 100

// Commands is the slice of the Redis client the store uses. *redis.Client
// satisfies it; tests substitute a map-backed fake.
type Commands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

type Store struct {
	client Commands
	ttl    time.Duration
	logger *logger.Logger
}

func NewStore(client Commands, ttl time.Duration, log *logger.Logger) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: log.WithComponent("presence"),
	}
}

// MarkOnline sets the liveness key with a fresh TTL.
func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	if err := s.client.Set(ctx, onlineKey(userID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %s online: %w", userID, err)
	}
	return nil
}

// Heartbeat refreshes the TTL in place and reports whether the key was still
// there. A key that already lapsed is recreated, so a client that stalled
// past the window comes back online on its next beat.
func (s *Store) Heartbeat(ctx context.Context, userID string) (bool, error) {
	existed, err := s.client.Expire(ctx, onlineKey(userID), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to refresh presence of %s: %w", userID, err)
	}
	if !existed {
		if err := s.MarkOnline(ctx, userID); err != nil {
			return false, err
		}
	}
	return existed, nil
}

// MarkOffline deletes the key immediately. A clean disconnect should not
// linger online for the rest of the TTL window.
func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, onlineKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", userID, err)
	}
	return nil
}

func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence of %s: %w", userID, err)
	}
	return n > 0, nil
}

// ListOnline walks the keyspace with cursor SCANs instead of KEYS so a large
// deployment never blocks Redis.
func (s *Store) ListOnline(ctx context.Context) ([]string, error) {
	users := []string{}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "user:*:online", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence keys: %w", err)
		}
		for _, key := range keys {
			if id, ok := parseOnlineKey(key); ok {
				users = append(users, id)
			}
		}
		cursor = next
		if cursor == 0 {
			return users, nil
		}
	}
}

func onlineKey(userID string) string {
	return "user:" + userID + ":online"
}

func parseOnlineKey(key string) (string, bool) {
	id := strings.TrimSuffix(strings.TrimPrefix(key, "user:"), ":online")
	if id == "" || id == key {
		return "", false
	}
	return id, true
}
