package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gitlab:exclusive_lease:"

// cancelScript deletes the key only if it still holds the caller's token.
var cancelScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore keeps leases in Redis so they are shared across all processes of
// a site.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a RedisStore using client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// TryObtain implements Store.
func (s *RedisStore) TryObtain(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()

	ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("set lease: %w", err)
	}

	if !ok {
		return "", nil
	}

	return token, nil
}

// Cancel implements Store.
func (s *RedisStore) Cancel(ctx context.Context, key, token string) error {
	if err := cancelScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("cancel lease: %w", err)
	}
	return nil
}
