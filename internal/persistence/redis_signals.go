package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSignalStore buffers early external signals in Redis, one key per
// (instance, event name) pair:
//
//	<prefix>sig:<instance>:<event> => payload bytes
//
// The retention window maps directly onto key TTLs, so expired signals
// disappear without a sweeper. PurgeExpired is therefore a no-op and
// exists only to satisfy the SignalStore contract.
type RedisSignalStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisSignalStore implements SignalStore.
var _ SignalStore = (*RedisSignalStore)(nil)

// NewRedisSignalStore creates a RedisSignalStore.
// prefix is optional but recommended (e.g. "dts:").
func NewRedisSignalStore(client *redis.Client, prefix string) *RedisSignalStore {
	if prefix == "" {
		prefix = "dts:"
	}
	return &RedisSignalStore{client: client, prefix: prefix}
}

func (s *RedisSignalStore) key(instanceID, eventName string) string {
	return s.prefix + "sig:" + instanceID + ":" + eventName
}

func (s *RedisSignalStore) SaveSignal(ctx context.Context, sig BufferedSignal) error {
	var ttl time.Duration
	if !sig.ExpiresAt.IsZero() {
		ttl = time.Until(sig.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	return s.client.Set(ctx, s.key(sig.InstanceID, sig.EventName), sig.Payload, ttl).Err()
}

func (s *RedisSignalStore) TakeSignal(ctx context.Context, instanceID, eventName string) (*BufferedSignal, error) {
	payload, err := s.client.GetDel(ctx, s.key(instanceID, eventName)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSignalNotFound
		}
		return nil, err
	}
	return &BufferedSignal{
		InstanceID: instanceID,
		EventName:  eventName,
		Payload:    payload,
	}, nil
}

func (s *RedisSignalStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	// Redis expires buffered signals itself via key TTLs.
	return 0, nil
}
