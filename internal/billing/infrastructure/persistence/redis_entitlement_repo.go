package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where the entitlement snapshot lives in Redis.
const DefaultRedisKey = "premiumsync:entitlement"

// RedisEntitlementRepository implements EntitlementRepository with Redis.
// The snapshot is stored as JSON under a single key without expiry; expiry
// of the entitlement itself is carried in the record.
type RedisEntitlementRepository struct {
	client *redis.Client
	key    string
}

// NewRedisEntitlementRepository creates a repository. An empty key selects DefaultRedisKey.
func NewRedisEntitlementRepository(client *redis.Client, key string) *RedisEntitlementRepository {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisEntitlementRepository{client: client, key: key}
}

// Load returns the stored snapshot, or nil when the key is absent.
func (r *RedisEntitlementRepository) Load(ctx context.Context) (*domain.EntitlementRecord, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	record, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Save replaces the stored snapshot.
func (r *RedisEntitlementRepository) Save(ctx context.Context, record domain.EntitlementRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// Clear removes the stored snapshot.
func (r *RedisEntitlementRepository) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func encodeRecord(record domain.EntitlementRecord) ([]byte, error) {
	record.VerifiedAt = record.VerifiedAt.UTC()
	if record.ExpiresAt != nil {
		t := record.ExpiresAt.UTC()
		record.ExpiresAt = &t
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode entitlement: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (domain.EntitlementRecord, error) {
	var record domain.EntitlementRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("decode entitlement: %w", err)
	}
	return record, nil
}
