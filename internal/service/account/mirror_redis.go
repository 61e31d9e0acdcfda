package account

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	mirrorKeyPrefix = "billing:entitlements:"

	// Entries expire on their own so a missed invalidation heals itself.
	mirrorTTL = 24 * time.Hour
)

// RedisClient is the subset of the go-redis client the mirror uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisMirror struct {
	client RedisClient
	logger *zerolog.Logger
}

func NewRedisMirror(client RedisClient, logger *zerolog.Logger) *RedisMirror {
	log := logger.With().Str("channel", "entitlement_mirror").Logger()

	return &RedisMirror{
		client: client,
		logger: &log,
	}
}

func (m *RedisMirror) Put(ctx context.Context, accountID uuid.UUID, keys []string) error {
	payload, err := json.Marshal(keys)
	if err != nil {
		return errors.Wrap(err, "unable to encode capability keys")
	}

	if err := m.client.Set(ctx, mirrorKey(accountID), payload, mirrorTTL).Err(); err != nil {
		return errors.Wrap(err, "unable to write entitlement mirror")
	}

	return nil
}

func (m *RedisMirror) Get(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	payload, err := m.client.Get(ctx, mirrorKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMirrorMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read entitlement mirror")
	}

	var keys []string
	if err := json.Unmarshal(payload, &keys); err != nil {
		return nil, errors.Wrap(err, "unable to decode capability keys")
	}

	return keys, nil
}

func (m *RedisMirror) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	if err := m.client.Del(ctx, mirrorKey(accountID)).Err(); err != nil {
		return errors.Wrap(err, "unable to invalidate entitlement mirror")
	}

	return nil
}

func mirrorKey(accountID uuid.UUID) string {
	return mirrorKeyPrefix + accountID.String()
}
