package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	defaultRedisMaxRetries = 5
	defaultRedisBackoff    = 10 * time.Millisecond

	fieldSecret       = "secret"
	fieldLastInterval = "last_interval"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

// DefaultKeyPrefix is prepended to credential ids to form Redis keys.
const DefaultKeyPrefix = "otp:credential:"

// RedisStore keeps each credential in a Redis hash. Interval updates use
// WATCH/MULTI and are retried when another client touches the same key.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries uint64
	backoff    time.Duration
	now        func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of credential keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRetry sets how often an optimistic update is retried after losing a
// race, and the pause between attempts.
func WithRetry(maxRetries uint64, backoff time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.maxRetries = maxRetries
		s.backoff = backoff
	}
}

// NewRedisStore creates a store on top of client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     DefaultKeyPrefix,
		maxRetries: defaultRedisMaxRetries,
		backoff:    defaultRedisBackoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backoff <= 0 {
		s.backoff = defaultRedisBackoff
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Create registers secret under a new random id.
func (s *RedisStore) Create(ctx context.Context, secret []byte) (*Credential, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidSecret
	}

	now := s.now().UTC()
	c := &Credential{
		ID:        uuid.NewString(),
		Secret:    cloneSecret(secret),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.client.HSet(ctx, s.key(c.ID), map[string]any{
		fieldSecret:       c.Secret,
		fieldLastInterval: 0,
		fieldCreatedAt:    now.Format(time.RFC3339Nano),
		fieldUpdatedAt:    now.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("credential: failed to create: %w", err)
	}

	return c, nil
}

// Get loads the whole credential hash.
func (s *RedisStore) Get(ctx context.Context, id string) (*Credential, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("credential: failed to get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	last, err := strconv.ParseUint(fields[fieldLastInterval], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("credential: corrupt interval for %s: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("credential: corrupt created_at for %s: %w", id, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt])
	if err != nil {
		return nil, fmt.Errorf("credential: corrupt updated_at for %s: %w", id, err)
	}

	return &Credential{
		ID:                     id,
		Secret:                 []byte(fields[fieldSecret]),
		LastValidationInterval: last,
		CreatedAt:              createdAt,
		UpdatedAt:              updatedAt,
	}, nil
}

// Secret returns the credential's secret.
func (s *RedisStore) Secret(ctx context.Context, id string) ([]byte, error) {
	secret, err := s.client.HGet(ctx, s.key(id), fieldSecret).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credential: failed to get secret of %s: %w", id, err)
	}
	return secret, nil
}

// LastValidationInterval returns the last accepted time step.
func (s *RedisStore) LastValidationInterval(ctx context.Context, id string) (uint64, error) {
	last, err := s.client.HGet(ctx, s.key(id), fieldLastInterval).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credential: failed to get interval of %s: %w", id, err)
	}
	return last, nil
}

// SetLastValidationInterval advances the last accepted time step.
func (s *RedisStore) SetLastValidationInterval(ctx context.Context, id string, interval uint64) error {
	key := s.key(id)

	b := retry.WithMaxRetries(s.maxRetries, retry.NewConstant(s.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.HGet(ctx, key, fieldLastInterval).Uint64()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if interval <= current {
				return ErrStaleInterval
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key,
					fieldLastInterval, interval,
					fieldUpdatedAt, s.now().UTC().Format(time.RFC3339Nano),
				)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStaleInterval):
		return err
	default:
		return fmt.Errorf("credential: failed to set interval of %s: %w", id, err)
	}
}

// Delete removes the credential.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("credential: failed to delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
