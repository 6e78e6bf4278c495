package channelsync

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisSessionPrefix = "channelsync:session:"

// RedisSessionStore relies on the server-side TTL, so expiry is enforced
// even across process restarts.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(dsn string) (SessionStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "session store: parse redis dsn")
	}
	return &RedisSessionStore{
		client: redis.NewClient(opts),
		prefix: redisSessionPrefix,
	}, nil
}

func (s *RedisSessionStore) Create(ctx context.Context, ownerRef string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(ownerRef) == "" || ttl <= 0 {
		return "", ErrInvalidInput
	}
	handle := uuid.NewString()
	if err := s.client.Set(ctx, s.prefix+handle, ownerRef, ttl).Err(); err != nil {
		return "", errors.Wrap(err, "session store: create")
	}
	return handle, nil
}

func (s *RedisSessionStore) Resolve(ctx context.Context, handle string) (string, error) {
	ownerRef, err := s.client.Get(ctx, s.prefix+handle).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", ErrSessionInvalid
	}
	if err != nil {
		return "", errors.Wrap(err, "session store: resolve")
	}
	return ownerRef, nil
}

func (s *RedisSessionStore) Invalidate(ctx context.Context, handle string) error {
	if err := s.client.Del(ctx, s.prefix+handle).Err(); err != nil {
		return errors.Wrap(err, "session store: invalidate")
	}
	return nil
}

func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}
