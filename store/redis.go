package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore shares the identity between kiosks behind one backend.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedisStore(addr, password string, db int, prefix string, log *zap.Logger) (*RedisStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newRedisStore(client, prefix, log)
}

func newRedisStore(client *redis.Client, prefix string, log *zap.Logger) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", client.Options().Addr, err)
	}
	log.Named("store").Info("connected to redis", zap.String("addr", client.Options().Addr))
	return &RedisStore{client: client, prefix: prefix, log: log.Named("store")}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) SaveIdentity(ctx context.Context, user, role string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(KeyUser), user, 0)
		p.Set(ctx, s.key(KeyRole), role, 0)
		return nil
	})
	if err != nil {
		s.log.Error("saving identity failed", zap.Error(err))
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearIdentity(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(KeyUser), s.key(KeyRole)).Err(); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}

func (s *RedisStore) Identity(ctx context.Context) (string, string, error) {
	user, err := s.client.Get(ctx, s.key(KeyUser)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNoIdentity
	}
	if err != nil {
		return "", "", fmt.Errorf("read identity: %w", err)
	}
	role, err := s.client.Get(ctx, s.key(KeyRole)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", "", fmt.Errorf("read identity: %w", err)
	}
	return user, role, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
