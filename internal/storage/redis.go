package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "bulksend/pkg/logx"
)

// redisSet keeps members in a sorted set scored by the unix time they were added.
type redisSet struct {
	client *redis.Client
	key    string
	log    logx.Logger
	now    func() time.Time
}

func openRedis(ctx context.Context, cfg Config, name string, log logx.Logger) (Set, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: ping redis %s: %w", addr, err)
	}
	log.Info("redis membership set connected", logx.String("addr", addr))
	return newRedisSet(client, redisKey(cfg.KeyPrefix, name), log), nil
}

func newRedisSet(client *redis.Client, key string, log logx.Logger) *redisSet {
	return &redisSet{client: client, key: key, log: log, now: time.Now}
}

func redisKey(prefix, name string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bulksend"
	}
	return prefix + ":" + name
}

func (s *redisSet) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.client.ZScore(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisSet) Add(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	// NX keeps the first insertion time.
	return s.client.ZAddNX(ctx, s.key, redis.Z{
		Score:  float64(s.now().Unix()),
		Member: key,
	}).Err()
}

func (s *redisSet) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	return int(n), err
}

func (s *redisSet) PurgeBefore(ctx context.Context, t time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatInt(t.Unix(), 10)).Result()
	return int(n), err
}

func (s *redisSet) Close() error {
	return s.client.Close()
}
