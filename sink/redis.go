package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const scanChunk = 500

// RedisSink appends records to a Redis list. RPUSH is atomic per record.
type RedisSink struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisSink(rdb redis.UniversalClient, key string) *RedisSink {
	return &RedisSink{rdb: rdb, key: key}
}

func (s *RedisSink) Locator() string { return "redis://" + s.key }

func (s *RedisSink) Append(ctx context.Context, record []byte) error {
	if len(record) == 0 {
		return errors.New("sink: empty record")
	}
	if err := s.rdb.RPush(ctx, s.key, record).Err(); err != nil {
		return fmt.Errorf("sink: rpush %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSink) Scan(ctx context.Context, fn func(record []byte) bool) error {
	for start := int64(0); ; start += scanChunk {
		vals, err := s.rdb.LRange(ctx, s.key, start, start+scanChunk-1).Result()
		if err != nil {
			return fmt.Errorf("sink: lrange %s: %w", s.key, err)
		}
		for _, v := range vals {
			if !fn([]byte(v)) {
				return nil
			}
		}
		if len(vals) < scanChunk {
			return nil
		}
	}
}

func (s *RedisSink) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
