package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

const activeSequencesKey = "sequences:active"

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sequencesValue struct {
	Sequences []model.SequenceSummary `json:"sequences"`
	CachedAt  time.Time               `json:"cachedAt"`
}

func (c *RedisCache) ActiveSequences(ctx context.Context) ([]model.SequenceSummary, bool, error) {
	raw, err := c.rdb.Get(ctx, activeSequencesKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var v sequencesValue
	if err := json.Unmarshal(raw, &v); err != nil {
		// A corrupt entry is a miss; the next store overwrites it.
		return nil, false, nil
	}
	return v.Sequences, true, nil
}

func (c *RedisCache) StoreActiveSequences(ctx context.Context, list []model.SequenceSummary) error {
	if list == nil {
		list = []model.SequenceSummary{}
	}
	b, err := json.Marshal(sequencesValue{
		Sequences: list,
		CachedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, activeSequencesKey, b, c.ttl).Err()
}

var _ SequenceCache = (*RedisCache)(nil)
