// Package cache keeps trained model artifacts in Redis as an alternative to
// the SQL trained_models table.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"apipulse/internal/model"
)

const (
	keyPrefix = "apipulse:model:"
	indexKey  = "apipulse:models"
)

// RedisModels implements the model persister interfaces of the anomaly and
// forecast engines. Entries expire after ttl unless refreshed.
type RedisModels struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisModels(ctx context.Context, addr string, ttl time.Duration) (*RedisModels, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", model.ErrPersistence, err)
	}
	return &RedisModels{client: client, ttl: ttl}, nil
}

func ModelKey(k model.ModelKey) string {
	return keyPrefix + k.Metric + ":" + k.APIName + "|" + k.Environment
}

func (r *RedisModels) SaveModel(ctx context.Context, m model.TrainedModel) error {
	if m.TrainedAt.IsZero() {
		m.TrainedAt = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	key := ModelKey(m.Key)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, data, r.ttl)
		p.SAdd(ctx, indexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save model %s: %w", model.ErrPersistence, m.Key, err)
	}
	return nil
}

func (r *RedisModels) LoadModel(ctx context.Context, key model.ModelKey) (model.TrainedModel, error) {
	data, err := r.client.Get(ctx, ModelKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TrainedModel{}, fmt.Errorf("%w: model %s", model.ErrNotFound, key)
	}
	if err != nil {
		return model.TrainedModel{}, fmt.Errorf("%w: load model %s: %w", model.ErrPersistence, key, err)
	}
	var m model.TrainedModel
	if err := json.Unmarshal(data, &m); err != nil {
		return model.TrainedModel{}, fmt.Errorf("decode model %s: %w", key, err)
	}
	return m, nil
}

func (r *RedisModels) DeleteModel(ctx context.Context, key model.ModelKey) error {
	k := ModelKey(key)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.SRem(ctx, indexKey, k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete model %s: %w", model.ErrPersistence, key, err)
	}
	return nil
}

// DeleteModels drops every artifact of metric, or all of them when metric
// is empty.
func (r *RedisModels) DeleteModels(ctx context.Context, metric string) (int64, error) {
	keys, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: list models: %w", model.ErrPersistence, err)
	}
	prefix := keyPrefix
	if metric != "" {
		prefix += metric + ":"
	}
	var doomed []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			doomed = append(doomed, k)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	members := make([]any, len(doomed))
	for i, k := range doomed {
		members[i] = k
	}
	var deleted *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, doomed...)
		p.SRem(ctx, indexKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: delete models: %w", model.ErrPersistence, err)
	}
	return deleted.Val(), nil
}

func (r *RedisModels) Close() error {
	return r.client.Close()
}
