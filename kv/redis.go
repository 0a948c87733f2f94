package kv

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisScanCount = 100

// RedisConfig is the configuration of redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OpenRedis connects to redis.
func OpenRedis(ctx context.Context, config RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %q failed", config.Addr)
	}
	return &Redis{client: client}, nil
}

// Redis is the store kept in redis.
type Redis struct {
	client *redis.Client
}

// Get returns value stored under key.
func (r *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	value, err := decodeValue(data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value under key.
func (r *Redis) Put(ctx context.Context, key string, value any) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return errors.WithStack(r.client.Set(ctx, key, data, 0).Err())
}

// Delete deletes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return errors.WithStack(r.client.Del(ctx, key).Err())
}

// List returns entries with keys starting with prefix.
func (r *Redis) List(ctx context.Context, prefix string) (map[string]any, error) {
	var keys []string
	it := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", redisScanCount).Iterator()
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	if err := it.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	result := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for i, v := range values {
		// Key deleted between SCAN and MGET.
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("unexpected redis value type %T", v)
		}
		value, err := decodeValue([]byte(s))
		if err != nil {
			return nil, errors.Wrapf(err, "decoding value of key %q failed", keys[i])
		}
		result[keys[i]] = value
	}
	return result, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return errors.WithStack(r.client.Close())
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
