package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	redis "github.com/redis/go-redis/v9"
)

// DefaultRedisKey is used when a redis location has no key parameter.
const DefaultRedisKey = "lockerd:snapshot"

// Redis stores the document as a single string value.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// OpenRedis connects to a redis:// location and checks it is reachable.
func OpenRedis(ctx context.Context, u *url.URL) (*Redis, error) {
	q := u.Query()
	key := q.Get("key")
	q.Del("key")
	clean := *u
	clean.RawQuery = q.Encode()

	opts, err := redis.ParseURL(clean.String())
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse redis location: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("snapshot: redis ping: %w", err)
	}
	return NewRedis(client, key), nil
}

func (r *Redis) Read(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (r *Redis) Write(ctx context.Context, data []byte) error {
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) String() string {
	return fmt.Sprintf("redis://%s/%d?key=%s", r.client.Options().Addr, r.client.Options().DB, r.key)
}
