package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	reconcile "powerverter-monitor/internal/reconcile/domain"
)

// Options configures the push-telemetry store connection.
type Options struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ActivityStore reads the documents firmware keeps in the push-telemetry
// store. Each path is one key holding a JSON object, or a hash.
type ActivityStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewActivityStore dials the store.
func NewActivityStore(o Options) (*ActivityStore, error) {
	if o.Addr == "" {
		return nil, errors.New("redis: addr is required")
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	return NewActivityStoreWithClient(rdb, o.KeyPrefix), nil
}

// NewActivityStoreWithClient wraps an existing client.
func NewActivityStoreWithClient(rdb redis.UniversalClient, prefix string) *ActivityStore {
	return &ActivityStore{rdb: rdb, prefix: prefix}
}

// Ping checks connectivity.
func (s *ActivityStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *ActivityStore) Close() error {
	return s.rdb.Close()
}

// ReadTimestamp returns the timestamp stored under field of the document at
// path. A missing document, field or unparseable value yields ok=false.
func (s *ActivityStore) ReadTimestamp(ctx context.Context, path, field string) (time.Time, bool, error) {
	key := s.key(path)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return time.Time{}, false, nil
	case err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return s.readHashField(ctx, key, field)
	case err != nil:
		return time.Time{}, false, fmt.Errorf("redis: get %s: %w", key, err)
	}

	value, err := documentField(raw, field)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	at, ok := reconcile.ParseTimestamp(value)
	return at, ok, nil
}

func (s *ActivityStore) readHashField(ctx context.Context, key, field string) (time.Time, bool, error) {
	value, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: hget %s %s: %w", key, field, err)
	}
	at, ok := reconcile.ParseTimestamp(value)
	return at, ok, nil
}

func (s *ActivityStore) key(path string) string {
	return s.prefix + strings.TrimPrefix(path, "/")
}

func documentField(raw []byte, field string) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc[field], nil
}
