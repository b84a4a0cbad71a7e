package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/menta2k/dish-counter/pkg/workflow"
)

// RedisStore keeps JSON-serialized sessions under prefix+id with SETEX
type RedisStore struct {
	pool   *redis.Pool
	prefix string
	ttl    int
}

// NewRedisPool dials addr for every new pooled connection
func NewRedisPool(addr string, maxIdle int) *redis.Pool {
	return redis.NewPool(func() (redis.Conn, error) {
		c, err := redis.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return c, err
	}, maxIdle)
}

// NewRedisStore creates a store on pool
func NewRedisStore(pool *redis.Pool, prefix string, ttl time.Duration) *RedisStore {
	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &RedisStore{pool: pool, prefix: prefix, ttl: secs}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisStore) conn() (redis.Conn, error) {
	conn := r.pool.Get()
	if err := conn.Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return conn, nil
}

// Get returns the session by ID
func (r *RedisStore) Get(ctx context.Context, id string) (*workflow.Session, error) {
	conn, err := r.conn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", r.key(id)))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var s workflow.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Save stores the session and renews its TTL
func (r *RedisStore) Save(ctx context.Context, s *workflow.Session) error {
	serialized, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	conn, err := r.conn()
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("SETEX", r.key(s.ID), r.ttl, serialized); err != nil {
		return fmt.Errorf("redis setex: %w", err)
	}
	return nil
}

// Delete removes the session
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	conn, err := r.conn()
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", r.key(id)); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the pool
func (r *RedisStore) Close() error {
	return r.pool.Close()
}

var _ Store = (*RedisStore)(nil)
