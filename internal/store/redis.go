package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Store backed by a shared Redis deployment. All keys
// carry TTLs so state owned by a crashed process expires on its own.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis connects to the Redis instance described by rawURL
// (redis://[user:pass@]host:port/db) and verifies connectivity.
func NewRedis(ctx context.Context, rawURL string, timeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	client := redis.NewClient(opts)
	r := &Redis{client: client, timeout: timeout}
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Get returns the blob stored at key or ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// Set stores the blob at key with the supplied TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return translate(r.client.Set(ctx, key, value, ttl).Err())
}

// Delete removes the key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return translate(r.client.Del(ctx, key).Err())
}

// CompareAndSwap performs an optimistic transaction: WATCH the key, confirm the
// stored bytes equal old, then swap inside MULTI/EXEC. A concurrent write
// aborts the transaction and surfaces as ErrCASMismatch for the caller to
// re-read and retry.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if old != nil {
				return ErrCASMismatch
			}
		case err != nil:
			return err
		default:
			if old == nil || !bytes.Equal(current, old) {
				return ErrCASMismatch
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		//1.- Another writer touched the key between WATCH and EXEC.
		return ErrCASMismatch
	}
	return translate(err)
}

// AddToSet inserts member into the set at key.
func (r *Redis) AddToSet(ctx context.Context, key, member string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return translate(r.client.SAdd(ctx, key, member).Err())
}

// RemoveFromSet removes member and reports how many members remain.
func (r *Redis) RemoveFromSet(ctx context.Context, key, member string) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, key, member)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, translate(err)
	}
	return int(card.Val()), nil
}

// SetMembers lists the members of the set at key.
func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, translate(err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return members, nil
}

// Increment bumps the counter at key and applies ttl on first creation.
func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		//1.- NX keeps the original window expiry when the counter already exists.
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, translate(err)
	}
	return incr.Val(), nil
}

// PushCapped appends value to the list at key and trims it to limit entries.
func (r *Redis) PushCapped(ctx context.Context, key string, value []byte, limit int, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, value)
	if limit > 0 {
		pipe.LTrim(ctx, key, int64(-limit), -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return translate(err)
}

// ListRange returns the list at key ordered oldest first.
func (r *Redis) ListRange(ctx context.Context, key string) ([][]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	values, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, translate(err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Ping verifies connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return translate(r.client.Ping(ctx).Err())
}

// Close releases the client connection pool.
func (r *Redis) Close() error { return r.client.Close() }
