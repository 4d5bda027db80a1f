// Package redis provides a mutex.Store keeping each lock record in a Redis
// hash. Conditional writes use optimistic transactions (WATCH / MULTI / EXEC):
// the record is read and the condition evaluated under WATCH, and the write
// only commits if nobody touched the hash in between.
package redis

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultMaxAttempts    = 16

	fieldStatus    = "status"
	fieldUpdatedAt = "updatedAt"
)

// Store implements mutex.Store using a Redis backend.
type Store struct {
	client      redis.UniversalClient
	table       string
	timeout     time.Duration
	maxAttempts int
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	table       string
	timeout     time.Duration
	maxAttempts int
}

// WithTableName sets the prefix of every hash key. Records live at
// "<table>:<key>".
func WithTableName(name string) Option {
	return func(o *storeOptions) {
		o.table = name
	}
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		o.timeout = d
	}
}

// WithMaxAttempts bounds how many times a write is re-evaluated after a
// concurrent modification of the same key. When exhausted the write fails
// with an error wrapping redis.TxFailedErr; the guard itself never failed.
func WithMaxAttempts(n int) Option {
	return func(o *storeOptions) {
		o.maxAttempts = n
	}
}

// New returns a new Store using the provided Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	o := storeOptions{
		table:       mutex.DefaultTableName,
		timeout:     defaultRedisOpTimeout,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	return &Store{client: client, table: o.table, timeout: o.timeout, maxAttempts: o.maxAttempts}
}

// ItemKey returns the Redis key holding the record of key.
func (s *Store) ItemKey(key string) string {
	return s.table + ":" + key
}

// Update implements mutex.Store.Update.
func (s *Store) Update(ctx context.Context, key string, cond mutex.Condition, next mutex.Record) (mutex.Record, error) {
	if err := ctx.Err(); err != nil {
		return mutex.Record{}, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	item := s.ItemKey(key)
	var prior mutex.Record
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(cctx, item, fieldStatus, fieldUpdatedAt).Result()
		if err != nil {
			return err
		}
		if prior, err = decode(vals); err != nil {
			return err
		}
		if !cond.Eval(prior) {
			return mutexerrors.ErrConditionFailed
		}
		_, err = tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(cctx, item, fieldStatus, string(next.Status), fieldUpdatedAt, next.UpdatedAt)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Watch(cctx, txf, item)
		switch {
		case err == nil:
			return prior, nil
		case stdErrors.Is(err, redis.TxFailedErr):
			continue
		case stdErrors.Is(err, mutexerrors.ErrConditionFailed), stdErrors.Is(err, mutexerrors.ErrMalformedRecord):
			return mutex.Record{}, err
		default:
			return mutex.Record{}, mapErr(err)
		}
	}
	return mutex.Record{}, fmt.Errorf("redis: optimistic transaction aborted %d times: %w", s.maxAttempts, redis.TxFailedErr)
}

// Get returns the current record of key, a zero record when absent.
func (s *Store) Get(ctx context.Context, key string) (mutex.Record, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.HMGet(cctx, s.ItemKey(key), fieldStatus, fieldUpdatedAt).Result()
	if err != nil {
		return mutex.Record{}, mapErr(err)
	}
	return decode(vals)
}

// Provision implements mutex.Store.Provision. Redis needs no schema, so it
// only checks the connection.
func (s *Store) Provision(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapErr(s.client.Ping(cctx).Err())
}

// decode turns the HMGET reply for (status, updatedAt) into a record. Both
// fields are written together, so exactly one of them missing is corruption.
func decode(vals []interface{}) (mutex.Record, error) {
	if len(vals) != 2 {
		return mutex.Record{}, mutexerrors.ErrMalformedRecord
	}
	if vals[0] == nil && vals[1] == nil {
		return mutex.Record{}, nil
	}
	rawStatus, ok1 := vals[0].(string)
	rawUpdatedAt, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return mutex.Record{}, mutexerrors.ErrMalformedRecord
	}
	status, err := mutex.ParseStatus(rawStatus)
	if err != nil {
		return mutex.Record{}, err
	}
	updatedAt, err := strconv.ParseInt(rawUpdatedAt, 10, 64)
	if err != nil {
		return mutex.Record{}, stdErrors.Join(mutexerrors.ErrMalformedRecord, err)
	}
	return mutex.Record{Status: status, UpdatedAt: updatedAt}, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return mutexerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return mutexerrors.ErrConnectionClosed
	}
	return err
}
