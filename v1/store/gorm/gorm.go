// Package gorm provides a mutex.Store on any SQL database supported by GORM.
//
// Locks live in one table with the columns key, status and updated_at. A
// conditional write is a transaction that reads the current row, evaluates
// the condition and then writes guarded by the values it observed, so a
// concurrent writer turns the write into a no-op instead of a lost update.
package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

const defaultGormOpTimeout = 5 * time.Second

// lockRow is the persisted form of a mutex.Record. The timestamp field is
// not called UpdatedAt so GORM leaves it alone.
type lockRow struct {
	Key             string `gorm:"primaryKey;column:key"`
	Status          string `gorm:"column:status;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at;not null"`
}

// Store implements mutex.Store using a GORM backend.
type Store struct {
	db      *gorm.DB
	table   string
	timeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTableName sets the table name. It defaults to mutex.DefaultTableName.
func WithTableName(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithTimeout sets the operation timeout for GORM calls.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// New returns a Store using db. The table is created by Provision.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		table:   mutex.DefaultTableName,
		timeout: defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func keyIs(key string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

// Update implements mutex.Store.Update.
func (s *Store) Update(ctx context.Context, key string, cond mutex.Condition, next mutex.Record) (mutex.Record, error) {
	if err := ctx.Err(); err != nil {
		return mutex.Record{}, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var prior mutex.Record
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		var found bool
		var err error
		prior, found, err = s.read(tx, key)
		if err != nil {
			return err
		}
		if !cond.Eval(prior) {
			return mutexerrors.ErrConditionFailed
		}

		var res *gorm.DB
		if !found {
			res = tx.Table(s.table).Clauses(clause.OnConflict{DoNothing: true}).Create(&lockRow{
				Key:             key,
				Status:          string(next.Status),
				UpdatedAtMillis: next.UpdatedAt,
			})
		} else {
			res = tx.Table(s.table).
				Where(keyIs(key)).
				Where(clause.Eq{Column: clause.Column{Name: "status"}, Value: string(prior.Status)}).
				Where(clause.Eq{Column: clause.Column{Name: "updated_at"}, Value: prior.UpdatedAt}).
				Updates(map[string]any{"status": string(next.Status), "updated_at": next.UpdatedAt})
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return mutexerrors.ErrConditionFailed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, mutexerrors.ErrConditionFailed) || errors.Is(err, mutexerrors.ErrMalformedRecord) {
			return mutex.Record{}, err
		}
		return mutex.Record{}, mapErr(err)
	}
	return prior, nil
}

func (s *Store) read(tx *gorm.DB, key string) (mutex.Record, bool, error) {
	var row lockRow
	err := tx.Table(s.table).Where(keyIs(key)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mutex.Record{}, false, nil
	}
	if err != nil {
		return mutex.Record{}, false, err
	}
	status, err := mutex.ParseStatus(row.Status)
	if err != nil {
		return mutex.Record{}, true, err
	}
	return mutex.Record{Status: status, UpdatedAt: row.UpdatedAtMillis}, true, nil
}

// Get returns the stored record for key. A missing row is a zero Record.
func (s *Store) Get(ctx context.Context, key string) (mutex.Record, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	r, _, err := s.read(s.db.WithContext(cctx), key)
	if err != nil && !errors.Is(err, mutexerrors.ErrMalformedRecord) {
		return mutex.Record{}, mapErr(err)
	}
	return r, err
}

// Provision implements mutex.Store.Provision by migrating the lock table.
func (s *Store) Provision(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.WithContext(cctx).Table(s.table).AutoMigrate(&lockRow{}); err != nil {
		return mapErr(err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return mutexerrors.ErrTimeout
	}
	return err
}
