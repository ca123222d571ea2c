package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/apperr"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// Querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxFromContext returns the transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ContextWithTx binds tx to ctx so repositories pick it up.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// Conn returns the transaction bound to ctx, or fallback when there is none.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

// Transactor runs a function inside one database transaction. Calls made
// while a transaction is already bound to ctx join it.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithSerializableTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxManager is the pgx-backed Transactor.
type TxManager struct {
	pool       beginner
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
}

// NewTxManager wraps a pool (normally *pgxpool.Pool). maxRetries bounds how
// often a serializable transaction is replayed after a serialization failure.
func NewTxManager(pool beginner, maxRetries int, logger zerolog.Logger) *TxManager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &TxManager{pool: pool, maxRetries: maxRetries, backoff: 20 * time.Millisecond, logger: logger}
}

func (m *TxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, pgx.TxOptions{}, fn)
}

// WithSerializableTx runs fn at SERIALIZABLE isolation and replays it when
// the database aborts it with a serialization failure or deadlock. Only the
// outermost call retries; a nested call joins the caller's transaction.
func (m *TxManager) WithSerializableTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	for attempt := 0; ; attempt++ {
		err := m.run(ctx, opts, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= m.maxRetries {
			return &apperr.Error{
				Kind:    apperr.KindConflict,
				Message: "concurrent update detected, retry the operation",
				Err:     err,
			}
		}
		m.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying serializable transaction")
		select {
		case <-ctx.Done():
			return apperr.Storage("retry transaction", ctx.Err())
		case <-time.After(m.backoff * time.Duration(attempt+1)):
		}
	}
}

func (m *TxManager) run(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, opts)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			m.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage("commit transaction", err)
	}
	return nil
}

// IsRetryable reports serialization failures (40001) and deadlocks (40P01).
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation reports a unique constraint failure (23505), optionally
// restricted to one constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
