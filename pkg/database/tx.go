package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cfpforge/backend/pkg/apperror"
)

// SerializableRetries is how many times a serializable transaction is attempted.
const SerializableRetries = 3

const (
	codeSerializationFailure = "40001"
	codeUniqueViolation      = "23505"
)

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Tx.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// IsSerializationFailure reports whether err is a PostgreSQL serialization failure (40001).
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeSerializationFailure
}

// IsUniqueViolation reports whether err is a unique constraint violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// Serializable runs fn inside a SERIALIZABLE transaction and commits it.
// Serialization failures from fn or from the commit are retried up to SerializableRetries times.
func Serializable(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < SerializableRetries; attempt++ {
		lastErr = runTx(ctx, db, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if lastErr == nil {
			return nil
		}
		if !IsSerializationFailure(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("serializable transaction failed after %d attempts: %w", SerializableRetries, lastErr)
}

// WithTx runs fn inside a read-committed transaction.
func WithTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	return runTx(ctx, db, pgx.TxOptions{}, fn)
}

func runTx(ctx context.Context, db TxBeginner, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx, so repositories run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NoRows converts pgx.ErrNoRows into a 404 naming what was missing.
func NoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound(what + " not found")
	}
	return err
}
