package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfpforge/backend/pkg/apperror"
)

type fakeTx struct {
	pgx.Tx
	commitErr error
	committed bool
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakeBeginner struct {
	begins   int
	opts     []pgx.TxOptions
	txs      []*fakeTx
	commitFn func(attempt int) error
}

func (b *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.begins++
	b.opts = append(b.opts, opts)
	tx := &fakeTx{}
	if b.commitFn != nil {
		tx.commitErr = b.commitFn(b.begins)
	}
	b.txs = append(b.txs, tx)
	return tx, nil
}

func serializationErr() error {
	return fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize access"})
}

func TestSerializableRetriesSerializationFailures(t *testing.T) {
	db := &fakeBeginner{}
	calls := 0
	err := Serializable(context.Background(), db, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return serializationErr()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, pgx.Serializable, db.opts[0].IsoLevel)
	assert.True(t, db.txs[2].committed)
}

func TestSerializableGivesUpAfterRetries(t *testing.T) {
	db := &fakeBeginner{}
	err := Serializable(context.Background(), db, func(pgx.Tx) error {
		return serializationErr()
	})

	require.Error(t, err)
	assert.True(t, IsSerializationFailure(err))
	assert.Equal(t, SerializableRetries, db.begins)
}

func TestSerializableRetriesCommitFailure(t *testing.T) {
	db := &fakeBeginner{commitFn: func(attempt int) error {
		if attempt == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	}}
	err := Serializable(context.Background(), db, func(pgx.Tx) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, 2, db.begins)
}

func TestSerializableDoesNotRetryOtherErrors(t *testing.T) {
	db := &fakeBeginner{}
	boom := errors.New("boom")
	err := Serializable(context.Background(), db, func(pgx.Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, db.begins)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
	assert.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_schema.sql", names[0])
}

func TestNoRows(t *testing.T) {
	err := NoRows(fmt.Errorf("scan: %w", pgx.ErrNoRows), "event")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Equal(t, "event not found", err.Error())

	other := errors.New("other")
	assert.Equal(t, other, NoRows(other, "event"))
}
