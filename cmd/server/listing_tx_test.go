package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostrsync/internal/listing/service"
	"nostrsync/internal/outbox"
	"nostrsync/pkg/platform/sentinel"
)

func notice(t *testing.T) outbox.Message {
	t.Helper()
	msg, err := outbox.NewMessage("listing", "30402:abc:d1", "listing.deleted", map[string]string{"d": "d1"}, time.Now())
	require.NoError(t, err)
	return msg
}

func TestListingPostgresTxCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	msg := notice(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx := newListingPostgresTx(db)
	err = tx.RunInTx(context.Background(), func(ctx context.Context, stores service.TxStores) error {
		return stores.Outbox.Append(ctx, msg)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListingPostgresTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM listings").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx := newListingPostgresTx(db)
	err = tx.RunInTx(context.Background(), func(ctx context.Context, stores service.TxStores) error {
		return stores.Listings.Delete(ctx, uuid.New())
	})
	require.ErrorIs(t, err, sentinel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListingPostgresTxCancelledContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = newListingPostgresTx(db).RunInTx(ctx, func(context.Context, service.TxStores) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, sentinel.ErrTimeout)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListingPostgresTxBeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	err = newListingPostgresTx(db).RunInTx(context.Background(), func(context.Context, service.TxStores) error {
		return nil
	})
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
