package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nostrsync/internal/listing/service"
	"nostrsync/internal/listing/store"
	"nostrsync/internal/outbox"
	"nostrsync/pkg/platform/sentinel"
	txcontext "nostrsync/pkg/platform/tx"
)

type listingPostgresTx struct {
	db       *sql.DB
	listings *store.PostgresStore
	outbox   *outbox.PostgresStore
	timeout  time.Duration
}

func newListingPostgresTx(db *sql.DB) *listingPostgresTx {
	return &listingPostgresTx{
		db:       db,
		listings: store.NewPostgres(db),
		outbox:   outbox.NewPostgres(db),
	}
}

func (t *listingPostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context, stores service.TxStores) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: transaction aborted: %w", sentinel.ErrTimeout, err)
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = service.DefaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", sentinel.ErrUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), service.TxStores{Listings: t.listings, Outbox: t.outbox}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
