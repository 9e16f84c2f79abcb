package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"nostrsync/internal/listing/handler"
	"nostrsync/internal/listing/service"
	"nostrsync/internal/listing/store"
	"nostrsync/internal/outbox"
	"nostrsync/internal/platform/config"
	"nostrsync/internal/platform/httpserver"
)

// storage bundles the transactional boundary with the read side and the outbox
// the worker drains. Both backends share this shape.
type storage struct {
	tx       service.StoreTx
	reader   handler.Reader
	outbox   outbox.Store
	backfill func(ctx context.Context) (int64, error)
	health   httpserver.HealthCheck
	close    func() error
}

func openStorage(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*storage, error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL not set, listings are kept in memory")
		listings := store.NewInMemoryStore()
		out := outbox.NewInMemoryStore()
		return &storage{
			tx:       service.NewInMemoryTx(listings, out),
			reader:   listings,
			outbox:   out,
			backfill: listings.BackfillHistory,
			close:    func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	listings := store.NewPostgres(db)
	if err := listings.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &storage{
		tx:       newListingPostgresTx(db),
		reader:   listings,
		outbox:   outbox.NewPostgres(db),
		backfill: listings.BackfillHistory,
		health:   db.PingContext,
		close:    db.Close,
	}, nil
}
