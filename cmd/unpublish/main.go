package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nostrsync/internal/listing/unpublish"
	"nostrsync/internal/platform/config"
	"nostrsync/internal/platform/logger"
	"nostrsync/internal/relay"
	"nostrsync/internal/signer"
)

const runTimeout = 2 * time.Minute

// main retracts every listing the configured identity has published by
// publishing a tombstone for each one.
func main() {
	cfg, err := config.FromEnv()
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	sg, err := signer.New(cfg.Nostr.SecretKey)
	if err != nil {
		log.Error("load signer", "error", err)
		os.Exit(1)
	}
	pool := relay.NewPool(ctx, cfg.Nostr.Relays, relay.WithLogger(log))
	if err := pool.Connect(ctx); err != nil {
		log.Error("connect relays", "error", err)
		os.Exit(1)
	}

	res, err := unpublish.New(pool, sg,
		unpublish.WithLogger(log),
		unpublish.WithKinds(cfg.Nostr.RecordKinds...),
	).Run(ctx)
	log.Info("unpublishing complete",
		"found", res.Found,
		"retracted", len(res.Retracted),
		"failed", len(res.Failed),
	)
	if err != nil {
		log.Error("some listings were not retracted", "error", err)
		os.Exit(1)
	}
}
