package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"nostrsync/internal/admission"
	"nostrsync/internal/giftwrap"
	"nostrsync/internal/listing/handler"
	listingmetrics "nostrsync/internal/listing/metrics"
	"nostrsync/internal/listing/service"
	"nostrsync/internal/listing/store/seen"
	"nostrsync/internal/outbox"
	"nostrsync/internal/platform/config"
	"nostrsync/internal/platform/httpserver"
	"nostrsync/internal/platform/kafka"
	"nostrsync/internal/platform/logger"
	"nostrsync/internal/platform/redis"
	"nostrsync/internal/relay"
	"nostrsync/internal/rpc"
	"nostrsync/internal/signer"
)

const shutdownTimeout = 10 * time.Second

// main wires the relay pool, the listing pipelines and the responders, then
// blocks until a signal arrives. Business logic lives in internal packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("nostrsync stopped", "error", err)
		os.Exit(1)
	}
	log.Info("nostrsync stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	sg, err := signer.New(cfg.Nostr.SecretKey)
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	policy := admission.New(sg.PublicKey(), cfg.Nostr.Operators...)
	replace, err := service.ParseReplacePolicy(cfg.Nostr.ReplacePolicy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	checks := map[string]httpserver.HealthCheck{}

	pool := relay.NewPool(ctx, cfg.Nostr.Relays, relay.WithLogger(log))
	if err := pool.Connect(ctx); err != nil {
		return err
	}

	st, err := openStorage(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("close storage", "error", err)
		}
	}()
	if st.health != nil {
		checks["postgres"] = st.health
	}
	if n, err := st.backfill(ctx); err != nil {
		return fmt.Errorf("backfill listing history: %w", err)
	} else if n > 0 {
		log.Info("backfilled listing history", "rows", n)
	}

	lm := listingmetrics.New(reg)
	ingestOpts := []service.IngestorOption{
		service.WithLogger(log),
		service.WithKinds(cfg.Nostr.RecordKinds...),
		service.WithReplacePolicy(replace),
		service.WithMetrics(lm),
	}
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
		checks["redis"] = rc.Health
		ingestOpts = append(ingestOpts, service.WithSeenCache(seen.NewRedis(rc.Client, seen.WithTTL(cfg.Redis.SeenTTL))))
	}

	ingestor := service.NewIngestor(pool, st.tx, policy, ingestOpts...)
	deletions := service.NewDeletionHandler(pool, st.tx, policy,
		service.WithDeletionLogger(log),
		service.WithManagedKinds(cfg.Nostr.RecordKinds...),
		service.WithDeletionMetrics(lm),
	)

	rpcServer := rpc.NewServer(pool, sg,
		rpc.WithServerLogger(log),
		rpc.WithServerMetrics(rpc.NewMetrics(reg)),
	)
	handler.New(st.reader, log).Register(rpcServer)

	messenger := giftwrap.New(pool, sg, giftwrap.WithLogger(log))

	kc, err := kafka.New(ctx, cfg.Kafka)
	if err != nil {
		return err
	}
	var worker *outbox.Worker
	if kc != nil {
		defer kc.Close()
		checks["kafka"] = kc.Health
		worker = outbox.NewWorker(st.outbox, outbox.NewKafkaPublisher(kc, kc.Topic()),
			outbox.WithLogger(log),
			outbox.WithPollInterval(cfg.Outbox.PollInterval),
			outbox.WithBatchSize(cfg.Outbox.BatchSize),
			outbox.WithRegisterer(reg),
		)
	} else {
		log.Warn("no kafka brokers configured, outbox notices are not forwarded")
	}

	srv := httpserver.New(cfg.Server.Addr, httpserver.NewOpsRouter(log, reg, checks))

	log.Info("starting nostrsync",
		"pubkey", sg.PublicKey(),
		"relays", cfg.Nostr.Relays,
		"trusted_keys", policy.Len(),
		"ops_addr", cfg.Server.Addr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return deletions.Run(gctx) })
	g.Go(func() error { return rpcServer.Serve(gctx) })
	if cfg.Nostr.Inbox {
		g.Go(func() error { return messenger.Inbox(gctx, logInbox(log)) })
	}
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	ingestor.Wait()
	deletions.Wait()
	rpcServer.Wait()
	messenger.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// logInbox records received direct messages; downstream bridges consume them
// from the same callback.
func logInbox(log *slog.Logger) giftwrap.InboxHandler {
	return func(ctx context.Context, wrap *nostr.Event, msg *giftwrap.Message, err error) {
		if err != nil {
			log.WarnContext(ctx, "gift wrap rejected", "wrap_id", wrap.ID, "error", err)
			return
		}
		log.InfoContext(ctx, "direct message received",
			"wrap_id", msg.WrapID,
			"sender", msg.Sender,
			"kind", msg.Kind,
		)
	}
}
