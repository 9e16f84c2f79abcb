// Package service turns relay events into materialized listings and applies
// tombstones to them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nostrsync/internal/admission"
	"nostrsync/internal/listing/codec"
	"nostrsync/internal/listing/metrics"
	"nostrsync/internal/listing/models"
	"nostrsync/internal/outbox"
	"nostrsync/internal/protocol"
	"nostrsync/internal/relay"
	"nostrsync/pkg/platform/sentinel"
)

// Outcome is what happened to one delivered event.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeUntrusted Outcome = "untrusted"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

// ReplacePolicy decides which of two events for one address is kept.
type ReplacePolicy string

const (
	// ReplaceFirstSeen keeps the first event id accepted for an address.
	// Later events for that address are duplicates.
	ReplaceFirstSeen ReplacePolicy = "first-seen"
	// ReplaceLatest keeps the event with the newest created_at; equal
	// timestamps keep the lower event id.
	ReplaceLatest ReplacePolicy = "latest"
)

// ParseReplacePolicy accepts the policy names used in configuration. An empty
// name selects ReplaceFirstSeen.
func ParseReplacePolicy(name string) (ReplacePolicy, error) {
	switch ReplacePolicy(name) {
	case "", ReplaceFirstSeen:
		return ReplaceFirstSeen, nil
	case ReplaceLatest:
		return ReplaceLatest, nil
	default:
		return "", fmt.Errorf("%w: unknown replace policy %q", sentinel.ErrValidation, name)
	}
}

const (
	aggregateListing = "listing"
	// maxReplaceAttempts bounds retries after losing an address race under
	// ReplaceLatest.
	maxReplaceAttempts = 3
)

var (
	errDuplicate = errors.New("event already materialized")
	errStale     = errors.New("event older than current revision")
)

// Ingestor materializes addressable listing events, one transaction per event.
type Ingestor struct {
	transport relay.Transport
	tx        StoreTx
	policy    admission.Policy
	kinds     []int
	replace   ReplacePolicy
	seen      SeenCache
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	inflight  sync.WaitGroup
}

type IngestorOption func(*Ingestor)

func WithLogger(logger *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithKinds overrides the record kinds subscribed to.
func WithKinds(kinds ...int) IngestorOption {
	return func(i *Ingestor) {
		if len(kinds) > 0 {
			i.kinds = append([]int(nil), kinds...)
		}
	}
}

func WithReplacePolicy(p ReplacePolicy) IngestorOption {
	return func(i *Ingestor) {
		if p != "" {
			i.replace = p
		}
	}
}

func WithSeenCache(c SeenCache) IngestorOption {
	return func(i *Ingestor) {
		i.seen = c
	}
}

func WithMetrics(m *metrics.Metrics) IngestorOption {
	return func(i *Ingestor) {
		i.metrics = m
	}
}

func WithClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

func NewIngestor(transport relay.Transport, tx StoreTx, policy admission.Policy, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		transport: transport,
		tx:        tx,
		policy:    policy,
		kinds:     append([]int(nil), protocol.DefaultRecordKinds...),
		replace:   ReplaceFirstSeen,
		logger:    slog.Default(),
		tracer:    otel.Tracer("nostrsync/listing"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Kinds returns the record kinds this ingestor manages.
func (i *Ingestor) Kinds() []int {
	return append([]int(nil), i.kinds...)
}

// Run consumes the record subscription until ctx is done. Every event is
// handled in its own goroutine; a failing event never stops the loop.
func (i *Ingestor) Run(ctx context.Context) error {
	sub, err := i.transport.Subscribe(ctx, nostr.Filter{Kinds: i.kinds}, relay.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe to listing kinds: %w", err)
	}
	defer sub.Close()

	i.logger.InfoContext(ctx, "listing ingestor started", "kinds", i.kinds, "replace_policy", string(i.replace))
	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("%w: listing subscription closed", sentinel.ErrUnavailable)
			}
			i.inflight.Add(1)
			go func() {
				defer i.inflight.Done()
				_, _ = i.HandleEvent(handleCtx, evt)
			}()
		}
	}
}

// Wait blocks until every event handed out by Run has been handled.
func (i *Ingestor) Wait() {
	i.inflight.Wait()
}

// HandleEvent runs one event through the admission gate, the idempotency gate
// and the atomic accept. Only unexpected storage failures are returned; every
// other outcome is reported through Outcome.
func (i *Ingestor) HandleEvent(ctx context.Context, evt *nostr.Event) (Outcome, error) {
	start := i.now()
	ctx, span := i.tracer.Start(ctx, "listing.ingest", trace.WithAttributes(
		attribute.String("nostr.event_id", evt.ID),
		attribute.Int("nostr.kind", evt.Kind),
	))
	defer span.End()

	outcome, err := i.handle(ctx, evt)
	span.SetAttributes(attribute.String("listing.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	i.metrics.IncrementIngest(strconv.Itoa(evt.Kind), string(outcome))
	i.metrics.ObserveHandle("ingest", i.now().Sub(start))
	return outcome, err
}

func (i *Ingestor) handle(ctx context.Context, evt *nostr.Event) (Outcome, error) {
	if !slices.Contains(i.kinds, evt.Kind) {
		return OutcomeInvalid, nil
	}
	if !i.policy.IsTrusted(evt.PubKey) {
		return OutcomeUntrusted, nil
	}
	if i.seen != nil {
		hit, err := i.seen.Seen(ctx, evt.ID)
		if err != nil {
			i.logger.WarnContext(ctx, "seen cache lookup failed", "event_id", evt.ID, "error", err)
		} else if hit {
			return OutcomeDuplicate, nil
		}
	}

	listing, err := codec.Decode(evt)
	if err != nil {
		i.logger.WarnContext(ctx, "dropping undecodable listing event",
			"event_id", evt.ID,
			"pubkey", evt.PubKey,
			"error", err,
		)
		return OutcomeInvalid, nil
	}

	attempts := 1
	if i.replace == ReplaceLatest {
		attempts = maxReplaceAttempts
	}
	var outcome Outcome
	for attempt := 0; attempt < attempts; attempt++ {
		outcome, err = i.accept(ctx, listing)
		if !errors.Is(err, sentinel.ErrConflict) {
			break
		}
	}

	switch {
	case err == nil:
		i.markSeen(ctx, evt.ID)
		i.logger.InfoContext(ctx, "listing materialized",
			"event_id", evt.ID,
			"address", listing.Address().String(),
			"outcome", string(outcome),
		)
		return outcome, nil
	case errors.Is(err, errDuplicate), errors.Is(err, sentinel.ErrConflict):
		i.markSeen(ctx, evt.ID)
		i.logger.DebugContext(ctx, "duplicate listing event", "event_id", evt.ID, "address", listing.Address().String())
		return OutcomeDuplicate, nil
	case errors.Is(err, errStale):
		i.logger.DebugContext(ctx, "stale listing event", "event_id", evt.ID, "address", listing.Address().String())
		return OutcomeStale, nil
	default:
		i.logger.ErrorContext(ctx, "failed to persist listing event", "event_id", evt.ID, "error", err)
		return OutcomeFailed, err
	}
}

// accept persists listing in one transaction: record, history entry and
// outbox notice commit together or not at all.
func (i *Ingestor) accept(ctx context.Context, listing *models.Listing) (Outcome, error) {
	var outcome Outcome
	err := i.tx.RunInTx(ctx, func(ctx context.Context, stores TxStores) error {
		known, err := stores.Listings.HasEvent(ctx, listing.EventID)
		if err != nil {
			return err
		}
		if known {
			return errDuplicate
		}

		current, err := stores.Listings.FindByAddress(ctx, listing.Address())
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			listing.ID = uuid.New()
			if err := stores.Listings.Insert(ctx, listing); err != nil {
				return err
			}
			outcome = OutcomeAccepted
		case err != nil:
			return err
		case i.replace == ReplaceFirstSeen:
			return errDuplicate
		case !listing.Supersedes(current):
			return errStale
		default:
			listing.ID = current.ID
			if err := stores.Listings.Replace(ctx, current.EventID, listing); err != nil {
				return err
			}
			outcome = OutcomeReplaced
		}

		now := i.now()
		entry := models.HistoryEntry{EventID: listing.EventID, ListingID: listing.ID, CreatedAt: now}
		if err := stores.Listings.AppendHistory(ctx, entry); err != nil {
			return err
		}
		msg, err := outbox.NewMessage(aggregateListing, listing.ID.String(), models.EventListingUpserted, models.NoticeFor(listing, now), now)
		if err != nil {
			return err
		}
		return stores.Outbox.Append(ctx, msg)
	})
	return outcome, err
}

func (i *Ingestor) markSeen(ctx context.Context, eventID string) {
	if i.seen == nil {
		return
	}
	if err := i.seen.Mark(ctx, eventID); err != nil {
		i.logger.WarnContext(ctx, "seen cache update failed", "event_id", eventID, "error", err)
	}
}
