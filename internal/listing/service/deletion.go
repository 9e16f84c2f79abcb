package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nostrsync/internal/admission"
	"nostrsync/internal/listing/metrics"
	"nostrsync/internal/listing/models"
	"nostrsync/internal/outbox"
	"nostrsync/internal/protocol"
	"nostrsync/internal/relay"
	"nostrsync/pkg/platform/sentinel"
)

// DeletionOutcome is what a tombstone did to one referenced address.
type DeletionOutcome string

const (
	DeletionRemoved      DeletionOutcome = "deleted"
	DeletionNotFound     DeletionOutcome = "not_found"
	DeletionUnauthorized DeletionOutcome = "unauthorized"
	DeletionUnmanaged    DeletionOutcome = "unmanaged"
	DeletionStale        DeletionOutcome = "stale"
	DeletionInvalid      DeletionOutcome = "invalid"
	DeletionFailed       DeletionOutcome = "failed"
)

// DeletionHandler retracts listings named by tombstones from trusted authors.
type DeletionHandler struct {
	transport relay.Transport
	tx        StoreTx
	policy    admission.Policy
	kinds     []int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	inflight  sync.WaitGroup
}

type DeletionOption func(*DeletionHandler)

func WithDeletionLogger(logger *slog.Logger) DeletionOption {
	return func(h *DeletionHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithManagedKinds sets the record kinds tombstones may retract.
func WithManagedKinds(kinds ...int) DeletionOption {
	return func(h *DeletionHandler) {
		if len(kinds) > 0 {
			h.kinds = append([]int(nil), kinds...)
		}
	}
}

func WithDeletionMetrics(m *metrics.Metrics) DeletionOption {
	return func(h *DeletionHandler) {
		h.metrics = m
	}
}

func WithDeletionClock(now func() time.Time) DeletionOption {
	return func(h *DeletionHandler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewDeletionHandler(transport relay.Transport, tx StoreTx, policy admission.Policy, opts ...DeletionOption) *DeletionHandler {
	h := &DeletionHandler{
		transport: transport,
		tx:        tx,
		policy:    policy,
		kinds:     append([]int(nil), protocol.DefaultRecordKinds...),
		logger:    slog.Default(),
		tracer:    otel.Tracer("nostrsync/listing"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run consumes tombstones authored by whitelisted keys until ctx is done.
func (h *DeletionHandler) Run(ctx context.Context) error {
	authors := h.policy.Keys()
	if len(authors) == 0 {
		return fmt.Errorf("%w: no trusted authors to follow", sentinel.ErrValidation)
	}
	filter := nostr.Filter{Kinds: []int{protocol.KindDeletion}, Authors: authors}
	sub, err := h.transport.Subscribe(ctx, filter, relay.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe to tombstones: %w", err)
	}
	defer sub.Close()

	h.logger.InfoContext(ctx, "deletion handler started", "authors", len(authors))
	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("%w: tombstone subscription closed", sentinel.ErrUnavailable)
			}
			h.inflight.Add(1)
			go func() {
				defer h.inflight.Done()
				_, _ = h.HandleEvent(handleCtx, evt)
			}()
		}
	}
}

// Wait blocks until every tombstone handed out by Run has been handled.
func (h *DeletionHandler) Wait() {
	h.inflight.Wait()
}

// HandleEvent applies every `a` reference in the tombstone. Each reference is
// resolved by its address, never by the tombstone's own id.
func (h *DeletionHandler) HandleEvent(ctx context.Context, evt *nostr.Event) ([]DeletionOutcome, error) {
	start := h.now()
	ctx, span := h.tracer.Start(ctx, "listing.delete", trace.WithAttributes(
		attribute.String("nostr.event_id", evt.ID),
	))
	defer span.End()
	defer func() { h.metrics.ObserveHandle("delete", h.now().Sub(start)) }()

	if evt.Kind != protocol.KindDeletion {
		return nil, nil
	}

	var (
		outcomes []DeletionOutcome
		errs     []error
	)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "a" {
			continue
		}
		outcome, err := h.apply(ctx, evt, tag[1])
		outcomes = append(outcomes, outcome)
		h.metrics.IncrementDeletion(string(outcome))
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcomes, err
}

func (h *DeletionHandler) apply(ctx context.Context, evt *nostr.Event, ref string) (DeletionOutcome, error) {
	addr, err := protocol.ParseAddress(ref)
	if err != nil {
		h.logger.WarnContext(ctx, "ignoring malformed tombstone reference", "event_id", evt.ID, "a", ref)
		return DeletionInvalid, nil
	}
	if !slices.Contains(h.kinds, addr.Kind) {
		return DeletionUnmanaged, nil
	}
	if !h.policy.IsTrusted(addr.PubKey) || !strings.EqualFold(addr.PubKey, evt.PubKey) {
		return DeletionUnauthorized, nil
	}

	issuedAt := evt.CreatedAt.Time()
	var outcome DeletionOutcome
	err = h.tx.RunInTx(ctx, func(ctx context.Context, stores TxStores) error {
		current, err := stores.Listings.FindByAddress(ctx, addr)
		if errors.Is(err, sentinel.ErrNotFound) {
			outcome = DeletionNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if issuedAt.Before(current.CreatedAt) {
			outcome = DeletionStale
			return nil
		}
		if err := stores.Listings.Delete(ctx, current.ID); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				outcome = DeletionNotFound
				return nil
			}
			return err
		}
		now := h.now()
		msg, err := outbox.NewMessage(aggregateListing, current.ID.String(), models.EventListingDeleted, models.NoticeFor(current, now), now)
		if err != nil {
			return err
		}
		if err := stores.Outbox.Append(ctx, msg); err != nil {
			return err
		}
		outcome = DeletionRemoved
		return nil
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to apply tombstone", "event_id", evt.ID, "address", addr.String(), "error", err)
		return DeletionFailed, err
	}
	if outcome == DeletionRemoved {
		h.logger.InfoContext(ctx, "listing retracted", "event_id", evt.ID, "address", addr.String())
	}
	return outcome, nil
}
