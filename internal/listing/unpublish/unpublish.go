// Package unpublish retracts every listing the local identity has published.
package unpublish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"nostrsync/internal/protocol"
	"nostrsync/internal/relay"
	"nostrsync/internal/signer"
)

// Result summarizes one run.
type Result struct {
	Found     int
	Retracted []string
	Failed    map[string]error
}

type Unpublisher struct {
	transport relay.Transport
	signer    signer.Signer
	kinds     []int
	logger    *slog.Logger
}

type Option func(*Unpublisher)

func WithLogger(logger *slog.Logger) Option {
	return func(u *Unpublisher) {
		if logger != nil {
			u.logger = logger
		}
	}
}

func WithKinds(kinds ...int) Option {
	return func(u *Unpublisher) {
		if len(kinds) > 0 {
			u.kinds = append([]int(nil), kinds...)
		}
	}
}

func New(transport relay.Transport, s signer.Signer, opts ...Option) *Unpublisher {
	u := &Unpublisher{
		transport: transport,
		signer:    s,
		kinds:     append([]int(nil), protocol.DefaultRecordKinds...),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run fetches the local identity's listing events once and publishes a
// tombstone for each. A failing event does not stop the others; all failures
// are joined into the returned error.
func (u *Unpublisher) Run(ctx context.Context) (Result, error) {
	if u.signer == nil {
		return Result{}, signer.ErrNoSigner
	}
	filter := nostr.Filter{
		Kinds:   u.kinds,
		Authors: []string{u.signer.PublicKey()},
	}
	events, err := u.transport.FetchOnce(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("fetch own listings: %w", err)
	}

	res := Result{Found: len(events), Failed: map[string]error{}}
	u.logger.InfoContext(ctx, "listings to retract", "count", len(events))

	var errs []error
	for _, evt := range events {
		if err := u.retract(ctx, evt); err != nil {
			u.logger.WarnContext(ctx, "retract failed", "event_id", evt.ID, "error", err)
			res.Failed[evt.ID] = err
			errs = append(errs, fmt.Errorf("%s: %w", evt.ID, err))
			continue
		}
		res.Retracted = append(res.Retracted, evt.ID)
	}
	return res, errors.Join(errs...)
}

func (u *Unpublisher) retract(ctx context.Context, evt *nostr.Event) error {
	tombstone, err := protocol.NewTombstone(evt)
	if err != nil {
		return err
	}
	if err := u.signer.Sign(ctx, &tombstone); err != nil {
		return fmt.Errorf("sign tombstone: %w", err)
	}
	relays, err := u.transport.Publish(ctx, tombstone)
	if err != nil {
		return err
	}
	title, _ := protocol.FirstTagValue(evt.Tags, "title")
	u.logger.InfoContext(ctx, "listing retracted",
		"event_id", evt.ID,
		"title", title,
		"tombstone_id", tombstone.ID,
		"relays", len(relays),
	)
	return nil
}
