package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"nostrsync/pkg/platform/sentinel"
)

// PoolTransport is the production Transport backed by a go-nostr SimplePool.
type PoolTransport struct {
	pool   *nostr.SimplePool
	urls   []string
	logger *slog.Logger
}

type Option func(*PoolTransport)

func WithLogger(logger *slog.Logger) Option {
	return func(t *PoolTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewPool creates a transport over urls. The pool lives until ctx is cancelled.
func NewPool(ctx context.Context, urls []string, opts ...Option) *PoolTransport {
	t := &PoolTransport{
		pool:   nostr.NewSimplePool(ctx),
		urls:   urls,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials every relay once. Individual failures are logged; it fails only
// when no relay is reachable.
func (t *PoolTransport) Connect(ctx context.Context) error {
	connected := 0
	for _, url := range t.urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.pool.EnsureRelay(url); err != nil {
			t.logger.Warn("relay connect failed", "relay", url, "error", err)
			continue
		}
		connected++
		t.logger.Info("connected to relay", "relay", url)
	}
	if connected == 0 {
		return fmt.Errorf("%w: no relay reachable out of %d", sentinel.ErrUnavailable, len(t.urls))
	}
	return nil
}

func (t *PoolTransport) Subscribe(ctx context.Context, filter nostr.Filter, opts SubscribeOptions) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	var in chan nostr.RelayEvent
	if opts.CloseOnEOSE {
		in = t.pool.FetchMany(subCtx, t.urls, filter)
	} else {
		in = t.pool.SubscribeMany(subCtx, t.urls, filter)
	}

	sub := &poolSubscription{out: make(chan *nostr.Event), cancel: cancel}
	go sub.pump(subCtx, in)
	return sub, nil
}

func (t *PoolTransport) Publish(ctx context.Context, evt nostr.Event) ([]string, error) {
	var (
		accepted []string
		errs     []error
	)
	for res := range t.pool.PublishMany(ctx, t.urls, evt) {
		if res.Error != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.RelayURL, res.Error))
			continue
		}
		accepted = append(accepted, res.RelayURL)
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("%w: publish %s: %w", sentinel.ErrUnavailable, evt.ID, errors.Join(errs...))
	}
	return accepted, nil
}

func (t *PoolTransport) FetchOnce(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	var events []*nostr.Event
	for ie := range t.pool.FetchMany(ctx, t.urls, filter) {
		events = append(events, ie.Event)
	}
	if err := ctx.Err(); err != nil {
		return events, err
	}
	return events, nil
}

type poolSubscription struct {
	out    chan *nostr.Event
	cancel context.CancelFunc
	once   sync.Once
}

func (s *poolSubscription) pump(ctx context.Context, in chan nostr.RelayEvent) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case ie, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- ie.Event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *poolSubscription) Events() <-chan *nostr.Event {
	return s.out
}

func (s *poolSubscription) Close() {
	s.once.Do(s.cancel)
}
