// Package relaytest provides an in-memory relay hub that satisfies
// relay.Transport for tests. Every published event is stored and fanned out to
// matching subscriptions, mimicking a single well-behaved relay.
package relaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"nostrsync/internal/relay"
	"nostrsync/pkg/platform/sentinel"
)

// URL is reported as the accepting relay for every publish.
const URL = "memory://hub"

type Hub struct {
	mu        sync.Mutex
	stored    []nostr.Event
	subs      map[*subscription]struct{}
	failNext  int
	published []nostr.Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscription]struct{})}
}

// FailPublishes makes the next n publishes fail with ErrUnavailable.
func (h *Hub) FailPublishes(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext = n
}

// Published returns everything that crossed the wire, in publish order.
func (h *Hub) Published() []nostr.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]nostr.Event(nil), h.published...)
}

// ActiveSubscriptions counts subscriptions that have not been closed.
func (h *Hub) ActiveSubscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Publish(_ context.Context, evt nostr.Event) ([]string, error) {
	h.mu.Lock()
	if h.failNext > 0 {
		h.failNext--
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: hub rejected %s", sentinel.ErrUnavailable, evt.ID)
	}
	h.published = append(h.published, evt)
	h.stored = append(h.stored, evt)
	targets := h.matching(&evt)
	h.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(evt)
	}
	return []string{URL}, nil
}

// Deliver pushes evt to matching live subscriptions without storing it, the way
// a second relay re-announces an event the first one already sent.
func (h *Hub) Deliver(evt nostr.Event) {
	h.mu.Lock()
	targets := h.matching(&evt)
	h.mu.Unlock()
	for _, sub := range targets {
		sub.enqueue(evt)
	}
}

func (h *Hub) Subscribe(ctx context.Context, filter nostr.Filter, opts relay.SubscribeOptions) (relay.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		hub:    h,
		filter: filter,
		out:    make(chan *nostr.Event),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		eose:   opts.CloseOnEOSE,
	}

	h.mu.Lock()
	for i := range h.stored {
		if filter.Matches(&h.stored[i]) {
			sub.queue = append(sub.queue, h.stored[i])
		}
	}
	if !opts.CloseOnEOSE {
		h.subs[sub] = struct{}{}
	}
	h.mu.Unlock()

	go sub.pump(subCtx)
	return sub, nil
}

func (h *Hub) FetchOnce(_ context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var events []*nostr.Event
	for i := range h.stored {
		if filter.Matches(&h.stored[i]) {
			evt := h.stored[i]
			events = append(events, &evt)
		}
	}
	return events, nil
}

func (h *Hub) matching(evt *nostr.Event) []*subscription {
	var targets []*subscription
	for sub := range h.subs {
		if sub.filter.Matches(evt) {
			targets = append(targets, sub)
		}
	}
	return targets
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

type subscription struct {
	hub    *Hub
	filter nostr.Filter
	out    chan *nostr.Event
	wake   chan struct{}
	cancel context.CancelFunc
	eose   bool
	once   sync.Once

	mu    sync.Mutex
	queue []nostr.Event
}

func (s *subscription) enqueue(evt nostr.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (nostr.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nostr.Event{}, false
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	return evt, true
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	defer s.hub.remove(s)
	for {
		evt, ok := s.next()
		if !ok {
			if s.eose {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		select {
		case s.out <- &evt:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Events() <-chan *nostr.Event {
	return s.out
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.hub.remove(s)
	})
}
