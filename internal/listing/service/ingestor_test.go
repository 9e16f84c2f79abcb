package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"nostrsync/internal/admission"
	"nostrsync/internal/listing/metrics"
	"nostrsync/internal/listing/models"
	"nostrsync/internal/listing/store"
	"nostrsync/internal/outbox"
	"nostrsync/internal/protocol"
	"nostrsync/pkg/testutil/relaytest"
)

type IngestorSuite struct {
	suite.Suite
	ctx      context.Context
	trusted  publisher
	stranger publisher
	listings *store.InMemoryStore
	outbox   *outbox.InMemoryStore
	hub      *relaytest.Hub
	metrics  *metrics.Metrics
}

func TestIngestorSuite(t *testing.T) {
	suite.Run(t, new(IngestorSuite))
}

func (s *IngestorSuite) SetupTest() {
	s.ctx = context.Background()
	s.trusted = newPublisher(s.T())
	s.stranger = newPublisher(s.T())
	s.listings = store.NewInMemoryStore()
	s.outbox = outbox.NewInMemoryStore()
	s.hub = relaytest.NewHub()
	s.metrics = metrics.New(prometheus.NewRegistry())
}

func (s *IngestorSuite) newIngestor(opts ...IngestorOption) *Ingestor {
	opts = append([]IngestorOption{WithLogger(discardLogger()), WithMetrics(s.metrics)}, opts...)
	return NewIngestor(s.hub, NewInMemoryTx(s.listings, s.outbox), admission.New(s.trusted.pk), opts...)
}

func (s *IngestorSuite) current(d string) *models.Listing {
	l, err := s.listings.FindByAddress(s.ctx, protocol.Address{Kind: protocol.KindClassified, PubKey: s.trusted.pk, Identifier: d})
	s.Require().NoError(err)
	return l
}

func (s *IngestorSuite) TestAcceptPersistsRecordHistoryAndNotice() {
	ing := s.newIngestor()
	evt := s.trusted.listing(s.T(), "lot-42", 1_700_000_000)

	outcome, err := ing.HandleEvent(s.ctx, evt)
	s.Require().NoError(err)
	s.Equal(OutcomeAccepted, outcome)

	l := s.current("lot-42")
	s.Equal(evt.ID, l.EventID)
	s.Require().NotNil(l.Price)
	s.Equal(1500.0, l.Price.Amount)

	history, err := s.listings.ListHistory(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(evt.ID, history[0].EventID)

	msgs := s.outbox.All()
	s.Require().Len(msgs, 1)
	s.Equal(models.EventListingUpserted, msgs[0].EventType)
	s.Equal(l.ID.String(), msgs[0].AggregateID)
	var notice models.ChangeNotice
	s.Require().NoError(json.Unmarshal(msgs[0].Payload, &notice))
	s.Equal("lot-42", notice.AddressKey)
	s.Equal(evt.ID, notice.EventID)

	s.Equal(1.0, testutil.ToFloat64(s.metrics.IngestOutcome.WithLabelValues("30402", "accepted")))
}

// TestReplayIsIdempotent replays one signed event the way several relays
// would deliver it.
func (s *IngestorSuite) TestReplayIsIdempotent() {
	ing := s.newIngestor()
	evt := s.trusted.listing(s.T(), "lot-1", 1_700_000_000)

	first, err := ing.HandleEvent(s.ctx, evt)
	s.Require().NoError(err)
	s.Equal(OutcomeAccepted, first)

	for n := 0; n < 5; n++ {
		outcome, err := ing.HandleEvent(s.ctx, evt)
		s.Require().NoError(err)
		s.Equal(OutcomeDuplicate, outcome)
	}

	all, err := s.listings.ListByPublisher(s.ctx, s.trusted.pk)
	s.Require().NoError(err)
	s.Len(all, 1)
	history, err := s.listings.ListHistory(s.ctx, all[0].ID)
	s.Require().NoError(err)
	s.Len(history, 1)
	s.Len(s.outbox.All(), 1)
}

func (s *IngestorSuite) TestUntrustedPublisherNeverPersisted() {
	ing := s.newIngestor()
	evt := s.stranger.listing(s.T(), "spam", 1_700_000_000)

	for n := 0; n < 3; n++ {
		outcome, err := ing.HandleEvent(s.ctx, evt)
		s.Require().NoError(err)
		s.Equal(OutcomeUntrusted, outcome)
	}
	all, err := s.listings.ListByPublisher(s.ctx, s.stranger.pk)
	s.Require().NoError(err)
	s.Empty(all)
	s.Empty(s.outbox.All())
}

func (s *IngestorSuite) TestInvalidEventsAreDropped() {
	ing := s.newIngestor()

	s.Run("missing d tag", func() {
		evt := s.trusted.sign(s.T(), nostr.Event{Kind: protocol.KindClassified, CreatedAt: 1, Tags: nostr.Tags{{"title", "x"}}})
		outcome, err := ing.HandleEvent(s.ctx, evt)
		s.Require().NoError(err)
		s.Equal(OutcomeInvalid, outcome)
	})

	s.Run("unparsable price", func() {
		evt := s.trusted.listing(s.T(), "lot-x", 1, nostr.Tag{"price", "cheap", "USD"})
		outcome, err := ing.HandleEvent(s.ctx, evt)
		s.Require().NoError(err)
		s.Equal(OutcomeInvalid, outcome)
	})

	s.Run("unmanaged kind", func() {
		evt := s.trusted.sign(s.T(), nostr.Event{Kind: 1, CreatedAt: 1, Tags: nostr.Tags{{"d", "note"}}})
		outcome, err := ing.HandleEvent(s.ctx, evt)
		s.Require().NoError(err)
		s.Equal(OutcomeInvalid, outcome)
	})

	s.Empty(s.outbox.All())
}

// TestConcurrentAddressRace delivers two distinct events for one address at
// the same time. Exactly one is materialized and the other is a duplicate.
func (s *IngestorSuite) TestConcurrentAddressRace() {
	ing := s.newIngestor()
	a := s.trusted.listing(s.T(), "lot-7", 1_700_000_000)
	b := s.trusted.listing(s.T(), "lot-7", 1_700_000_100)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for idx, evt := range []*nostr.Event{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := ing.HandleEvent(s.ctx, evt)
			assert.NoError(s.T(), err)
			outcomes[idx] = outcome
		}()
	}
	wg.Wait()

	s.ElementsMatch([]Outcome{OutcomeAccepted, OutcomeDuplicate}, outcomes)
	winner := a
	if outcomes[1] == OutcomeAccepted {
		winner = b
	}
	s.Equal(winner.ID, s.current("lot-7").EventID)
	s.Len(s.outbox.All(), 1)
}

func (s *IngestorSuite) TestFirstSeenKeepsOriginal() {
	ing := s.newIngestor(WithReplacePolicy(ReplaceFirstSeen))
	older := s.trusted.listing(s.T(), "lot-1", 1_700_000_000)
	newer := s.trusted.listing(s.T(), "lot-1", 1_700_000_500, nostr.Tag{"title", "renovated"})

	_, err := ing.HandleEvent(s.ctx, older)
	s.Require().NoError(err)
	outcome, err := ing.HandleEvent(s.ctx, newer)
	s.Require().NoError(err)
	s.Equal(OutcomeDuplicate, outcome)
	s.Equal(older.ID, s.current("lot-1").EventID)
}

func (s *IngestorSuite) TestLatestReplacesNewer() {
	ing := s.newIngestor(WithReplacePolicy(ReplaceLatest))
	older := s.trusted.listing(s.T(), "lot-1", 1_700_000_000)
	newer := s.trusted.listing(s.T(), "lot-1", 1_700_000_500, nostr.Tag{"title", "renovated"})

	_, err := ing.HandleEvent(s.ctx, older)
	s.Require().NoError(err)
	original := s.current("lot-1")

	outcome, err := ing.HandleEvent(s.ctx, newer)
	s.Require().NoError(err)
	s.Equal(OutcomeReplaced, outcome)

	l := s.current("lot-1")
	s.Equal(newer.ID, l.EventID)
	s.Equal(original.ID, l.ID, "surrogate id survives replacement")
	s.Equal("renovated", l.Title)

	history, err := s.listings.ListHistory(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Len(history, 2)

	s.Run("older revision arriving late is stale", func() {
		late := s.trusted.listing(s.T(), "lot-1", 1_699_999_000)
		outcome, err := ing.HandleEvent(s.ctx, late)
		s.Require().NoError(err)
		s.Equal(OutcomeStale, outcome)
		s.Equal(newer.ID, s.current("lot-1").EventID)
	})

	s.Len(s.outbox.All(), 2)
}

func (s *IngestorSuite) TestLatestTieBreaksOnLowerEventID() {
	ing := s.newIngestor(WithReplacePolicy(ReplaceLatest))
	a := s.trusted.listing(s.T(), "lot-1", 1_700_000_000, nostr.Tag{"title", "a"})
	b := s.trusted.listing(s.T(), "lot-1", 1_700_000_000, nostr.Tag{"title", "b"})
	low, high := a, b
	if b.ID < a.ID {
		low, high = b, a
	}

	_, err := ing.HandleEvent(s.ctx, high)
	s.Require().NoError(err)
	outcome, err := ing.HandleEvent(s.ctx, low)
	s.Require().NoError(err)
	s.Equal(OutcomeReplaced, outcome)

	outcome, err = ing.HandleEvent(s.ctx, high)
	s.Require().NoError(err)
	s.Equal(OutcomeDuplicate, outcome)
	s.Equal(low.ID, s.current("lot-1").EventID)
}

func (s *IngestorSuite) TestSeenCacheShortCircuits() {
	cache := newFakeSeen()
	ing := s.newIngestor(WithSeenCache(cache))
	evt := s.trusted.listing(s.T(), "lot-1", 1_700_000_000)

	_, err := ing.HandleEvent(s.ctx, evt)
	s.Require().NoError(err)
	s.True(cache.has(evt.ID), "marked after commit")

	outcome, err := ing.HandleEvent(s.ctx, evt)
	s.Require().NoError(err)
	s.Equal(OutcomeDuplicate, outcome)

	s.Run("cache failure falls back to the store", func() {
		cache.failing = true
		outcome, err := ing.HandleEvent(s.ctx, evt)
		s.Require().NoError(err)
		s.Equal(OutcomeDuplicate, outcome)
	})
}

// TestRunIsolatesFaults feeds a malformed event ahead of valid ones through
// the live subscription.
func (s *IngestorSuite) TestRunIsolatesFaults() {
	ing := s.newIngestor()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()
	s.Require().Eventually(func() bool { return s.hub.ActiveSubscriptions() == 1 }, time.Second, 5*time.Millisecond)

	bad := s.trusted.sign(s.T(), nostr.Event{Kind: protocol.KindClassified, CreatedAt: 1, Tags: nostr.Tags{{"g", "not a geohash!"}, {"d", "x"}}})
	good := s.trusted.listing(s.T(), "lot-1", 1_700_000_000)
	spam := s.stranger.listing(s.T(), "lot-1", 1_700_000_000)
	for _, evt := range []*nostr.Event{bad, spam, good} {
		_, err := s.hub.Publish(s.ctx, *evt)
		s.Require().NoError(err)
	}
	s.hub.Deliver(*good)

	s.Require().Eventually(func() bool {
		l, err := s.listings.FindByAddress(s.ctx, protocol.Address{Kind: protocol.KindClassified, PubKey: s.trusted.pk, Identifier: "lot-1"})
		return err == nil && l.EventID == good.ID
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
	ing.Wait()
	s.Len(s.outbox.All(), 1)
	s.Zero(s.hub.ActiveSubscriptions())
}

func TestParseReplacePolicy(t *testing.T) {
	p, err := ParseReplacePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ReplaceFirstSeen, p)

	p, err = ParseReplacePolicy("latest")
	require.NoError(t, err)
	assert.Equal(t, ReplaceLatest, p)

	_, err = ParseReplacePolicy("newest")
	assert.Error(t, err)
}

type fakeSeen struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	failing bool
}

func newFakeSeen() *fakeSeen {
	return &fakeSeen{ids: make(map[string]struct{})}
}

func (f *fakeSeen) Seen(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errors.New("redis down")
	}
	_, ok := f.ids[id]
	return ok, nil
}

func (f *fakeSeen) Mark(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("redis down")
	}
	f.ids[id] = struct{}{}
	return nil
}

func (f *fakeSeen) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}
