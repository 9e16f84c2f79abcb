package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"nostrsync/internal/listing/models"
	"nostrsync/internal/protocol"
	"nostrsync/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
}

func newListing(eventID, d string) *models.Listing {
	return &models.Listing{
		ID:         uuid.New(),
		EventID:    eventID,
		Kind:       protocol.KindClassified,
		PubKey:     "aa",
		AddressKey: d,
		CreatedAt:  time.Unix(1_700_000_000, 0),
		Title:      "flat",
		Price:      &models.Price{Amount: 1500, Currency: "USD", Frequency: "monthly"},
		Attributes: map[string][]string{"t": {"rent"}},
	}
}

func (s *InMemoryStoreSuite) TestInsertAndFind() {
	l := newListing("e1", "lot-1")
	s.Require().NoError(s.store.Insert(s.ctx, l))

	found, err := s.store.FindByAddress(s.ctx, l.Address())
	s.Require().NoError(err)
	s.Equal("e1", found.EventID)
	s.Equal(1500.0, found.Price.Amount)

	s.Run("returned copies do not alias stored rows", func() {
		found.Attributes["t"][0] = "changed"
		found.Price.Amount = 1
		again, err := s.store.FindByAddress(s.ctx, l.Address())
		s.Require().NoError(err)
		s.Equal("rent", again.Attributes["t"][0])
		s.Equal(1500.0, again.Price.Amount)
	})

	s.Run("missing address", func() {
		_, err := s.store.FindByAddress(s.ctx, protocol.Address{Kind: 1, PubKey: "bb", Identifier: "x"})
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestAddressUniqueness() {
	s.Require().NoError(s.store.Insert(s.ctx, newListing("e1", "lot-1")))
	err := s.store.Insert(s.ctx, newListing("e2", "lot-1"))
	s.ErrorIs(err, sentinel.ErrConflict)

	err = s.store.Insert(s.ctx, newListing("e1", "lot-2"))
	s.ErrorIs(err, sentinel.ErrConflict, "event id already materialized")
}

func (s *InMemoryStoreSuite) TestReplaceRequiresCurrentEvent() {
	l := newListing("e1", "lot-1")
	s.Require().NoError(s.store.Insert(s.ctx, l))

	next := newListing("e2", "lot-1")
	next.ID = l.ID
	s.ErrorIs(s.store.Replace(s.ctx, "stale", next), sentinel.ErrConflict)
	s.Require().NoError(s.store.Replace(s.ctx, "e1", next))

	found, err := s.store.FindByAddress(s.ctx, l.Address())
	s.Require().NoError(err)
	s.Equal("e2", found.EventID)
	s.Equal(l.ID, found.ID)

	unknown := newListing("e3", "lot-9")
	s.ErrorIs(s.store.Replace(s.ctx, "e1", unknown), sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestHistory() {
	l := newListing("e1", "lot-1")
	s.Require().NoError(s.store.Insert(s.ctx, l))
	s.Require().NoError(s.store.AppendHistory(s.ctx, models.HistoryEntry{EventID: "e1", ListingID: l.ID}))
	s.Require().NoError(s.store.AppendHistory(s.ctx, models.HistoryEntry{EventID: "e2", ListingID: l.ID}))

	s.ErrorIs(s.store.AppendHistory(s.ctx, models.HistoryEntry{EventID: "e1", ListingID: l.ID}), sentinel.ErrConflict)
	s.ErrorIs(s.store.AppendHistory(s.ctx, models.HistoryEntry{EventID: "e9", ListingID: uuid.New()}), sentinel.ErrNotFound)

	entries, err := s.store.ListHistory(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal("e1", entries[0].EventID)
	s.Less(entries[0].ID, entries[1].ID)

	seen, err := s.store.HasEvent(s.ctx, "e2")
	s.Require().NoError(err)
	s.True(seen)
}

func (s *InMemoryStoreSuite) TestDeleteCascadesHistory() {
	l := newListing("e1", "lot-1")
	s.Require().NoError(s.store.Insert(s.ctx, l))
	s.Require().NoError(s.store.AppendHistory(s.ctx, models.HistoryEntry{EventID: "e1", ListingID: l.ID}))

	s.Require().NoError(s.store.Delete(s.ctx, l.ID))
	s.ErrorIs(s.store.Delete(s.ctx, l.ID), sentinel.ErrNotFound)

	seen, err := s.store.HasEvent(s.ctx, "e1")
	s.Require().NoError(err)
	s.False(seen)

	entries, err := s.store.ListHistory(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Empty(entries)

	s.Require().NoError(s.store.Insert(s.ctx, newListing("e5", "lot-1")), "address is free again")
}

func (s *InMemoryStoreSuite) TestListByPublisherNewestFirst() {
	older := newListing("e1", "lot-1")
	newer := newListing("e2", "lot-2")
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	other := newListing("e3", "lot-3")
	other.PubKey = "bb"
	for _, l := range []*models.Listing{older, newer, other} {
		s.Require().NoError(s.store.Insert(s.ctx, l))
	}

	got, err := s.store.ListByPublisher(s.ctx, "aa")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("e2", got[0].EventID)
	s.Equal("e1", got[1].EventID)
}

func (s *InMemoryStoreSuite) TestBackfillHistory() {
	a := newListing("e1", "lot-1")
	b := newListing("e2", "lot-2")
	s.Require().NoError(s.store.Insert(s.ctx, a))
	s.Require().NoError(s.store.Insert(s.ctx, b))
	s.Require().NoError(s.store.AppendHistory(s.ctx, models.HistoryEntry{EventID: "e1", ListingID: a.ID}))

	added, err := s.store.BackfillHistory(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(1, added)

	added, err = s.store.BackfillHistory(s.ctx)
	s.Require().NoError(err)
	s.Zero(added)
}

func (s *InMemoryStoreSuite) TestSnapshotRestores() {
	s.Require().NoError(s.store.Insert(s.ctx, newListing("e1", "lot-1")))
	restore := s.store.Snapshot()

	s.Require().NoError(s.store.Insert(s.ctx, newListing("e2", "lot-2")))
	restore()

	seen, err := s.store.HasEvent(s.ctx, "e2")
	s.Require().NoError(err)
	s.False(seen)
	seen, err = s.store.HasEvent(s.ctx, "e1")
	s.Require().NoError(err)
	s.True(seen)
}
