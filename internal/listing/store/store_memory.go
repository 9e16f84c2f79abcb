package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nostrsync/internal/listing/models"
	"nostrsync/internal/protocol"
)

// InMemoryStore mirrors PostgresStore's constraints for tests and the
// database-less server mode.
type InMemoryStore struct {
	mu        sync.RWMutex
	listings  map[uuid.UUID]*models.Listing
	byAddress map[protocol.Address]uuid.UUID
	history   []models.HistoryEntry
	nextID    int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		listings:  make(map[uuid.UUID]*models.Listing),
		byAddress: make(map[protocol.Address]uuid.UUID),
	}
}

func (s *InMemoryStore) HasEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasEventLocked(eventID), nil
}

func (s *InMemoryStore) hasEventLocked(eventID string) bool {
	for _, h := range s.history {
		if h.EventID == eventID {
			return true
		}
	}
	for _, l := range s.listings {
		if l.EventID == eventID {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) FindByAddress(_ context.Context, addr protocol.Address) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneListing(s.listings[id]), nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneListing(l), nil
}

func (s *InMemoryStore) Insert(_ context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddress[l.Address()]; ok {
		return ErrConflict
	}
	if _, ok := s.listings[l.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.listings {
		if existing.EventID == l.EventID {
			return ErrConflict
		}
	}
	s.listings[l.ID] = cloneListing(l)
	s.byAddress[l.Address()] = l.ID
	return nil
}

func (s *InMemoryStore) Replace(_ context.Context, previousEventID string, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.listings[l.ID]
	if !ok {
		return ErrNotFound
	}
	if current.EventID != previousEventID {
		return ErrConflict
	}
	for id, other := range s.listings {
		if id != l.ID && other.EventID == l.EventID {
			return ErrConflict
		}
	}
	s.listings[l.ID] = cloneListing(l)
	return nil
}

func (s *InMemoryStore) AppendHistory(_ context.Context, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[entry.ListingID]; !ok {
		return ErrNotFound
	}
	for _, h := range s.history {
		if h.EventID == entry.EventID {
			return ErrConflict
		}
	}
	s.nextID++
	entry.ID = s.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.history = append(s.history, entry)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.listings, id)
	delete(s.byAddress, l.Address())
	kept := s.history[:0]
	for _, h := range s.history {
		if h.ListingID != id {
			kept = append(kept, h)
		}
	}
	s.history = kept
	return nil
}

func (s *InMemoryStore) ListHistory(_ context.Context, listingID uuid.UUID) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.HistoryEntry
	for _, h := range s.history {
		if h.ListingID == listingID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListByPublisher(_ context.Context, pubkey string) ([]*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Listing
	for _, l := range s.listings {
		if l.PubKey == pubkey {
			out = append(out, cloneListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// BackfillHistory adds a history entry for every current listing whose event
// id was never recorded.
func (s *InMemoryStore) BackfillHistory(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recorded := make(map[string]struct{}, len(s.history))
	for _, h := range s.history {
		recorded[h.EventID] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(s.listings))
	for id := range s.listings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var added int64
	for _, id := range ids {
		l := s.listings[id]
		if _, ok := recorded[l.EventID]; ok {
			continue
		}
		s.nextID++
		s.history = append(s.history, models.HistoryEntry{
			ID:        s.nextID,
			EventID:   l.EventID,
			ListingID: id,
			CreatedAt: l.CreatedAt,
		})
		added++
	}
	return added, nil
}

// Snapshot captures every row; the returned func restores them.
func (s *InMemoryStore) Snapshot() func() {
	s.mu.RLock()
	listings := make(map[uuid.UUID]*models.Listing, len(s.listings))
	for id, l := range s.listings {
		listings[id] = cloneListing(l)
	}
	byAddress := make(map[protocol.Address]uuid.UUID, len(s.byAddress))
	for k, v := range s.byAddress {
		byAddress[k] = v
	}
	history := append([]models.HistoryEntry(nil), s.history...)
	nextID := s.nextID
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.listings = listings
		s.byAddress = byAddress
		s.history = history
		s.nextID = nextID
		s.mu.Unlock()
	}
}

func cloneListing(l *models.Listing) *models.Listing {
	if l == nil {
		return nil
	}
	c := *l
	if l.Price != nil {
		p := *l.Price
		c.Price = &p
	}
	if l.Location != nil {
		loc := *l.Location
		c.Location = &loc
	}
	c.Images = append([]models.ImageAsset(nil), l.Images...)
	if l.Attributes != nil {
		c.Attributes = make(map[string][]string, len(l.Attributes))
		for k, v := range l.Attributes {
			c.Attributes[k] = append([]string(nil), v...)
		}
	}
	if l.Content != nil {
		c.Content = append(json.RawMessage(nil), l.Content...)
	}
	return &c
}
