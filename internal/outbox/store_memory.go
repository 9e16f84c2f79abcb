package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	messages []Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *InMemoryStore) Pending(_ context.Context, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if m.PublishedAt != nil {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkPublished(_ context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range s.messages {
		if _, ok := want[s.messages[i].ID]; ok && s.messages[i].PublishedAt == nil {
			ts := at
			s.messages[i].PublishedAt = &ts
		}
	}
	return nil
}

// All returns every message, published or not.
func (s *InMemoryStore) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// Snapshot captures the current rows; the returned func restores them. The
// in-memory transaction uses it to roll back.
func (s *InMemoryStore) Snapshot() func() {
	s.mu.RLock()
	saved := append([]Message(nil), s.messages...)
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.messages = saved
		s.mu.Unlock()
	}
}
