// Package outbox implements the transactional outbox: domain notices are
// written in the same transaction as the state change and relayed to Kafka by
// a background worker once committed.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one pending or published outbox row.
type Message struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// NewMessage marshals payload into a message ready to append.
func NewMessage(aggregateType, aggregateID, eventType string, payload any, now time.Time) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return Message{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     now,
	}, nil
}

// Store persists outbox messages. Append joins the caller's transaction when
// one is carried by ctx.
type Store interface {
	Append(ctx context.Context, msg Message) error
	Pending(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}
