package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"nostrsync/internal/listing/models"
	"nostrsync/internal/outbox"
	"nostrsync/internal/protocol"
)

//go:generate mockgen -source=tx.go -destination=mocks/mocks.go -package=mocks Store,Outbox,SeenCache

// Store is the listing persistence used inside a transaction.
type Store interface {
	HasEvent(ctx context.Context, eventID string) (bool, error)
	FindByAddress(ctx context.Context, addr protocol.Address) (*models.Listing, error)
	Insert(ctx context.Context, l *models.Listing) error
	Replace(ctx context.Context, previousEventID string, l *models.Listing) error
	AppendHistory(ctx context.Context, entry models.HistoryEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Outbox receives change notices written alongside the state change.
type Outbox interface {
	Append(ctx context.Context, msg outbox.Message) error
}

// TxStores are the stores bound to one transaction.
type TxStores struct {
	Listings Store
	Outbox   Outbox
}

// StoreTx provides the transactional boundary for one accepted event.
// Implementations wrap a database transaction or, in memory, a coarse lock.
// fn must use the ctx it is given so stores join the transaction.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, stores TxStores) error) error
}

// SeenCache is an optional fast path in front of the idempotency gate.
type SeenCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// DefaultTxTimeout bounds one transaction when ctx carries no deadline.
const DefaultTxTimeout = 5 * time.Second
