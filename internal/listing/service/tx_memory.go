package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nostrsync/pkg/platform/sentinel"
)

// snapshotter is implemented by the in-memory stores.
type snapshotter interface {
	Snapshot() func()
}

type inMemoryTx struct {
	mu      sync.Mutex
	stores  TxStores
	restore []snapshotter
	timeout time.Duration
}

// NewInMemoryTx serializes transactions behind one lock. Stores that can
// snapshot themselves are restored when fn fails.
func NewInMemoryTx(listings Store, out Outbox) StoreTx {
	t := &inMemoryTx{stores: TxStores{Listings: listings, Outbox: out}, timeout: DefaultTxTimeout}
	for _, s := range []any{listings, out} {
		if snap, ok := s.(snapshotter); ok {
			t.restore = append(t.restore, snap)
		}
	}
	return t
}

func (t *inMemoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, stores TxStores) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: transaction aborted: %w", sentinel.ErrTimeout, err)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rollbacks := make([]func(), 0, len(t.restore))
	for _, s := range t.restore {
		rollbacks = append(rollbacks, s.Snapshot())
	}
	if err := fn(ctx, t.stores); err != nil {
		for _, rollback := range rollbacks {
			rollback()
		}
		return err
	}
	return nil
}
