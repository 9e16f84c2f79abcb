// Package relay adapts the relay network to the narrow transport contract the
// core consumes. Connection management, reconnects and fan-out stay inside the
// go-nostr pool.
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// CloseOnEOSE ends the stream once every relay reported end of stored events.
	CloseOnEOSE bool
}

// Subscription is a stream of signature-verified events. Close is idempotent
// and must be called by the owner once it stops reading.
type Subscription interface {
	Events() <-chan *nostr.Event
	Close()
}

// Transport is the broadcast pub/sub contract.
type Transport interface {
	Subscribe(ctx context.Context, filter nostr.Filter, opts SubscribeOptions) (Subscription, error)
	// Publish returns the relay URLs that accepted the event.
	Publish(ctx context.Context, evt nostr.Event) ([]string, error)
	FetchOnce(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}
