package models

import (
	"time"

	"github.com/google/uuid"
)

// Outbox event types emitted after a listing transaction commits.
const (
	EventListingUpserted = "listing.upserted"
	EventListingDeleted  = "listing.deleted"
)

// ChangeNotice is the outbox payload consumed by indexers.
type ChangeNotice struct {
	ListingID  uuid.UUID `json:"listing_id"`
	EventID    string    `json:"event_id"`
	Kind       int       `json:"kind"`
	PubKey     string    `json:"pubkey"`
	AddressKey string    `json:"d"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NoticeFor builds the change notice describing l.
func NoticeFor(l *Listing, at time.Time) ChangeNotice {
	return ChangeNotice{
		ListingID:  l.ID,
		EventID:    l.EventID,
		Kind:       l.Kind,
		PubKey:     l.PubKey,
		AddressKey: l.AddressKey,
		OccurredAt: at,
	}
}
