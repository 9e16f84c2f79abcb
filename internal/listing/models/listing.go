package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"nostrsync/internal/protocol"
)

// Listing is the materialized state of one addressable listing resource.
// (Kind, PubKey, AddressKey) is unique; EventID is the accepted revision.
type Listing struct {
	ID         uuid.UUID
	EventID    string
	Kind       int
	PubKey     string
	AddressKey string
	CreatedAt  time.Time

	Title       string
	Price       *Price
	Location    *Location
	Street      string
	City        string
	Country     string
	ResinType   string
	Attribution string

	Images     []ImageAsset
	Attributes map[string][]string
	Content    json.RawMessage
}

// Address returns the protocol address this listing materializes.
func (l *Listing) Address() protocol.Address {
	return protocol.Address{Kind: l.Kind, PubKey: l.PubKey, Identifier: l.AddressKey}
}

// Supersedes reports whether l is a strictly newer revision than other.
// Equal timestamps fall back to the lexically lower event id, which every
// replica computes the same way.
func (l *Listing) Supersedes(other *Listing) bool {
	if !l.CreatedAt.Equal(other.CreatedAt) {
		return l.CreatedAt.After(other.CreatedAt)
	}
	return l.EventID < other.EventID
}

type Price struct {
	Amount    float64
	Currency  string
	Frequency string
}

type Location struct {
	Latitude  float64
	Longitude float64
}

// ImageAsset is shared by value between primary images and any derived
// variants; ownership lives in the listing_images relation.
type ImageAsset struct {
	URL        string `json:"url"`
	Hash       string `json:"sha256,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	BlurDigest string `json:"blurhash,omitempty"`
}

// HistoryEntry records one accepted event id. Entries are never mutated.
type HistoryEntry struct {
	ID        int64
	EventID   string
	ListingID uuid.UUID
	CreatedAt time.Time
}
