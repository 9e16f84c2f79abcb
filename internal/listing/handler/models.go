package handler

import (
	"encoding/json"

	"nostrsync/internal/listing/models"
)

type callerParams interface {
	caller() string
}

type GetListingsParams struct {
	PubKey string `json:"pubkey"`
}

func (p *GetListingsParams) caller() string { return p.PubKey }

type GetListingHistoryParams struct {
	PubKey string `json:"pubkey"`
	D      string `json:"d"`
	Kind   int    `json:"kind,omitempty"`
}

func (p *GetListingHistoryParams) caller() string { return p.PubKey }

type GetListingsResponse struct {
	Listings []ListingResponse `json:"listings"`
}

type ListingResponse struct {
	ID          string              `json:"id"`
	EventID     string              `json:"event_id"`
	Kind        int                 `json:"kind"`
	D           string              `json:"d"`
	CreatedAt   int64               `json:"created_at"`
	Title       string              `json:"title,omitempty"`
	Price       *PriceResponse      `json:"price,omitempty"`
	Location    *LocationResponse   `json:"location,omitempty"`
	Street      string              `json:"street,omitempty"`
	City        string              `json:"city,omitempty"`
	Country     string              `json:"country,omitempty"`
	ResinType   string              `json:"resin_type,omitempty"`
	Attribution string              `json:"attribution,omitempty"`
	Images      []models.ImageAsset `json:"images,omitempty"`
	Attributes  map[string][]string `json:"attributes,omitempty"`
	Content     json.RawMessage     `json:"content,omitempty"`
}

type PriceResponse struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Frequency string  `json:"frequency,omitempty"`
}

type LocationResponse struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

type GetListingHistoryResponse struct {
	Address  string                 `json:"address"`
	EventID  string                 `json:"event_id"`
	Versions []HistoryEntryResponse `json:"versions"`
}

type HistoryEntryResponse struct {
	EventID    string `json:"event_id"`
	RecordedAt int64  `json:"recorded_at"`
}

func toListingResponse(l *models.Listing) ListingResponse {
	resp := ListingResponse{
		ID:          l.ID.String(),
		EventID:     l.EventID,
		Kind:        l.Kind,
		D:           l.AddressKey,
		CreatedAt:   l.CreatedAt.Unix(),
		Title:       l.Title,
		Street:      l.Street,
		City:        l.City,
		Country:     l.Country,
		ResinType:   l.ResinType,
		Attribution: l.Attribution,
		Images:      l.Images,
		Attributes:  l.Attributes,
		Content:     l.Content,
	}
	if l.Price != nil {
		resp.Price = &PriceResponse{Amount: l.Price.Amount, Currency: l.Price.Currency, Frequency: l.Price.Frequency}
	}
	if l.Location != nil {
		resp.Location = &LocationResponse{Latitude: l.Location.Latitude, Longitude: l.Location.Longitude}
	}
	return resp
}
