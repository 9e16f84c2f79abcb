// Package handler exposes the materialized listing view over encrypted RPC.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"nostrsync/internal/listing/models"
	"nostrsync/internal/protocol"
	"nostrsync/internal/rpc"
	"nostrsync/pkg/platform/sentinel"
)

// RPC method names served by this package.
const (
	MethodGetListings       = "get_listings"
	MethodGetListingHistory = "get_listing_history"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Reader

// Reader is the read side of the listing store.
type Reader interface {
	ListByPublisher(ctx context.Context, pubkey string) ([]*models.Listing, error)
	FindByAddress(ctx context.Context, addr protocol.Address) (*models.Listing, error)
	ListHistory(ctx context.Context, listingID uuid.UUID) ([]models.HistoryEntry, error)
}

// Registrar is implemented by rpc.Server.
type Registrar interface {
	Register(method string, h rpc.Handler)
}

// Handler answers listing queries. Callers only ever see their own listings:
// the publisher is always the authenticated caller key injected by the RPC
// server.
type Handler struct {
	reader Reader
	logger *slog.Logger
}

func New(reader Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reader: reader, logger: logger}
}

// Register binds every listing method on r.
func (h *Handler) Register(r Registrar) {
	r.Register(MethodGetListings, h.GetListings)
	r.Register(MethodGetListingHistory, h.GetListingHistory)
}

// GetListings returns the caller's current listings, newest first.
func (h *Handler) GetListings(ctx context.Context, raw json.RawMessage) (any, error) {
	var params GetListingsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	listings, err := h.reader.ListByPublisher(ctx, params.PubKey)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list listings", "pubkey", params.PubKey, "error", err)
		return nil, err
	}
	resp := GetListingsResponse{Listings: make([]ListingResponse, 0, len(listings))}
	for _, l := range listings {
		resp.Listings = append(resp.Listings, toListingResponse(l))
	}
	return resp, nil
}

// GetListingHistory returns the accepted event ids of one of the caller's
// listings in the order they were accepted.
func (h *Handler) GetListingHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var params GetListingHistoryParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.D == "" {
		return nil, fmt.Errorf("%w: d is required", sentinel.ErrValidation)
	}
	kind := params.Kind
	if kind == 0 {
		kind = protocol.KindClassified
	}

	addr := protocol.Address{Kind: kind, PubKey: params.PubKey, Identifier: params.D}
	listing, err := h.reader.FindByAddress(ctx, addr)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			h.logger.ErrorContext(ctx, "failed to load listing", "address", addr.String(), "error", err)
		}
		return nil, err
	}
	entries, err := h.reader.ListHistory(ctx, listing.ID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load listing history", "address", addr.String(), "error", err)
		return nil, err
	}

	resp := GetListingHistoryResponse{
		Address:  addr.String(),
		EventID:  listing.EventID,
		Versions: make([]HistoryEntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Versions = append(resp.Versions, HistoryEntryResponse{EventID: e.EventID, RecordedAt: e.CreatedAt.Unix()})
	}
	return resp, nil
}

func decodeParams(raw json.RawMessage, dst callerParams) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed params: %w", sentinel.ErrValidation, err)
	}
	if dst.caller() == "" {
		return fmt.Errorf("%w: missing %s", sentinel.ErrUnauthorized, rpc.CallerParam)
	}
	return nil
}
