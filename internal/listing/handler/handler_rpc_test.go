package handler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostrsync/internal/listing/models"
	"nostrsync/internal/listing/store"
	"nostrsync/internal/protocol"
	"nostrsync/internal/rpc"
	"nostrsync/internal/signer"
	"nostrsync/pkg/testutil/relaytest"
)

// TestListingsOverRPC wires the handler behind a live RPC server and queries
// it as a publisher would.
func TestListingsOverRPC(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relaytest.NewHub()
	service, err := signer.Generate()
	require.NoError(t, err)
	publisher, err := signer.Generate()
	require.NoError(t, err)

	listings := store.NewInMemoryStore()
	ctx := context.Background()
	own := &models.Listing{ID: uuid.New(), EventID: "e1", Kind: protocol.KindClassified, PubKey: publisher.PublicKey(), AddressKey: "lot-1", CreatedAt: time.Unix(1_700_000_000, 0)}
	other := &models.Listing{ID: uuid.New(), EventID: "e2", Kind: protocol.KindClassified, PubKey: service.PublicKey(), AddressKey: "lot-2", CreatedAt: time.Unix(1_700_000_000, 0)}
	require.NoError(t, listings.Insert(ctx, own))
	require.NoError(t, listings.Insert(ctx, other))
	require.NoError(t, listings.AppendHistory(ctx, models.HistoryEntry{EventID: "e1", ListingID: own.ID}))

	srv := rpc.NewServer(hub, service, rpc.WithServerLogger(logger))
	New(listings, logger).Register(srv)
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(serveCtx) }()
	defer func() {
		cancel()
		<-done
		srv.Wait()
	}()
	require.Eventually(t, func() bool { return hub.ActiveSubscriptions() == 1 }, time.Second, 5*time.Millisecond)

	client := rpc.NewClient(hub, publisher, rpc.WithClientLogger(logger), rpc.WithCallTimeout(time.Second))

	var got GetListingsResponse
	require.NoError(t, client.Call(ctx, service.PublicKey(), MethodGetListings, map[string]string{"pubkey": service.PublicKey()}, &got))
	require.Len(t, got.Listings, 1, "the pubkey param cannot select someone else's listings")
	assert.Equal(t, "lot-1", got.Listings[0].D)

	var history GetListingHistoryResponse
	require.NoError(t, client.Call(ctx, service.PublicKey(), MethodGetListingHistory, map[string]string{"d": "lot-1"}, &history))
	require.Len(t, history.Versions, 1)
	assert.Equal(t, "e1", history.Versions[0].EventID)
}
