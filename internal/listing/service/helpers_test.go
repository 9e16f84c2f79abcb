package service

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"nostrsync/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publisher struct {
	sk string
	pk string
}

func newPublisher(t *testing.T) publisher {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return publisher{sk: sk, pk: pk}
}

func (p publisher) sign(t *testing.T, evt nostr.Event) *nostr.Event {
	t.Helper()
	require.NoError(t, evt.Sign(p.sk))
	return &evt
}

// listing builds a signed classified listing for address d.
func (p publisher) listing(t *testing.T, d string, createdAt nostr.Timestamp, extra ...nostr.Tag) *nostr.Event {
	t.Helper()
	tags := nostr.Tags{{"d", d}, {"title", "flat " + d}, {"price", "1500", "USD", "monthly"}}
	tags = append(tags, extra...)
	return p.sign(t, nostr.Event{
		Kind:      protocol.KindClassified,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   "a flat",
	})
}

func (p publisher) tombstone(t *testing.T, ref string, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()
	return p.sign(t, nostr.Event{
		Kind:      protocol.KindDeletion,
		CreatedAt: createdAt,
		Tags:      nostr.Tags{{"a", ref}},
	})
}
