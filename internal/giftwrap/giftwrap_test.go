package giftwrap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"nostrsync/internal/protocol"
	"nostrsync/internal/signer"
	"nostrsync/pkg/platform/sentinel"
	"nostrsync/pkg/testutil/relaytest"
)

type GiftWrapSuite struct {
	suite.Suite
	ctx   context.Context
	hub   *relaytest.Hub
	alice *signer.KeySigner
	bob   *signer.KeySigner
	eve   *signer.KeySigner
	now   time.Time
}

func TestGiftWrapSuite(t *testing.T) {
	suite.Run(t, new(GiftWrapSuite))
}

func (s *GiftWrapSuite) SetupTest() {
	var err error
	s.ctx = context.Background()
	s.hub = relaytest.NewHub()
	s.alice, err = signer.Generate()
	s.Require().NoError(err)
	s.bob, err = signer.Generate()
	s.Require().NoError(err)
	s.eve, err = signer.Generate()
	s.Require().NoError(err)
	s.now = time.Unix(1_700_000_000, 0)
}

func (s *GiftWrapSuite) messenger(sg signer.Signer, opts ...Option) *Messenger {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.now }),
	}
	return New(s.hub, sg, append(base, opts...)...)
}

func (s *GiftWrapSuite) wrapByID(id string) *nostr.Event {
	for _, evt := range s.hub.Published() {
		if evt.ID == id {
			return &evt
		}
	}
	s.FailNow("wrap not published", id)
	return nil
}

func (s *GiftWrapSuite) TestRoundTrip() {
	wrapID, err := s.messenger(s.alice).Send(s.ctx, s.bob.PublicKey(), "hello")
	s.Require().NoError(err)

	msg, err := s.messenger(s.bob).Unwrap(s.ctx, s.wrapByID(wrapID))
	s.Require().NoError(err)
	s.Equal(s.alice.PublicKey(), msg.Sender)
	s.Equal("hello", msg.Content)
	s.Equal(protocol.KindDirectMsg, msg.Kind)
	s.Equal([]string{s.bob.PublicKey()}, msg.Recipients())
	s.Equal(wrapID, msg.WrapID)
}

func (s *GiftWrapSuite) TestSelfCopy() {
	wrapID, err := s.messenger(s.alice).Send(s.ctx, s.bob.PublicKey(), "hello")
	s.Require().NoError(err)

	published := s.hub.Published()
	s.Require().Len(published, 2)
	s.NotEqual(published[0].ID, published[1].ID)

	var selfWrap *nostr.Event
	for i := range published {
		if published[i].ID != wrapID {
			selfWrap = &published[i]
		}
	}
	s.Require().NotNil(selfWrap)
	s.Equal(s.alice.PublicKey(), selfWrap.Tags.GetFirst([]string{"p", ""}).Value())

	fromSelf, err := s.messenger(s.alice).Unwrap(s.ctx, selfWrap)
	s.Require().NoError(err)
	fromPeer, err := s.messenger(s.bob).Unwrap(s.ctx, s.wrapByID(wrapID))
	s.Require().NoError(err)

	s.Equal(fromPeer.ID, fromSelf.ID)
	s.Equal(fromPeer.Content, fromSelf.Content)
	s.Equal(s.alice.PublicKey(), fromSelf.Sender)
}

// TestUnlinkability checks that the outer layer reveals nothing about the
// real author to someone without the recipient's key.
func (s *GiftWrapSuite) TestSendToSelf() {
	self := s.alice.PublicKey()
	wrapID, err := s.messenger(s.alice).Send(s.ctx, self, "note to self")
	s.Require().NoError(err)

	published := s.hub.Published()
	s.Require().Len(published, 2)
	ids := []string{published[0].ID, published[1].ID}
	s.Contains(ids, wrapID)
	s.NotEqual(ids[0], ids[1])

	for i := range published {
		p, _ := protocol.FirstTagValue(published[i].Tags, "p")
		s.Equal(self, p)
		msg, err := s.messenger(s.alice).Unwrap(s.ctx, &published[i])
		s.Require().NoError(err)
		s.Equal(self, msg.Sender)
		s.Equal("note to self", msg.Content)
	}
}

func (s *GiftWrapSuite) TestUnlinkability() {
	wrapID, err := s.messenger(s.alice).Send(s.ctx, s.bob.PublicKey(), "hello")
	s.Require().NoError(err)
	wrap := s.wrapByID(wrapID)

	s.NotEqual(s.alice.PublicKey(), wrap.PubKey)
	s.NotContains(wrap.Content, s.alice.PublicKey())
	for _, tag := range wrap.Tags {
		s.NotContains(tag, s.alice.PublicKey())
	}
	ok, err := wrap.CheckSignature()
	s.Require().NoError(err)
	s.True(ok, "wrap is validly signed by its disposable key")

	_, err = s.messenger(s.eve).Unwrap(s.ctx, wrap)
	s.ErrorIs(err, sentinel.ErrDecryption)
}

func (s *GiftWrapSuite) TestWrapTimestampIsBackdated() {
	s.Run("within range", func() {
		m := s.messenger(s.alice, WithJitter(func() time.Duration { return 300 * time.Second }))
		wrap, err := m.Wrap(s.ctx, m.Rumor(s.bob.PublicKey(), "hi"), s.bob.PublicKey())
		s.Require().NoError(err)
		s.Equal(nostr.Timestamp(s.now.Unix()-300), wrap.CreatedAt)
	})

	s.Run("clamped to the maximum", func() {
		m := s.messenger(s.alice, WithJitter(func() time.Duration { return time.Hour }))
		wrap, err := m.Wrap(s.ctx, m.Rumor(s.bob.PublicKey(), "hi"), s.bob.PublicKey())
		s.Require().NoError(err)
		s.Equal(nostr.Timestamp(s.now.Unix()-protocol.MaxWrapJitterSec), wrap.CreatedAt)
	})

	s.Run("default jitter stays in range", func() {
		for i := 0; i < 50; i++ {
			d := randomJitter()
			s.GreaterOrEqual(d, time.Duration(0))
			s.LessOrEqual(d, protocol.MaxWrapJitterSec*time.Second)
		}
	})
}

func (s *GiftWrapSuite) TestTamperedWrapFailsDecryption() {
	wrapID, err := s.messenger(s.alice).Send(s.ctx, s.bob.PublicKey(), "hello")
	s.Require().NoError(err)
	wrap := s.wrapByID(wrapID)
	wrap.Content = wrap.Content[:len(wrap.Content)-8] + "AAAAAAAA"

	_, err = s.messenger(s.bob).Unwrap(s.ctx, wrap)
	s.ErrorIs(err, sentinel.ErrDecryption)
}

// TestForgedRumorAuthorRejected seals a rumor claiming another author.
func (s *GiftWrapSuite) TestForgedRumorAuthorRejected() {
	rumor := nostr.Event{
		Kind:      protocol.KindDirectMsg,
		PubKey:    s.bob.PublicKey(),
		CreatedAt: nostr.Timestamp(s.now.Unix()),
		Tags:      nostr.Tags{{"p", s.bob.PublicKey()}},
		Content:   "trust me",
	}
	rumor.ID = rumor.GetID()

	wrap, err := s.messenger(s.eve).Wrap(s.ctx, rumor, s.bob.PublicKey())
	s.Require().NoError(err)

	_, err = s.messenger(s.bob).Unwrap(s.ctx, &wrap)
	s.ErrorIs(err, sentinel.ErrUnauthorized)
}

func (s *GiftWrapSuite) TestMalformedSealPayload() {
	disposable, err := signer.Generate()
	s.Require().NoError(err)
	content, err := disposable.Encrypt(s.ctx, s.bob.PublicKey(), "not json")
	s.Require().NoError(err)
	wrap := nostr.Event{Kind: protocol.KindGiftWrap, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", s.bob.PublicKey()}}, Content: content}
	s.Require().NoError(disposable.Sign(s.ctx, &wrap))

	_, err = s.messenger(s.bob).Unwrap(s.ctx, &wrap)
	s.ErrorIs(err, sentinel.ErrDecryption)
}

func (s *GiftWrapSuite) TestMissingSigner() {
	m := s.messenger(nil)
	_, err := m.Send(s.ctx, s.bob.PublicKey(), "hello")
	s.ErrorIs(err, signer.ErrNoSigner)
	_, err = m.Unwrap(s.ctx, &nostr.Event{Kind: protocol.KindGiftWrap})
	s.ErrorIs(err, signer.ErrNoSigner)
}

func (s *GiftWrapSuite) TestPublishFailureSurfaces() {
	s.hub.FailPublishes(2)
	_, err := s.messenger(s.alice).Send(s.ctx, s.bob.PublicKey(), "hello")
	s.ErrorIs(err, sentinel.ErrUnavailable)
}

func (s *GiftWrapSuite) TestInboxDeliversMessages() {
	bob := s.messenger(s.bob)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		received []*Message
	)
	done := make(chan error, 1)
	go func() {
		done <- bob.Inbox(ctx, func(_ context.Context, _ *nostr.Event, msg *Message, err error) {
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		})
	}()
	s.Require().Eventually(func() bool { return s.hub.ActiveSubscriptions() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.messenger(s.alice).Send(s.ctx, s.bob.PublicKey(), "hello")
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	s.ErrorIs(<-done, context.Canceled)
	bob.Wait()

	s.Equal("hello", received[0].Content)
	s.Equal(s.alice.PublicKey(), received[0].Sender)
}

func TestRumorIDIsStable(t *testing.T) {
	alice, err := signer.Generate()
	require.NoError(t, err)
	m := New(relaytest.NewHub(), alice, WithClock(func() time.Time { return time.Unix(1, 0) }))
	rumor := m.Rumor("bb", "x")

	raw, err := json.Marshal(rumor)
	require.NoError(t, err)
	var back nostr.Event
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, rumor.ID, back.GetID())
}
