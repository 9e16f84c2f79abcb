// Package giftwrap sends and receives direct messages wrapped three times:
// an unsigned rumor, a seal signed by the real sender and a gift wrap signed
// by a throwaway key. Relays only ever see the throwaway author.
package giftwrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"nostrsync/internal/protocol"
	"nostrsync/internal/relay"
	"nostrsync/internal/signer"
	"nostrsync/pkg/platform/sentinel"
)

// Message is an unwrapped direct message.
type Message struct {
	// ID is the rumor id, shared by every wrap of the same message.
	ID        string
	WrapID    string
	Sender    string
	Kind      int
	Content   string
	Tags      nostr.Tags
	CreatedAt time.Time
}

// Recipients lists the `p` tags of the rumor.
func (m *Message) Recipients() []string {
	var out []string
	for _, tag := range m.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			out = append(out, tag[1])
		}
	}
	return out
}

// Messenger builds, publishes and opens gift wraps for the local identity.
type Messenger struct {
	transport relay.Transport
	signer    signer.Signer
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	jitter    func() time.Duration
	ephemeral func() (signer.Signer, error)
	inflight  sync.WaitGroup
}

type Option func(*Messenger)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Messenger) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Messenger) {
		if now != nil {
			m.now = now
		}
	}
}

// WithJitter replaces the random backdating of wrap timestamps. Values are
// clamped to [0, MaxWrapJitterSec] seconds.
func WithJitter(jitter func() time.Duration) Option {
	return func(m *Messenger) {
		if jitter != nil {
			m.jitter = jitter
		}
	}
}

func New(transport relay.Transport, s signer.Signer, opts ...Option) *Messenger {
	m := &Messenger{
		transport: transport,
		signer:    s,
		logger:    slog.Default(),
		tracer:    otel.Tracer("nostrsync/giftwrap"),
		now:       time.Now,
		jitter:    randomJitter,
		ephemeral: func() (signer.Signer, error) { return signer.Generate() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int64N(protocol.MaxWrapJitterSec+1)) * time.Second
}

// Send delivers content to recipient and a copy to the local identity so other
// sessions of the sender can read what was sent. It returns the id of the
// recipient's wrap.
func (m *Messenger) Send(ctx context.Context, recipient, content string, extra ...nostr.Tag) (string, error) {
	if m.signer == nil {
		return "", signer.ErrNoSigner
	}
	ctx, span := m.tracer.Start(ctx, "giftwrap.send", trace.WithAttributes(attribute.String("nostr.recipient", recipient)))
	defer span.End()

	rumor := m.Rumor(recipient, content, extra...)
	self := m.signer.PublicKey()

	targets := []string{recipient, self}
	ids := make([]string, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, to := range targets {
		g.Go(func() error {
			wrap, err := m.Wrap(gctx, rumor, to)
			if err != nil {
				return err
			}
			if _, err := m.transport.Publish(gctx, wrap); err != nil {
				return fmt.Errorf("publish wrap: %w", err)
			}
			ids[i] = wrap.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	m.logger.DebugContext(ctx, "gift wrap sent", "rumor_id", rumor.ID, "wrap_id", ids[0])
	return ids[0], nil
}

// Rumor builds the unsigned inner message. Its id is computed so every wrap of
// it carries the same identity.
func (m *Messenger) Rumor(recipient, content string, extra ...nostr.Tag) nostr.Event {
	tags := nostr.Tags{{"p", recipient}}
	tags = append(tags, extra...)
	rumor := nostr.Event{
		Kind:      protocol.KindDirectMsg,
		CreatedAt: nostr.Timestamp(m.now().Unix()),
		Tags:      tags,
		Content:   content,
	}
	if m.signer != nil {
		rumor.PubKey = m.signer.PublicKey()
	}
	rumor.ID = rumor.GetID()
	return rumor
}

// Wrap seals rumor for recipient with the local key, then wraps the seal with a
// fresh disposable key.
func (m *Messenger) Wrap(ctx context.Context, rumor nostr.Event, recipient string) (nostr.Event, error) {
	if m.signer == nil {
		return nostr.Event{}, signer.ErrNoSigner
	}
	rumor.Sig = ""
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal rumor: %w", err)
	}
	sealContent, err := m.signer.Encrypt(ctx, recipient, string(rumorJSON))
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt seal: %w", err)
	}
	seal := nostr.Event{
		Kind:      protocol.KindSeal,
		CreatedAt: nostr.Timestamp(m.now().Unix()),
		Tags:      nostr.Tags{},
		Content:   sealContent,
	}
	if err := m.signer.Sign(ctx, &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("sign seal: %w", err)
	}

	disposable, err := m.ephemeral()
	if err != nil {
		return nostr.Event{}, fmt.Errorf("generate wrap key: %w", err)
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal seal: %w", err)
	}
	wrapContent, err := disposable.Encrypt(ctx, recipient, string(sealJSON))
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt wrap: %w", err)
	}
	wrap := nostr.Event{
		Kind:      protocol.KindGiftWrap,
		CreatedAt: seal.CreatedAt - nostr.Timestamp(m.clampedJitter()/time.Second),
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   wrapContent,
	}
	if err := disposable.Sign(ctx, &wrap); err != nil {
		return nostr.Event{}, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

func (m *Messenger) clampedJitter() time.Duration {
	d := m.jitter()
	switch {
	case d < 0:
		return 0
	case d > protocol.MaxWrapJitterSec*time.Second:
		return protocol.MaxWrapJitterSec * time.Second
	default:
		return d
	}
}

// Unwrap opens a wrap addressed to the local identity. The sender is the seal
// author; the wrap author is a throwaway key and is never trusted. Bad
// ciphertext or malformed JSON at either layer yields sentinel.ErrDecryption.
func (m *Messenger) Unwrap(ctx context.Context, wrap *nostr.Event) (*Message, error) {
	if m.signer == nil {
		return nil, signer.ErrNoSigner
	}
	if wrap.Kind != protocol.KindGiftWrap {
		return nil, fmt.Errorf("%w: kind %d is not a gift wrap", sentinel.ErrValidation, wrap.Kind)
	}

	// ECDH(local, wrap author) matches the sender's ECDH(disposable, local),
	// including copies the local identity addressed to itself.
	sealJSON, err := m.signer.Decrypt(ctx, wrap.PubKey, wrap.Content)
	if err != nil {
		return nil, fmt.Errorf("open wrap %s: %w", wrap.ID, err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nil, fmt.Errorf("%w: wrap %s holds malformed seal: %w", sentinel.ErrDecryption, wrap.ID, err)
	}
	if seal.Kind != protocol.KindSeal {
		return nil, fmt.Errorf("%w: wrap %s holds kind %d instead of a seal", sentinel.ErrValidation, wrap.ID, seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("%w: seal in wrap %s has an invalid signature", sentinel.ErrUnauthorized, wrap.ID)
	}

	rumorJSON, err := m.signer.Decrypt(ctx, seal.PubKey, seal.Content)
	if err != nil {
		return nil, fmt.Errorf("open seal in wrap %s: %w", wrap.ID, err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nil, fmt.Errorf("%w: seal in wrap %s holds malformed rumor: %w", sentinel.ErrDecryption, wrap.ID, err)
	}
	if rumor.PubKey != "" && !strings.EqualFold(rumor.PubKey, seal.PubKey) {
		return nil, fmt.Errorf("%w: rumor author does not match seal author in wrap %s", sentinel.ErrUnauthorized, wrap.ID)
	}

	id := rumor.ID
	if id == "" {
		rumor.PubKey = seal.PubKey
		id = rumor.GetID()
	}
	return &Message{
		ID:        id,
		WrapID:    wrap.ID,
		Sender:    seal.PubKey,
		Kind:      rumor.Kind,
		Content:   rumor.Content,
		Tags:      rumor.Tags,
		CreatedAt: rumor.CreatedAt.Time(),
	}, nil
}

// InboxHandler receives every wrap addressed to the local identity, either
// opened or with the reason it could not be opened.
type InboxHandler func(ctx context.Context, wrap *nostr.Event, msg *Message, err error)

// Inbox follows wraps addressed to the local identity until ctx is done.
func (m *Messenger) Inbox(ctx context.Context, handle InboxHandler) error {
	if m.signer == nil {
		return signer.ErrNoSigner
	}
	filter := nostr.Filter{
		Kinds: []int{protocol.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{m.signer.PublicKey()}},
	}
	sub, err := m.transport.Subscribe(ctx, filter, relay.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("subscribe to gift wraps: %w", err)
	}
	defer sub.Close()

	m.logger.InfoContext(ctx, "gift wrap inbox started")
	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wrap, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("%w: gift wrap subscription closed", sentinel.ErrUnavailable)
			}
			m.inflight.Add(1)
			go func() {
				defer m.inflight.Done()
				msg, err := m.Unwrap(handleCtx, wrap)
				handle(handleCtx, wrap, msg, err)
			}()
		}
	}
}

// Wait blocks until every wrap handed out by Inbox has been handled.
func (m *Messenger) Wait() {
	m.inflight.Wait()
}
