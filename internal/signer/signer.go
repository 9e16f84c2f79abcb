// Package signer holds the local Nostr identity: signing and per-peer NIP-44
// encryption keyed by ECDH between the local secret and the peer public key.
package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"nostrsync/pkg/platform/sentinel"
)

// ErrNoSigner is returned when a component that needs keys was built without one.
var ErrNoSigner = errors.New("no signer configured")

// Signer is the identity contract consumed by RPC, gift-wrap and the commands.
type Signer interface {
	PublicKey() string
	Sign(ctx context.Context, evt *nostr.Event) error
	Encrypt(ctx context.Context, peer, plaintext string) (string, error)
	Decrypt(ctx context.Context, peer, ciphertext string) (string, error)
}

// DefaultConversationCacheSize bounds the per-peer conversation key cache.
const DefaultConversationCacheSize = 1024

// KeySigner signs with an in-memory secret key. Conversation keys are kept in
// a bounded LRU; disposable gift wrap authors fall out of it.
type KeySigner struct {
	secret string
	public string

	cacheSize int
	convs     *lru.Cache[string, [32]byte]
}

type Option func(*KeySigner)

// WithConversationCacheSize overrides DefaultConversationCacheSize.
func WithConversationCacheSize(n int) Option {
	return func(s *KeySigner) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// New builds a KeySigner from a hex secret key.
func New(secretHex string, opts ...Option) (*KeySigner, error) {
	secretHex = strings.ToLower(strings.TrimSpace(secretHex))
	if secretHex == "" {
		return nil, ErrNoSigner
	}
	pub, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	s := &KeySigner{secret: secretHex, public: pub, cacheSize: DefaultConversationCacheSize}
	for _, opt := range opts {
		opt(s)
	}
	s.convs, err = lru.New[string, [32]byte](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("conversation key cache: %w", err)
	}
	return s, nil
}

// Generate returns a signer for a fresh random key. Gift wraps use it for their
// disposable author.
func Generate() (*KeySigner, error) {
	return New(nostr.GeneratePrivateKey())
}

func (s *KeySigner) PublicKey() string {
	return s.public
}

// Sign stamps the author, id and signature onto evt.
func (s *KeySigner) Sign(_ context.Context, evt *nostr.Event) error {
	evt.PubKey = s.public
	if err := evt.Sign(s.secret); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

func (s *KeySigner) Encrypt(_ context.Context, peer, plaintext string) (string, error) {
	key, err := s.conversationKey(peer)
	if err != nil {
		return "", err
	}
	ciphertext, err := nip44.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	return ciphertext, nil
}

func (s *KeySigner) Decrypt(_ context.Context, peer, ciphertext string) (string, error) {
	key, err := s.conversationKey(peer)
	if err != nil {
		return "", err
	}
	plaintext, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sentinel.ErrDecryption, err)
	}
	return plaintext, nil
}

func (s *KeySigner) conversationKey(peer string) ([32]byte, error) {
	if key, ok := s.convs.Get(peer); ok {
		return key, nil
	}

	key, err := nip44.GenerateConversationKey(peer, s.secret)
	if err != nil {
		return key, fmt.Errorf("%w: conversation key for %s: %v", sentinel.ErrDecryption, peer, err)
	}
	s.convs.Add(peer, key)
	return key, nil
}
