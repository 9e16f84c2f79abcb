package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"nostrsync/pkg/platform/sentinel"
)

// Address names one logical addressable resource across its revisions.
type Address struct {
	Kind       int
	PubKey     string
	Identifier string
}

// String renders the address in its `kind:pubkey:d` tag form.
func (a Address) String() string {
	return fmt.Sprintf("%d:%s:%s", a.Kind, a.PubKey, a.Identifier)
}

// ParseAddress parses an `a` tag value. The identifier may itself contain colons.
func ParseAddress(value string) (Address, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Address{}, fmt.Errorf("%w: malformed address %q", sentinel.ErrValidation, value)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return Address{}, fmt.Errorf("%w: malformed address kind %q", sentinel.ErrValidation, parts[0])
	}
	return Address{Kind: kind, PubKey: strings.ToLower(parts[1]), Identifier: parts[2]}, nil
}

// AddressOf returns the address of an addressable event, or false when the
// event carries no `d` tag.
func AddressOf(evt *nostr.Event) (Address, bool) {
	d, ok := FirstTagValue(evt.Tags, "d")
	if !ok {
		return Address{}, false
	}
	return Address{Kind: evt.Kind, PubKey: evt.PubKey, Identifier: d}, true
}

// FirstTagValue returns the first value of the first tag with the given name.
func FirstTagValue(tags nostr.Tags, name string) (string, bool) {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// NewTombstone builds an unsigned kind 5 event retracting target. It references
// both the concrete event and its address so relays and readers that only
// understand one of the two forms still honour it.
func NewTombstone(target *nostr.Event) (nostr.Event, error) {
	addr, ok := AddressOf(target)
	if !ok {
		return nostr.Event{}, fmt.Errorf("%w: event %s has no d tag", sentinel.ErrValidation, target.ID)
	}
	return nostr.Event{
		Kind:      KindDeletion,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"e", target.ID},
			{"a", addr.String()},
		},
	}, nil
}
