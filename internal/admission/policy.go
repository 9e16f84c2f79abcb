// Package admission decides which publishers are trusted enough for their
// events to be materialized into local state.
package admission

import (
	"slices"
	"strings"

	pstrings "nostrsync/pkg/platform/strings"
)

// Policy is an immutable whitelist of publisher keys. The zero value trusts
// nobody. Reloading means building a new Policy.
type Policy struct {
	keys map[string]struct{}
}

// New builds the whitelist from the local identity plus configured operators.
func New(self string, operators ...string) Policy {
	all := pstrings.DedupeAndTrimLower(append([]string{self}, operators...))
	keys := make(map[string]struct{}, len(all))
	for _, k := range all {
		keys[k] = struct{}{}
	}
	return Policy{keys: keys}
}

// IsTrusted reports whether pubkey is whitelisted. Unknown keys are untrusted.
func (p Policy) IsTrusted(pubkey string) bool {
	if p.keys == nil || pubkey == "" {
		return false
	}
	_, ok := p.keys[strings.ToLower(pubkey)]
	return ok
}

// Keys returns the whitelist sorted, for subscription author filters.
func (p Policy) Keys() []string {
	out := make([]string, 0, len(p.keys))
	for k := range p.keys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (p Policy) Len() int {
	return len(p.keys)
}
