// Package protocol holds the Nostr wire contracts shared by the ingest, deletion,
// RPC and gift-wrap components: event kinds, addresses and tag helpers.
package protocol

// Event kinds used on the wire.
const (
	KindDeletion     = 5
	KindSeal         = 13
	KindDirectMsg    = 14
	KindGiftWrap     = 1059
	KindRPCRequest   = 24194
	KindRPCResponse  = 24195
	KindClassified   = 30402
	KindListing      = 30403
	MaxWrapJitterSec = 600
)

// DefaultRecordKinds are the addressable kinds materialized as listings.
var DefaultRecordKinds = []int{KindClassified, KindListing}
