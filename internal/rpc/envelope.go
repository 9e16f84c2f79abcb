// Package rpc implements request/response calls over the relay network. Both
// directions are NIP-44 encrypted to the peer; correlation lives only in the
// caller's temporary subscription.
package rpc

import (
	"encoding/json"
	"fmt"

	"nostrsync/pkg/platform/sentinel"
)

// Request is the decrypted content of a request event.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the decrypted content of a response event. ResultType echoes the
// request method.
type Response struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result"`
}

// CallerParam is the params key the responder fills with the caller's pubkey.
const CallerParam = "pubkey"

// withCaller returns params with CallerParam set to caller, replacing any
// value the caller supplied. Params must be a JSON object or empty.
func withCaller(params json.RawMessage, caller string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, fmt.Errorf("%w: params must be an object: %w", sentinel.ErrValidation, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	quoted, err := json.Marshal(caller)
	if err != nil {
		return nil, err
	}
	fields[CallerParam] = quoted
	return json.Marshal(fields)
}
