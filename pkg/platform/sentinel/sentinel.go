package sentinel

import "errors"

// Sentinel errors shared by stores, protocol code and services. Callers wrap them
// with context and match with errors.Is.
//
//   - ErrNotFound: entity does not exist in the store
//   - ErrConflict: a uniqueness constraint rejected the write (someone else claimed it)
//   - ErrValidation: an inbound event is missing or has an unparsable required tag
//   - ErrUnauthorized: the author is not admitted by the whitelist
//   - ErrDecryption: ciphertext could not be opened with the available keys
//   - ErrTimeout: a correlated reply did not arrive in time
//   - ErrUnavailable: relay transport or another dependency is unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrDecryption   = errors.New("decryption failed")
	ErrTimeout      = errors.New("timeout")
	ErrUnavailable  = errors.New("unavailable")
)
