// Package store persists materialized listings, their event history and images.
package store

import (
	"errors"

	"github.com/lib/pq"

	"nostrsync/pkg/platform/sentinel"
)

// ErrNotFound and ErrConflict alias the platform sentinels so callers can
// match either.
var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
