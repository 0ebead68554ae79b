// Package errors holds the sentinel errors shared by the lock registry and
// its HTTP surface. Compare with errors.Is; callers wrap them freely.
package errors

import "errors"

var (
	// ErrForbidden rejects a renewal: no baseline permission, no lock to
	// renew, a lock held by someone else, or a lock past its ceiling.
	ErrForbidden = errors.New("editlock: forbidden")
	// ErrBadRequest marks a renewal target that cannot be resolved.
	ErrBadRequest = errors.New("editlock: bad request")
	// ErrInvalidConfig is returned for inconsistent lock durations.
	ErrInvalidConfig = errors.New("editlock: invalid configuration")
	// ErrTimeout is returned when the cache did not answer in time.
	ErrTimeout = errors.New("editlock: timeout")
)
