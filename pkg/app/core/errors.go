package core

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Rejections. The action is refused, nothing is written, retrying does not help.
var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrUnsupportedAction    = errors.New("unsupported action")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInstrumentNotFound   = errors.New("instrument not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderClosed          = errors.New("order is not open")
	ErrInsufficientHoldings = errors.New("insufficient available quantity")
	ErrAlreadyExists        = errors.New("already exists")
)

// Transient persistence failures. The transaction was rolled back and the
// same action may succeed later.
var (
	ErrLockTimeout      = errors.New("lock wait timed out")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsDefect reports whether err is a violated precondition, i.e. a bug in
// the caller or corrupted state rather than bad input.
func IsDefect(err error) bool {
	return errors.HasAssertionFailure(err)
}

// IsRejection reports whether err refuses the action for a reason the
// submitter can act on.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidOrder, ErrUnsupportedAction, ErrAccountNotFound,
		ErrInstrumentNotFound, ErrOrderNotFound, ErrOrderClosed,
		ErrInsufficientHoldings, ErrAlreadyExists,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
