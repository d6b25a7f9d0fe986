package domain

import "errors"

var (
	// ErrNotFound: the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation: a write would break a structural invariant
	// (second open issue for a group, second book for an issue). Never
	// retried.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrCapacityExceeded: the issue already holds the maximum number of
	// content items.
	ErrCapacityExceeded = errors.New("content limit reached")
	// ErrNotReady: the issue has no content items, so no book can be
	// produced from it.
	ErrNotReady = errors.New("issue has no content")
	// ErrInvalidTransition: the requested status change is not permitted
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownStatus: a stored status value is outside the known set.
	ErrUnknownStatus = errors.New("unknown status value")
)
