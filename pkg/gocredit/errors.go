package gocredit

import "errors"

var (
	// ErrInsufficientCredits is returned when a debit exceeds the available balance
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrRateLimitExceeded is returned when a client exceeds its request window
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidState is returned for a disallowed job transition or deletion
	ErrInvalidState = errors.New("invalid job state")

	// ErrAccountNotFound is returned when the user has no account
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account that already exists
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountSuspended is returned when debiting a suspended account
	ErrAccountSuspended = errors.New("account suspended")

	// ErrJobNotFound is returned when a job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrForbidden is returned when acting on another user's job
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUsageNotRecorded is returned when the usage record write fails after a
	// successful debit. The debit stands; the gap is recovered by audit, not rollback.
	ErrUsageNotRecorded = errors.New("usage not recorded")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAbortJob signals from an ItemFunc that the whole job must fail,
	// as opposed to recording an item-level failure and continuing.
	ErrAbortJob = errors.New("abort job")
)
