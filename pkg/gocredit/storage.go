package gocredit

import (
	"context"
	"time"
)

// Storage defines the interface for ledger persistence
// All methods use concrete types from this package to avoid import cycles
type Storage interface {
	// CreateAccount stores a new account
	// Returns ErrAccountExists if the user already has one
	CreateAccount(ctx context.Context, account *Account) error

	// GetAccount retrieves an account
	// Returns ErrAccountNotFound if the user has none
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// SetAccountStatus updates an account's status
	SetAccountStatus(ctx context.Context, userID string, status AccountStatus) error

	// DeleteAccount removes the account together with its usage records and
	// jobs (full-account erasure)
	DeleteAccount(ctx context.Context, userID string) error

	// Debit atomically decrements the balance and increments the lifetime
	// usage counter (transaction-safe). Returns the new balance.
	// Fails with ErrInsufficientCredits before any side effect when the
	// amount exceeds the balance, and with ErrAccountSuspended for suspended
	// accounts. A replay of a known idempotency key returns the balance
	// recorded by the original operation without debiting again.
	Debit(ctx context.Context, req *DebitRequest) (int, error)

	// Credit atomically increments the balance. Returns the new balance.
	// Does not touch the lifetime usage counter. Idempotency semantics
	// match Debit.
	Credit(ctx context.Context, req *CreditRequest) (int, error)

	// AppendUsage appends an immutable usage record
	AppendUsage(ctx context.Context, record *UsageRecord) error

	// ListUsage retrieves usage records for a user, newest first
	ListUsage(ctx context.Context, userID string, filter UsageFilter) ([]*UsageRecord, error)

	// CreateJob stores a new job in its initial state
	CreateJob(ctx context.Context, job *BulkJob) error

	// GetJob retrieves a job
	// Returns ErrJobNotFound if the job does not exist
	GetJob(ctx context.Context, jobID string) (*BulkJob, error)

	// ListJobs retrieves all jobs owned by a user, newest first
	ListJobs(ctx context.Context, userID string) ([]*BulkJob, error)

	// TransitionJob atomically moves a job from one of the expected states to
	// the target state and returns the updated job. Returns ErrInvalidState
	// when the current status is not in req.From, so exactly one of several
	// concurrent transition attempts can win.
	TransitionJob(ctx context.Context, req *JobTransitionRequest) (*BulkJob, error)

	// AppendItemResult atomically appends an item result and adds its credits
	// to the job's actual consumption. Only allowed while the job is
	// processing; returns ErrInvalidState otherwise.
	AppendItemResult(ctx context.Context, req *ItemResultRequest) (*BulkJob, error)

	// DeleteJob removes a job record entirely. Only allowed in a terminal
	// state; returns ErrInvalidState for pending or processing jobs.
	DeleteJob(ctx context.Context, jobID string) error

	// PutFlag sets a one-shot flag if it is not already set, returning true
	// only for the caller that set it. Used by the idempotency guard: two
	// concurrent calls for the same key see at most one true. The flag
	// expires after ttl (0 = never).
	PutFlag(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// DebitRequest represents an atomic debit
type DebitRequest struct {
	UserID            string
	Amount            int
	IdempotencyKey    string
	IdempotencyKeyTTL time.Duration
}

// CreditRequest represents an atomic credit (refund or purchase)
type CreditRequest struct {
	UserID            string
	Amount            int
	IdempotencyKey    string
	IdempotencyKeyTTL time.Duration
	Reason            string
	Metadata          map[string]string
}

// JobTransitionRequest represents a compare-and-set job transition
type JobTransitionRequest struct {
	JobID string

	// From lists the states the transition is valid from
	From []JobStatus

	// To is the target state
	To JobStatus

	// CompletedAt is set on the job for terminal targets
	CompletedAt *time.Time

	// Metadata entries are merged into the job metadata. This is the only
	// mutation allowed on a job already in a terminal state.
	Metadata map[string]string
}

// ItemResultRequest represents an item completion within a processing job
type ItemResultRequest struct {
	JobID string
	Item  JobItem
}
