package gocredit

import (
	"time"
)

// AccountStatus defines the lifecycle state of an account
type AccountStatus string

const (
	// AccountStatusActive means the account can be debited and credited
	AccountStatusActive AccountStatus = "active"
	// AccountStatusSuspended blocks debits; credits are still accepted
	AccountStatusSuspended AccountStatus = "suspended"
)

// Role defines the account role
type Role string

const (
	// RoleUser is a regular platform user
	RoleUser Role = "user"
	// RoleAdmin is a back-office administrator
	RoleAdmin Role = "admin"
)

// Account holds a user's credit balance and lifetime usage counter.
// Balance never goes negative; all mutation goes through Storage.Debit
// and Storage.Credit, never direct assignment.
type Account struct {
	UserID       string
	Email        string
	Balance      int
	LifetimeUsed int
	Role         Role
	Status       AccountStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UsageRecord is an immutable record of a billable action.
// Records are created once and never mutated; they are deleted only as
// part of full-account erasure.
type UsageRecord struct {
	ID          string
	UserID      string
	Kind        string
	CreditsUsed int
	Metadata    map[string]string
	CreatedAt   time.Time
}

// UsageFilter filters usage record queries
type UsageFilter struct {
	// Kind filters by action kind (optional)
	Kind string

	// Since filters records created at or after this time (optional)
	Since *time.Time

	// Until filters records created before this time (optional)
	Until *time.Time

	// Limit caps the number of results (default: 100)
	Limit int
}

// JobStatus defines the state of a bulk job
type JobStatus string

const (
	// JobStatusPending is the initial state
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing means work has started
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted means all items resolved
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed means an unrecoverable error aborted the job
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled means the owner cancelled the job
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of the status
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobItem is a single unit of work within a bulk job.
// Item-level failure is tracked here; it does not fail the job.
type JobItem struct {
	Index       int
	Kind        string
	CreditsUsed int
	Succeeded   bool
	Error       string
	CompletedAt time.Time
}

// BulkJob is a user-initiated batch of billable actions tracked as one unit.
// EstimatedCredits is debited at creation; ActualCredits accumulates as items
// complete; the difference is reconciled at the terminal transition.
type BulkJob struct {
	ID               string
	UserID           string
	Status           JobStatus
	EstimatedCredits int
	ActualCredits    int
	Items            []JobItem
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

/// ChargeRequest describes a single chargeable action: a debit followed by a
// usage record, treated as one ordered operation by Ledger.Charge.
type ChargeRequest struct {
	UserID         string
	Kind           string
	Amount         int
	Metadata       map[string]string
	IdempotencyKey string
}

// Config holds ledger and job service configuration
type Config struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics

	// IdempotencyKeyTTL is the TTL for idempotency records (default: 24 hours)
	IdempotencyKeyTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.IdempotencyKeyTTL == 0 {
		c.IdempotencyKeyTTL = 24 * time.Hour
	}
}

// DebitOption represents an option for the Debit operation
type DebitOption func(*DebitOptions)

// DebitOptions holds options for the Debit operation
type DebitOptions struct {
	IdempotencyKey string
}

// WithIdempotencyKey sets the idempotency key for a debit operation
func WithIdempotencyKey(key string) DebitOption {
	return func(opts *DebitOptions) {
		opts.IdempotencyKey = key
	}
}

// CreditOption represents an option for the Credit operation
type CreditOption func(*CreditOptions)

// CreditOptions holds options for the Credit operation
type CreditOptions struct {
	IdempotencyKey string
	Reason         string
}

// WithCreditIdempotencyKey sets the idempotency key for a credit operation
func WithCreditIdempotencyKey(key string) CreditOption {
	return func(opts *CreditOptions) {
		opts.IdempotencyKey = key
	}
}

// WithCreditReason annotates a credit (e.g. "refund", "purchase") for auditing
func WithCreditReason(reason string) CreditOption {
	return func(opts *CreditOptions) {
		opts.Reason = reason
	}
}
