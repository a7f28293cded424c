package gocredit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// reservedMetadataPrefix marks metadata keys owned by the library itself.
// Caller-supplied metadata using the prefix is rejected at the boundary.
const reservedMetadataPrefix = "gocredit:"

// Ledger owns per-user credit balances and the append-only usage log.
// Debits and credits are atomic per user; concurrent debits for the same
// user serialize so the balance never goes negative.
type Ledger struct {
	storage Storage
	config  Config
}

// NewLedger creates a new credit ledger backed by the given storage
func NewLedger(storage Storage, config Config) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	config.applyDefaults()

	return &Ledger{
		storage: storage,
		config:  config,
	}, nil
}

// CreateAccount creates an active account with an initial balance
func (l *Ledger) CreateAccount(ctx context.Context, userID, email string, initialCredits int) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if initialCredits < 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	account := &Account{
		UserID:    userID,
		Email:     email,
		Balance:   initialCredits,
		Role:      RoleUser,
		Status:    AccountStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	start := time.Now()
	err := l.storage.CreateAccount(ctx, account)
	l.config.Metrics.RecordStorageOperation("create_account", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	l.config.Logger.Info("account created",
		Field{Key: "user_id", Value: userID},
		Field{Key: "initial_credits", Value: initialCredits},
	)
	return account, nil
}

// Account retrieves an account
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	return l.storage.GetAccount(ctx, userID)
}

// Balance returns the current credit balance for a user
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	account, err := l.storage.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Debit atomically deducts credits and increments the lifetime usage counter.
// Returns the new balance. A zero amount is a successful no-op regardless of
// balance; the debit fails with ErrInsufficientCredits before any side effect
// when the amount exceeds the balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int, opts ...DebitOption) (int, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if amount == 0 {
		// No-op, but still verify the account exists
		return l.Balance(ctx, userID)
	}

	options := &DebitOptions{}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()
	newBalance, err := l.storage.Debit(ctx, &DebitRequest{
		UserID:            userID,
		Amount:            amount,
		IdempotencyKey:    options.IdempotencyKey,
		IdempotencyKeyTTL: l.config.IdempotencyKeyTTL,
	})
	l.config.Metrics.RecordStorageOperation("debit", time.Since(start), err)
	l.config.Metrics.RecordDebit(userID, "", amount, err == nil)

	if err != nil {
		l.config.Logger.Debug("debit rejected",
			Field{Key: "user_id", Value: userID},
			Field{Key: "amount", Value: amount},
			Field{Key: "error", Value: err.Error()},
		)
		return 0, err
	}
	return newBalance, nil
}

// Credit atomically adds credits to a user's balance. Used for refunds and
// purchases; always succeeds short of an unknown account. Returns the new
// balance. Does not decrement the lifetime usage counter.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int, opts ...CreditOption) (int, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if amount == 0 {
		return l.Balance(ctx, userID)
	}

	options := &CreditOptions{}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()
	newBalance, err := l.storage.Credit(ctx, &CreditRequest{
		UserID:            userID,
		Amount:            amount,
		IdempotencyKey:    options.IdempotencyKey,
		IdempotencyKeyTTL: l.config.IdempotencyKeyTTL,
		Reason:            options.Reason,
	})
	l.config.Metrics.RecordStorageOperation("credit", time.Since(start), err)
	if err != nil {
		return 0, err
	}

	l.config.Metrics.RecordCredit(userID, options.Reason, amount)
	return newBalance, nil
}

// Charge performs a chargeable action: debit first, then usage record, in
// that order. If the debit fails, no record is written. If the record write
// fails after a successful debit, the debit stands and the error wraps
// ErrUsageNotRecorded; the gap is recovered by audit, not rollback.
func (l *Ledger) Charge(ctx context.Context, req ChargeRequest) (*UsageRecord, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if req.Kind == "" {
		return nil, fmt.Errorf("action kind is required")
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	var opts []DebitOption
	if req.IdempotencyKey != "" {
		opts = append(opts, WithIdempotencyKey(req.IdempotencyKey))
	}

	// Zero-amount charges are free actions: logged but not billed
	if _, err := l.Debit(ctx, req.UserID, req.Amount, opts...); err != nil {
		return nil, err
	}

	record, err := l.Record(ctx, req.UserID, req.Kind, req.Amount, req.Metadata)
	if err != nil {
		l.config.Logger.Error("usage record failed after debit",
			Field{Key: "user_id", Value: req.UserID},
			Field{Key: "kind", Value: req.Kind},
			Field{Key: "amount", Value: req.Amount},
			Field{Key: "error", Value: err.Error()},
		)
		return nil, fmt.Errorf("%w: %v", ErrUsageNotRecorded, err)
	}

	return record, nil
}

// Record appends an immutable usage record without touching the balance.
// Callers billing an action should use Charge instead, which orders the
// debit and the record correctly.
func (l *Ledger) Record(
	ctx context.Context, userID, kind string, creditsUsed int, metadata map[string]string,
) (*UsageRecord, error) {
	if creditsUsed < 0 {
		return nil, ErrInvalidAmount
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, err
	}

	record := &UsageRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		CreditsUsed: creditsUsed,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}

	start := time.Now()
	err := l.storage.AppendUsage(ctx, record)
	l.config.Metrics.RecordStorageOperation("append_usage", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Usage retrieves usage records for a user, newest first
func (l *Ledger) Usage(ctx context.Context, userID string, filter UsageFilter) ([]*UsageRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return l.storage.ListUsage(ctx, userID, filter)
}

// SetAccountStatus suspends or reactivates an account
func (l *Ledger) SetAccountStatus(ctx context.Context, userID string, status AccountStatus) error {
	if status != AccountStatusActive && status != AccountStatusSuspended {
		return fmt.Errorf("unknown account status %q", status)
	}
	err := l.storage.SetAccountStatus(ctx, userID, status)
	if err != nil {
		return err
	}
	l.config.Logger.Info("account status changed",
		Field{Key: "user_id", Value: userID},
		Field{Key: "status", Value: string(status)},
	)
	return nil
}

// DeleteAccount erases the account, its usage records and its jobs
func (l *Ledger) DeleteAccount(ctx context.Context, userID string) error {
	err := l.storage.DeleteAccount(ctx, userID)
	if err != nil {
		return err
	}
	l.config.Logger.Info("account erased", Field{Key: "user_id", Value: userID})
	return nil
}

func validateMetadata(metadata map[string]string) error {
	for key := range metadata {
		if key == "" {
			return fmt.Errorf("metadata keys must be non-empty")
		}
		if strings.HasPrefix(key, reservedMetadataPrefix) {
			return fmt.Errorf("metadata key %q uses the reserved prefix %q", key, reservedMetadataPrefix)
		}
	}
	return nil
}
