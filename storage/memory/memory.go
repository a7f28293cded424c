// Package memory provides an in-memory implementation of the gocredit.Storage
// interface. This implementation is primarily intended for testing and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage implements gocredit.Storage using in-memory maps
type Storage struct {
	mu       sync.Mutex
	accounts map[string]*gocredit.Account
	usage    map[string][]*gocredit.UsageRecord
	jobs     map[string]*gocredit.BulkJob
	ledger   map[string]ledgerRecord // idempotency key -> recorded balance
	flags    map[string]time.Time    // one-shot flag -> expiry (zero = never)
}

type ledgerRecord struct {
	balance   int
	expiresAt time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*gocredit.Account),
		usage:    make(map[string][]*gocredit.UsageRecord),
		jobs:     make(map[string]*gocredit.BulkJob),
		ledger:   make(map[string]ledgerRecord),
		flags:    make(map[string]time.Time),
	}
}

// CreateAccount implements gocredit.Storage
func (s *Storage) CreateAccount(ctx context.Context, account *gocredit.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.UserID]; ok {
		return gocredit.ErrAccountExists
	}

	copied := *account
	s.accounts[account.UserID] = &copied
	return nil
}

// GetAccount implements gocredit.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*gocredit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, gocredit.ErrAccountNotFound
	}

	// Return a copy to prevent external mutations
	copied := *account
	return &copied, nil
}

// SetAccountStatus implements gocredit.Storage
func (s *Storage) SetAccountStatus(ctx context.Context, userID string, status gocredit.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return gocredit.ErrAccountNotFound
	}

	account.Status = status
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteAccount implements gocredit.Storage (full-account erasure)
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return gocredit.ErrAccountNotFound
	}

	delete(s.accounts, userID)
	delete(s.usage, userID)
	for id, job := range s.jobs {
		if job.UserID == userID {
			delete(s.jobs, id)
		}
	}
	return nil
}

// Debit implements gocredit.Storage with transaction-safe deduction.
// The whole operation runs under one lock, so concurrent debits for the same
// user serialize and the balance can never go negative.
func (s *Storage) Debit(ctx context.Context, req *gocredit.DebitRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if rec, ok := s.lookupLedgerRecord("debit:" + req.UserID + ":" + req.IdempotencyKey); ok {
			return rec.balance, nil
		}
	}

	account, ok := s.accounts[req.UserID]
	if !ok {
		return 0, gocredit.ErrAccountNotFound
	}
	if account.Status == gocredit.AccountStatusSuspended {
		return 0, gocredit.ErrAccountSuspended
	}
	if req.Amount > account.Balance {
		return account.Balance, gocredit.ErrInsufficientCredits
	}

	account.Balance -= req.Amount
	account.LifetimeUsed += req.Amount
	account.UpdatedAt = time.Now().UTC()

	if req.IdempotencyKey != "" {
		s.storeLedgerRecord("debit:"+req.UserID+":"+req.IdempotencyKey, account.Balance, req.IdempotencyKeyTTL)
	}

	return account.Balance, nil
}

// Credit implements gocredit.Storage
func (s *Storage) Credit(ctx context.Context, req *gocredit.CreditRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if rec, ok := s.lookupLedgerRecord("credit:" + req.UserID + ":" + req.IdempotencyKey); ok {
			return rec.balance, nil
		}
	}

	account, ok := s.accounts[req.UserID]
	if !ok {
		return 0, gocredit.ErrAccountNotFound
	}

	account.Balance += req.Amount
	account.UpdatedAt = time.Now().UTC()

	if req.IdempotencyKey != "" {
		s.storeLedgerRecord("credit:"+req.UserID+":"+req.IdempotencyKey, account.Balance, req.IdempotencyKeyTTL)
	}

	return account.Balance, nil
}

// AppendUsage implements gocredit.Storage
func (s *Storage) AppendUsage(ctx context.Context, record *gocredit.UsageRecord) error {
	if record == nil || record.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.usage[record.UserID] = append(s.usage[record.UserID], &copied)
	return nil
}

// ListUsage implements gocredit.Storage
func (s *Storage) ListUsage(
	ctx context.Context, userID string, filter gocredit.UsageFilter,
) ([]*gocredit.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	records := s.usage[userID]
	out := make([]*gocredit.UsageRecord, 0, len(records))
	// Newest first
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !r.CreatedAt.Before(*filter.Until) {
			continue
		}
		copied := *r
		out = append(out, &copied)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CreateJob implements gocredit.Storage
func (s *Storage) CreateJob(ctx context.Context, job *gocredit.BulkJob) error {
	if job == nil || job.ID == "" || job.UserID == "" {
		return fmt.Errorf("invalid job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob implements gocredit.Storage
func (s *Storage) GetJob(ctx context.Context, jobID string) (*gocredit.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, gocredit.ErrJobNotFound
	}
	return copyJob(job), nil
}

// ListJobs implements gocredit.Storage
func (s *Storage) ListJobs(ctx context.Context, userID string) ([]*gocredit.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*gocredit.BulkJob
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// TransitionJob implements gocredit.Storage with compare-and-set semantics
func (s *Storage) TransitionJob(
	ctx context.Context, req *gocredit.JobTransitionRequest,
) (*gocredit.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[req.JobID]
	if !ok {
		return nil, gocredit.ErrJobNotFound
	}

	allowed := false
	for _, from := range req.From {
		if job.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, gocredit.ErrInvalidState
	}

	job.Status = req.To
	job.UpdatedAt = time.Now().UTC()
	if req.CompletedAt != nil && job.CompletedAt == nil && req.To.Terminal() {
		t := *req.CompletedAt
		job.CompletedAt = &t
	}
	if len(req.Metadata) > 0 {
		if job.Metadata == nil {
			job.Metadata = make(map[string]string, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			job.Metadata[k] = v
		}
	}

	return copyJob(job), nil
}

// AppendItemResult implements gocredit.Storage
func (s *Storage) AppendItemResult(
	ctx context.Context, req *gocredit.ItemResultRequest,
) (*gocredit.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[req.JobID]
	if !ok {
		return nil, gocredit.ErrJobNotFound
	}
	if job.Status != gocredit.JobStatusProcessing {
		return nil, gocredit.ErrInvalidState
	}

	item := req.Item
	if item.Index >= 0 && item.Index < len(job.Items) {
		job.Items[item.Index] = item
	} else {
		item.Index = len(job.Items)
		job.Items = append(job.Items, item)
	}
	job.ActualCredits += item.CreditsUsed
	job.UpdatedAt = time.Now().UTC()

	return copyJob(job), nil
}

// DeleteJob implements gocredit.Storage. Only terminal jobs can be deleted.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return gocredit.ErrJobNotFound
	}
	if !job.Status.Terminal() {
		return gocredit.ErrInvalidState
	}

	delete(s.jobs, jobID)
	return nil
}

// PutFlag implements gocredit.Storage. The check and the set happen under one
// lock, so at most one concurrent caller acquires the flag.
func (s *Storage) PutFlag(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.flags[key]; ok {
		if expiry.IsZero() || now.Before(expiry) {
			return false, nil
		}
		// Expired flag: the action is eligible again
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}
	s.flags[key] = expiry
	return true, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*gocredit.Account)
	s.usage = make(map[string][]*gocredit.UsageRecord)
	s.jobs = make(map[string]*gocredit.BulkJob)
	s.ledger = make(map[string]ledgerRecord)
	s.flags = make(map[string]time.Time)
}

// lookupLedgerRecord returns a recorded idempotent result if it has not
// expired. Caller must hold s.mu.
func (s *Storage) lookupLedgerRecord(key string) (ledgerRecord, bool) {
	rec, ok := s.ledger[key]
	if !ok {
		return ledgerRecord{}, false
	}
	if !rec.expiresAt.IsZero() && !time.Now().UTC().Before(rec.expiresAt) {
		delete(s.ledger, key)
		return ledgerRecord{}, false
	}
	return rec, true
}

// storeLedgerRecord records an idempotent result. Caller must hold s.mu.
func (s *Storage) storeLedgerRecord(key string, balance int, ttl time.Duration) {
	rec := ledgerRecord{balance: balance}
	if ttl > 0 {
		rec.expiresAt = time.Now().UTC().Add(ttl)
	}
	s.ledger[key] = rec
}

func copyJob(job *gocredit.BulkJob) *gocredit.BulkJob {
	copied := *job
	copied.Items = append([]gocredit.JobItem(nil), job.Items...)
	if job.Metadata != nil {
		copied.Metadata = make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			copied.Metadata[k] = v
		}
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}
