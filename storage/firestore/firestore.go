// Package firestore provides a Firestore implementation of the
// gocredit.Storage interface. Balance mutations and job transitions run in
// Firestore transactions, which retry on contention, so the read-check-write
// sequence stays atomic.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage implements gocredit.Storage using Google Cloud Firestore
type Storage struct {
	client           *firestore.Client
	accountsCol      string
	usageCol         string
	jobsCol          string
	ledgerRecordsCol string
	flagsCol         string
	defaultRecordTTL time.Duration
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the collection for credit accounts
	// Default: "credit_accounts"
	AccountsCollection string

	// UsageCollection is the collection for usage records
	// Default: "credit_usage"
	UsageCollection string

	// JobsCollection is the collection for bulk jobs
	// Default: "credit_jobs"
	JobsCollection string

	// LedgerRecordsCollection is the collection for idempotency records
	// Default: "credit_ledger_records"
	LedgerRecordsCollection string

	// FlagsCollection is the collection for one-shot flags
	// Default: "credit_flags"
	FlagsCollection string

	// RecordTTL is the fallback TTL stamped on idempotency records. Expiry
	// enforcement is left to a Firestore TTL policy on the expiresAt field.
	// Default: 7 days
	RecordTTL time.Duration
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "credit_accounts"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "credit_usage"
	}
	if config.JobsCollection == "" {
		config.JobsCollection = "credit_jobs"
	}
	if config.LedgerRecordsCollection == "" {
		config.LedgerRecordsCollection = "credit_ledger_records"
	}
	if config.FlagsCollection == "" {
		config.FlagsCollection = "credit_flags"
	}
	if config.RecordTTL == 0 {
		config.RecordTTL = 7 * 24 * time.Hour
	}

	return &Storage{
		client:           client,
		accountsCol:      config.AccountsCollection,
		usageCol:         config.UsageCollection,
		jobsCol:          config.JobsCollection,
		ledgerRecordsCol: config.LedgerRecordsCollection,
		flagsCol:         config.FlagsCollection,
		defaultRecordTTL: config.RecordTTL,
	}, nil
}

type accountDoc struct {
	UserID       string    `firestore:"userId"`
	Email        string    `firestore:"email"`
	Balance      int       `firestore:"balance"`
	LifetimeUsed int       `firestore:"lifetimeUsed"`
	Role         string    `firestore:"role"`
	Status       string    `firestore:"status"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

type usageDoc struct {
	UserID      string            `firestore:"userId"`
	Kind        string            `firestore:"kind"`
	CreditsUsed int               `firestore:"creditsUsed"`
	Metadata    map[string]string `firestore:"metadata,omitempty"`
	CreatedAt   time.Time         `firestore:"createdAt"`
}

type jobItemDoc struct {
	Index       int       `firestore:"index"`
	Kind        string    `firestore:"kind"`
	CreditsUsed int       `firestore:"creditsUsed"`
	Succeeded   bool      `firestore:"succeeded"`
	Error       string    `firestore:"error,omitempty"`
	CompletedAt time.Time `firestore:"completedAt"`
}

type jobDoc struct {
	UserID           string            `firestore:"userId"`
	Status           string            `firestore:"status"`
	EstimatedCredits int               `firestore:"estimatedCredits"`
	ActualCredits    int               `firestore:"actualCredits"`
	Items            []jobItemDoc      `firestore:"items"`
	Metadata         map[string]string `firestore:"metadata,omitempty"`
	CreatedAt        time.Time         `firestore:"createdAt"`
	UpdatedAt        time.Time         `firestore:"updatedAt"`
	CompletedAt      *time.Time        `firestore:"completedAt,omitempty"`
}

type ledgerRecordDoc struct {
	UserID    string     `firestore:"userId"`
	Op        string     `firestore:"op"`
	Balance   int        `firestore:"balance"`
	ExpiresAt *time.Time `firestore:"expiresAt,omitempty"`
}

type flagDoc struct {
	ExpiresAt *time.Time `firestore:"expiresAt,omitempty"`
}

// CreateAccount implements gocredit.Storage
func (s *Storage) CreateAccount(ctx context.Context, account *gocredit.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	_, err := s.accountRef(account.UserID).Create(ctx, accountToDoc(account))
	if status.Code(err) == codes.AlreadyExists {
		return gocredit.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount implements gocredit.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*gocredit.Account, error) {
	snap, err := s.accountRef(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, gocredit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var doc accountDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return docToAccount(userID, &doc), nil
}

// SetAccountStatus implements gocredit.Storage
func (s *Storage) SetAccountStatus(ctx context.Context, userID string, newStatus gocredit.AccountStatus) error {
	_, err := s.accountRef(userID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(newStatus)},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return gocredit.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// DeleteAccount implements gocredit.Storage (full-account erasure)
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	snap, err := s.accountRef(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return gocredit.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}
	if _, err := snap.Ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	for _, col := range []string{s.usageCol, s.jobsCol, s.ledgerRecordsCol} {
		if err := s.deleteByUser(ctx, col, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) deleteByUser(ctx context.Context, collection, userID string) error {
	iter := s.client.Collection(collection).Where("userId", "==", userID).Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to iterate %s: %w", collection, err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete %s document: %w", collection, err)
		}
	}
}

// Debit implements gocredit.Storage in a Firestore transaction
func (s *Storage) Debit(ctx context.Context, req *gocredit.DebitRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	var newBalance int
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if req.IdempotencyKey != "" {
			recorded, found, err := s.getLedgerRecord(tx, req.UserID, "debit", req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				newBalance = recorded
				return nil
			}
		}

		account, err := s.getAccountTx(tx, req.UserID)
		if err != nil {
			return err
		}
		if gocredit.AccountStatus(account.Status) == gocredit.AccountStatusSuspended {
			return gocredit.ErrAccountSuspended
		}
		if req.Amount > account.Balance {
			return gocredit.ErrInsufficientCredits
		}

		newBalance = account.Balance - req.Amount
		if err := tx.Update(s.accountRef(req.UserID), []firestore.Update{
			{Path: "balance", Value: newBalance},
			{Path: "lifetimeUsed", Value: account.LifetimeUsed + req.Amount},
			{Path: "updatedAt", Value: time.Now().UTC()},
		}); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		if req.IdempotencyKey != "" {
			return s.putLedgerRecord(tx, req.UserID, "debit", req.IdempotencyKey,
				newBalance, req.IdempotencyKeyTTL)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Credit implements gocredit.Storage in a Firestore transaction
func (s *Storage) Credit(ctx context.Context, req *gocredit.CreditRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	var newBalance int
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if req.IdempotencyKey != "" {
			recorded, found, err := s.getLedgerRecord(tx, req.UserID, "credit", req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				newBalance = recorded
				return nil
			}
		}

		account, err := s.getAccountTx(tx, req.UserID)
		if err != nil {
			return err
		}

		newBalance = account.Balance + req.Amount
		if err := tx.Update(s.accountRef(req.UserID), []firestore.Update{
			{Path: "balance", Value: newBalance},
			{Path: "updatedAt", Value: time.Now().UTC()},
		}); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		if req.IdempotencyKey != "" {
			return s.putLedgerRecord(tx, req.UserID, "credit", req.IdempotencyKey,
				newBalance, req.IdempotencyKeyTTL)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// AppendUsage implements gocredit.Storage
func (s *Storage) AppendUsage(ctx context.Context, record *gocredit.UsageRecord) error {
	if record == nil || record.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	_, err := s.client.Collection(s.usageCol).Doc(record.ID).Create(ctx, usageDoc{
		UserID:      record.UserID,
		Kind:        record.Kind,
		CreditsUsed: record.CreditsUsed,
		Metadata:    record.Metadata,
		CreatedAt:   record.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// ListUsage implements gocredit.Storage
func (s *Storage) ListUsage(
	ctx context.Context, userID string, filter gocredit.UsageFilter,
) ([]*gocredit.UsageRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.usageCol).Where("userId", "==", userID)
	if filter.Kind != "" {
		query = query.Where("kind", "==", filter.Kind)
	}
	if filter.Since != nil {
		query = query.Where("createdAt", ">=", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("createdAt", "<", *filter.Until)
	}
	query = query.OrderBy("createdAt", firestore.Desc).Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*gocredit.UsageRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list usage records: %w", err)
		}

		var doc usageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		out = append(out, &gocredit.UsageRecord{
			ID:          snap.Ref.ID,
			UserID:      doc.UserID,
			Kind:        doc.Kind,
			CreditsUsed: doc.CreditsUsed,
			Metadata:    doc.Metadata,
			CreatedAt:   doc.CreatedAt,
		})
	}
}

// CreateJob implements gocredit.Storage
func (s *Storage) CreateJob(ctx context.Context, job *gocredit.BulkJob) error {
	if job == nil || job.ID == "" || job.UserID == "" {
		return fmt.Errorf("invalid job")
	}

	_, err := s.jobRef(job.ID).Create(ctx, jobToDoc(job))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob implements gocredit.Storage
func (s *Storage) GetJob(ctx context.Context, jobID string) (*gocredit.BulkJob, error) {
	snap, err := s.jobRef(jobID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, gocredit.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return snapToJob(snap)
}

// ListJobs implements gocredit.Storage
func (s *Storage) ListJobs(ctx context.Context, userID string) ([]*gocredit.BulkJob, error) {
	iter := s.client.Collection(s.jobsCol).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var out []*gocredit.BulkJob
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		job, err := snapToJob(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
}

// TransitionJob implements gocredit.Storage in a Firestore transaction
func (s *Storage) TransitionJob(
	ctx context.Context, req *gocredit.JobTransitionRequest,
) (*gocredit.BulkJob, error) {
	var updated *gocredit.BulkJob

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.jobRef(req.JobID))
		if status.Code(err) == codes.NotFound {
			return gocredit.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		job, err := snapToJob(snap)
		if err != nil {
			return err
		}

		allowed := false
		for _, from := range req.From {
			if job.Status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return gocredit.ErrInvalidState
		}

		job.Status = req.To
		job.UpdatedAt = time.Now().UTC()
		if req.CompletedAt != nil && job.CompletedAt == nil {
			job.CompletedAt = req.CompletedAt
		}
		if len(req.Metadata) > 0 {
			if job.Metadata == nil {
				job.Metadata = make(map[string]string, len(req.Metadata))
			}
			for k, v := range req.Metadata {
				job.Metadata[k] = v
			}
		}

		if err := tx.Set(s.jobRef(req.JobID), jobToDoc(job)); err != nil {
			return fmt.Errorf("failed to transition job: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendItemResult implements gocredit.Storage in a Firestore transaction
func (s *Storage) AppendItemResult(
	ctx context.Context, req *gocredit.ItemResultRequest,
) (*gocredit.BulkJob, error) {
	var updated *gocredit.BulkJob

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.jobRef(req.JobID))
		if status.Code(err) == codes.NotFound {
			return gocredit.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		job, err := snapToJob(snap)
		if err != nil {
			return err
		}
		if job.Status != gocredit.JobStatusProcessing {
			return gocredit.ErrInvalidState
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

		if err := tx.Set(s.jobRef(req.JobID), jobToDoc(job)); err != nil {
			return fmt.Errorf("failed to append item result: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteJob implements gocredit.Storage
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.jobRef(jobID))
		if status.Code(err) == codes.NotFound {
			return gocredit.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		job, err := snapToJob(snap)
		if err != nil {
			return err
		}
		if !job.Status.Terminal() {
			return gocredit.ErrInvalidState
		}
		return tx.Delete(s.jobRef(jobID))
	})
}

// PutFlag implements gocredit.Storage in a Firestore transaction
func (s *Storage) PutFlag(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired := false
	ref := s.client.Collection(s.flagsCol).Doc(key)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get flag: %w", err)
		}

		if err == nil && snap.Exists() {
			var doc flagDoc
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("failed to decode flag: %w", err)
			}
			// A live flag means someone else already won
			if doc.ExpiresAt == nil || doc.ExpiresAt.After(time.Now()) {
				acquired = false
				return nil
			}
		}

		var expiresAt *time.Time
		if ttl > 0 {
			t := time.Now().UTC().Add(ttl)
			expiresAt = &t
		}
		if err := tx.Set(ref, flagDoc{ExpiresAt: expiresAt}); err != nil {
			return fmt.Errorf("failed to set flag: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *Storage) accountRef(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCol).Doc(userID)
}

func (s *Storage) jobRef(jobID string) *firestore.DocumentRef {
	return s.client.Collection(s.jobsCol).Doc(jobID)
}

func (s *Storage) ledgerRecordRef(userID, op, key string) *firestore.DocumentRef {
	return s.client.Collection(s.ledgerRecordsCol).Doc(userID + ":" + op + ":" + key)
}

func (s *Storage) getAccountTx(tx *firestore.Transaction, userID string) (*accountDoc, error) {
	snap, err := tx.Get(s.accountRef(userID))
	if status.Code(err) == codes.NotFound {
		return nil, gocredit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var doc accountDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &doc, nil
}

func (s *Storage) getLedgerRecord(
	tx *firestore.Transaction, userID, op, key string,
) (int, bool, error) {
	snap, err := tx.Get(s.ledgerRecordRef(userID, op, key))
	if status.Code(err) == codes.NotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to check idempotency: %w", err)
	}

	var doc ledgerRecordDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, false, fmt.Errorf("failed to decode ledger record: %w", err)
	}
	return doc.Balance, true, nil
}

func (s *Storage) putLedgerRecord(
	tx *firestore.Transaction, userID, op, key string, balance int, ttl time.Duration,
) error {
	if ttl <= 0 {
		ttl = s.defaultRecordTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	err := tx.Set(s.ledgerRecordRef(userID, op, key), ledgerRecordDoc{
		UserID:    userID,
		Op:        op,
		Balance:   balance,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record ledger operation: %w", err)
	}
	return nil
}

func accountToDoc(account *gocredit.Account) accountDoc {
	return accountDoc{
		UserID:       account.UserID,
		Email:        account.Email,
		Balance:      account.Balance,
		LifetimeUsed: account.LifetimeUsed,
		Role:         string(account.Role),
		Status:       string(account.Status),
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
}

func docToAccount(userID string, doc *accountDoc) *gocredit.Account {
	return &gocredit.Account{
		UserID:       userID,
		Email:        doc.Email,
		Balance:      doc.Balance,
		LifetimeUsed: doc.LifetimeUsed,
		Role:         gocredit.Role(doc.Role),
		Status:       gocredit.AccountStatus(doc.Status),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func jobToDoc(job *gocredit.BulkJob) jobDoc {
	items := make([]jobItemDoc, len(job.Items))
	for i, item := range job.Items {
		items[i] = jobItemDoc{
			Index:       item.Index,
			Kind:        item.Kind,
			CreditsUsed: item.CreditsUsed,
			Succeeded:   item.Succeeded,
			Error:       item.Error,
			CompletedAt: item.CompletedAt,
		}
	}
	return jobDoc{
		UserID:           job.UserID,
		Status:           string(job.Status),
		EstimatedCredits: job.EstimatedCredits,
		ActualCredits:    job.ActualCredits,
		Items:            items,
		Metadata:         job.Metadata,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
	}
}

func snapToJob(snap *firestore.DocumentSnapshot) (*gocredit.BulkJob, error) {
	var doc jobDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}

	items := make([]gocredit.JobItem, len(doc.Items))
	for i, item := range doc.Items {
		items[i] = gocredit.JobItem{
			Index:       item.Index,
			Kind:        item.Kind,
			CreditsUsed: item.CreditsUsed,
			Succeeded:   item.Succeeded,
			Error:       item.Error,
			CompletedAt: item.CompletedAt,
		}
	}
	return &gocredit.BulkJob{
		ID:               snap.Ref.ID,
		UserID:           doc.UserID,
		Status:           gocredit.JobStatus(doc.Status),
		EstimatedCredits: doc.EstimatedCredits,
		ActualCredits:    doc.ActualCredits,
		Items:            items,
		Metadata:         doc.Metadata,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		CompletedAt:      doc.CompletedAt,
	}, nil
}
