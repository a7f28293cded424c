// Package postgres provides a PostgreSQL implementation of the
// gocredit.Storage interface. Balance mutations use SQL transactions with
// SELECT FOR UPDATE so concurrent debits for the same user serialize on the
// account row and the balance can never go negative.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage implements gocredit.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired idempotency records and flags are purged
	RecordTTL       time.Duration // Fallback TTL for idempotency records
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		RecordTTL:       7 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Schema is the DDL required by this adapter. Apply it with EnsureSchema or
// through your own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id       TEXT PRIMARY KEY,
	email         TEXT NOT NULL DEFAULT '',
	balance       BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	lifetime_used BIGINT NOT NULL DEFAULT 0,
	role          TEXT NOT NULL DEFAULT 'user',
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_records (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	credits_used BIGINT NOT NULL CHECK (credits_used >= 0),
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_records_user_created
	ON usage_records (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS bulk_jobs (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	status            TEXT NOT NULL,
	estimated_credits BIGINT NOT NULL,
	actual_credits    BIGINT NOT NULL DEFAULT 0,
	items             JSONB NOT NULL DEFAULT '[]',
	metadata          JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_bulk_jobs_user_created
	ON bulk_jobs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS ledger_records (
	user_id    TEXT NOT NULL,
	op         TEXT NOT NULL,
	idem_key   TEXT NOT NULL,
	balance    BIGINT NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, op, idem_key)
);

CREATE TABLE IF NOT EXISTS one_shot_flags (
	key        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ
);
`

// EnsureSchema creates the tables this adapter needs if they do not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateAccount implements gocredit.Storage
func (s *Storage) CreateAccount(ctx context.Context, account *gocredit.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, email, balance, lifetime_used, role, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO NOTHING`,
		account.UserID, account.Email, account.Balance, account.LifetimeUsed,
		string(account.Role), string(account.Status), account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocredit.ErrAccountExists
	}
	return nil
}

// GetAccount implements gocredit.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*gocredit.Account, error) {
	var account gocredit.Account
	var role, status string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, email, balance, lifetime_used, role, status, created_at, updated_at
			FROM accounts WHERE user_id = $1`,
		userID).Scan(
		&account.UserID,
		&account.Email,
		&account.Balance,
		&account.LifetimeUsed,
		&role,
		&status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, gocredit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account.Role = gocredit.Role(role)
	account.Status = gocredit.AccountStatus(status)
	return &account, nil
}

// SetAccountStatus implements gocredit.Storage
func (s *Storage) SetAccountStatus(ctx context.Context, userID string, status gocredit.AccountStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET status = $1, updated_at = NOW() WHERE user_id = $2`,
		string(status), userID)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocredit.ErrAccountNotFound
	}
	return nil
}

// DeleteAccount implements gocredit.Storage (full-account erasure)
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM accounts WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocredit.ErrAccountNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM usage_records WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete usage records: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM bulk_jobs WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM ledger_records WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete ledger records: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Debit implements gocredit.Storage with a row-level lock on the account
func (s *Storage) Debit(ctx context.Context, req *gocredit.DebitRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Idempotent replay returns the balance recorded by the original debit
	if req.IdempotencyKey != "" {
		var recorded int64
		err := tx.QueryRow(ctx,
			`SELECT balance FROM ledger_records
				WHERE user_id = $1 AND op = 'debit' AND idem_key = $2
				FOR UPDATE`,
			req.UserID, req.IdempotencyKey).Scan(&recorded)
		if err == nil {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return 0, fmt.Errorf("failed to commit: %w", commitErr)
			}
			return int(recorded), nil
		}
		if err != pgx.ErrNoRows {
			return 0, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	var balance, lifetimeUsed int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT balance, lifetime_used, status FROM accounts
			WHERE user_id = $1
			FOR UPDATE`,
		req.UserID).Scan(&balance, &lifetimeUsed, &status)
	if err == pgx.ErrNoRows {
		return 0, gocredit.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock account: %w", err)
	}

	if gocredit.AccountStatus(status) == gocredit.AccountStatusSuspended {
		return 0, gocredit.ErrAccountSuspended
	}
	if int64(req.Amount) > balance {
		return int(balance), gocredit.ErrInsufficientCredits
	}

	newBalance := balance - int64(req.Amount)
	_, err = tx.Exec(ctx,
		`UPDATE accounts
			SET balance = $1, lifetime_used = lifetime_used + $2, updated_at = NOW()
			WHERE user_id = $3`,
		newBalance, req.Amount, req.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := s.insertLedgerRecord(ctx, tx, req.UserID, "debit", req.IdempotencyKey, newBalance, req.IdempotencyKeyTTL); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return int(newBalance), nil
}

// Credit implements gocredit.Storage
func (s *Storage) Credit(ctx context.Context, req *gocredit.CreditRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if req.IdempotencyKey != "" {
		var recorded int64
		err := tx.QueryRow(ctx,
			`SELECT balance FROM ledger_records
				WHERE user_id = $1 AND op = 'credit' AND idem_key = $2
				FOR UPDATE`,
			req.UserID, req.IdempotencyKey).Scan(&recorded)
		if err == nil {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return 0, fmt.Errorf("failed to commit: %w", commitErr)
			}
			return int(recorded), nil
		}
		if err != pgx.ErrNoRows {
			return 0, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = NOW()
			WHERE user_id = $2
			RETURNING balance`,
		req.Amount, req.UserID).Scan(&newBalance)
	if err == pgx.ErrNoRows {
		return 0, gocredit.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := s.insertLedgerRecord(ctx, tx, req.UserID, "credit", req.IdempotencyKey, newBalance, req.IdempotencyKeyTTL); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return int(newBalance), nil
}

func (s *Storage) insertLedgerRecord(
	ctx context.Context, tx pgx.Tx, userID, op, key string, balance int64, ttl time.Duration,
) error {
	if ttl <= 0 {
		ttl = s.config.RecordTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_records (user_id, op, idem_key, balance, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, op, idem_key) DO NOTHING`,
		userID, op, key, balance, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to record ledger operation: %w", err)
	}
	return nil
}

// AppendUsage implements gocredit.Storage
func (s *Storage) AppendUsage(ctx context.Context, record *gocredit.UsageRecord) error {
	if record == nil || record.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	metadata, err := marshalMetadata(record.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, user_id, kind, credits_used, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.UserID, record.Kind, record.CreditsUsed, metadata, record.CreatedAt)
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

	query := `SELECT id, user_id, kind, credits_used, metadata, created_at
		FROM usage_records WHERE user_id = $1`
	args := []interface{}{userID}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var out []*gocredit.UsageRecord
	for rows.Next() {
		var record gocredit.UsageRecord
		var metadata []byte
		if err := rows.Scan(&record.ID, &record.UserID, &record.Kind,
			&record.CreditsUsed, &metadata, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if record.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

// CreateJob implements gocredit.Storage
func (s *Storage) CreateJob(ctx context.Context, job *gocredit.BulkJob) error {
	if job == nil || job.ID == "" || job.UserID == "" {
		return fmt.Errorf("invalid job")
	}

	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal job items: %w", err)
	}
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO bulk_jobs
			(id, user_id, status, estimated_credits, actual_credits, items, metadata, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.UserID, string(job.Status), job.EstimatedCredits, job.ActualCredits,
		items, metadata, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob implements gocredit.Storage
func (s *Storage) GetJob(ctx context.Context, jobID string) (*gocredit.BulkJob, error) {
	return s.scanJob(ctx, s.pool.QueryRow(ctx,
		`SELECT id, user_id, status, estimated_credits, actual_credits, items, metadata, created_at, updated_at, completed_at
			FROM bulk_jobs WHERE id = $1`,
		jobID))
}

// ListJobs implements gocredit.Storage
func (s *Storage) ListJobs(ctx context.Context, userID string) ([]*gocredit.BulkJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, status, estimated_credits, actual_credits, items, metadata, created_at, updated_at, completed_at
			FROM bulk_jobs WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*gocredit.BulkJob
	for rows.Next() {
		job, err := s.scanJob(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// TransitionJob implements gocredit.Storage with a row-level lock on the job
func (s *Storage) TransitionJob(
	ctx context.Context, req *gocredit.JobTransitionRequest,
) (*gocredit.BulkJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM bulk_jobs WHERE id = $1 FOR UPDATE`,
		req.JobID).Scan(&status)
	if err == pgx.ErrNoRows {
		return nil, gocredit.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	allowed := false
	for _, from := range req.From {
		if gocredit.JobStatus(status) == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, gocredit.ErrInvalidState
	}

	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE bulk_jobs
			SET status = $1,
				updated_at = NOW(),
				completed_at = COALESCE(completed_at, $2),
				metadata = CASE WHEN $3::jsonb IS NULL THEN metadata
					ELSE COALESCE(metadata, '{}'::jsonb) || $3::jsonb END
			WHERE id = $4`,
		string(req.To), req.CompletedAt, metadata, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	job, err := s.scanJob(ctx, tx.QueryRow(ctx,
		`SELECT id, user_id, status, estimated_credits, actual_credits, items, metadata, created_at, updated_at, completed_at
			FROM bulk_jobs WHERE id = $1`,
		req.JobID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return job, nil
}

// AppendItemResult implements gocredit.Storage
func (s *Storage) AppendItemResult(
	ctx context.Context, req *gocredit.ItemResultRequest,
) (*gocredit.BulkJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var status string
	var itemsRaw []byte
	err = tx.QueryRow(ctx,
		`SELECT status, items FROM bulk_jobs WHERE id = $1 FOR UPDATE`,
		req.JobID).Scan(&status, &itemsRaw)
	if err == pgx.ErrNoRows {
		return nil, gocredit.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	if gocredit.JobStatus(status) != gocredit.JobStatusProcessing {
		return nil, gocredit.ErrInvalidState
	}

	var items []gocredit.JobItem
	if len(itemsRaw) > 0 {
		if err := json.Unmarshal(itemsRaw, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job items: %w", err)
		}
	}

	item := req.Item
	if item.Index >= 0 && item.Index < len(items) {
		items[item.Index] = item
	} else {
		item.Index = len(items)
		items = append(items, item)
	}

	updated, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job items: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE bulk_jobs
			SET items = $1, actual_credits = actual_credits + $2, updated_at = NOW()
			WHERE id = $3`,
		updated, item.CreditsUsed, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to append item result: %w", err)
	}

	job, err := s.scanJob(ctx, tx.QueryRow(ctx,
		`SELECT id, user_id, status, estimated_credits, actual_credits, items, metadata, created_at, updated_at, completed_at
			FROM bulk_jobs WHERE id = $1`,
		req.JobID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return job, nil
}

// DeleteJob implements gocredit.Storage. The status check and the delete run
// in one statement so a job cannot slip back to a live state in between.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM bulk_jobs
			WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')`,
		jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM bulk_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check job: %w", err)
		}
		if exists {
			return gocredit.ErrInvalidState
		}
		return gocredit.ErrJobNotFound
	}
	return nil
}

// PutFlag implements gocredit.Storage. The insert either creates the flag or
// takes over an expired one; exactly one concurrent caller sees a row change.
func (s *Storage) PutFlag(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO one_shot_flags (key, expires_at)
			VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE one_shot_flags.expires_at IS NOT NULL AND one_shot_flags.expires_at <= NOW()`,
		key, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to put flag: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cleanup removes expired idempotency records and flags immediately
func (s *Storage) Cleanup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM ledger_records WHERE expires_at IS NOT NULL AND expires_at <= NOW()`); err != nil {
		return fmt.Errorf("failed to clean up ledger records: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM one_shot_flags WHERE expires_at IS NOT NULL AND expires_at <= NOW()`); err != nil {
		return fmt.Errorf("failed to clean up flags: %w", err)
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Best-effort background cleanup
			_ = s.Cleanup(ctx)
		}
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Storage) scanJob(_ context.Context, row rowScanner) (*gocredit.BulkJob, error) {
	var job gocredit.BulkJob
	var status string
	var itemsRaw, metadataRaw []byte

	err := row.Scan(&job.ID, &job.UserID, &status, &job.EstimatedCredits, &job.ActualCredits,
		&itemsRaw, &metadataRaw, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, gocredit.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = gocredit.JobStatus(status)
	if len(itemsRaw) > 0 {
		if err := json.Unmarshal(itemsRaw, &job.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job items: %w", err)
		}
	}
	if job.Metadata, err = unmarshalMetadata(metadataRaw); err != nil {
		return nil, err
	}
	return &job, nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil // NULL for empty metadata (JSONB requires valid JSON or NULL)
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}
