// Package redis provides a Redis implementation of the gocredit.Storage
// interface. Balance mutations run as Lua scripts so the check and the write
// are a single atomic step; job transitions use optimistic WATCH transactions.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage implements gocredit.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocredit:")
	KeyPrefix string

	// RecordTTL is the fallback TTL for idempotency records (default: 7 days)
	RecordTTL time.Duration

	// MaxRetries is the maximum number of WATCH transaction retries (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "gocredit:",
		RecordTTL:  7 * 24 * time.Hour,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocredit:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Debit: idempotency check, suspension check, balance check and write
	// in one atomic step
	s.scripts["debit"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local recordKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local recordTTL = tonumber(ARGV[2])
		local now = ARGV[3]

		if recordKey ~= '' then
			local cached = redis.call('GET', recordKey)
			if cached then
				return {tonumber(cached), 'replay'}
			end
		end

		if redis.call('EXISTS', accountKey) == 0 then
			return {0, 'missing'}
		end

		local status = redis.call('HGET', accountKey, 'status')
		if status == 'suspended' then
			return {0, 'suspended'}
		end

		local balance = tonumber(redis.call('HGET', accountKey, 'balance') or '0')
		if amount > balance then
			return {balance, 'insufficient'}
		end

		local newBalance = balance - amount
		redis.call('HSET', accountKey, 'balance', newBalance, 'updated_at', now)
		redis.call('HINCRBY', accountKey, 'lifetime_used', amount)

		if recordKey ~= '' then
			if recordTTL > 0 then
				redis.call('SET', recordKey, newBalance, 'PX', recordTTL)
			else
				redis.call('SET', recordKey, newBalance)
			end
		end

		return {newBalance, 'ok'}
	`)

	// Credit: idempotency check and write in one atomic step. Credits are
	// accepted on suspended accounts and do not touch lifetime usage.
	s.scripts["credit"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local recordKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local recordTTL = tonumber(ARGV[2])
		local now = ARGV[3]

		if recordKey ~= '' then
			local cached = redis.call('GET', recordKey)
			if cached then
				return {tonumber(cached), 'replay'}
			end
		end

		if redis.call('EXISTS', accountKey) == 0 then
			return {0, 'missing'}
		end

		local newBalance = redis.call('HINCRBY', accountKey, 'balance', amount)
		redis.call('HSET', accountKey, 'updated_at', now)

		if recordKey ~= '' then
			if recordTTL > 0 then
				redis.call('SET', recordKey, newBalance, 'PX', recordTTL)
			else
				redis.call('SET', recordKey, newBalance)
			end
		end

		return {newBalance, 'ok'}
	`)
}

// CreateAccount implements gocredit.Storage
func (s *Storage) CreateAccount(ctx context.Context, account *gocredit.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	key := s.accountKey(account.UserID)

	// HSETNX on the user_id field decides which of two concurrent creators wins
	created, err := s.client.HSetNX(ctx, key, "user_id", account.UserID).Result()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if !created {
		return gocredit.ErrAccountExists
	}

	err = s.client.HSet(ctx, key,
		"email", account.Email,
		"balance", account.Balance,
		"lifetime_used", account.LifetimeUsed,
		"role", string(account.Role),
		"status", string(account.Status),
		"created_at", account.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at", account.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to write account: %w", err)
	}
	return nil
}

// GetAccount implements gocredit.Storage
func (s *Storage) GetAccount(ctx context.Context, userID string) (*gocredit.Account, error) {
	data, err := s.client.HGetAll(ctx, s.accountKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(data) == 0 {
		return nil, gocredit.ErrAccountNotFound
	}
	return parseAccount(data)
}

// SetAccountStatus implements gocredit.Storage
func (s *Storage) SetAccountStatus(ctx context.Context, userID string, status gocredit.AccountStatus) error {
	key := s.accountKey(userID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if exists == 0 {
		return gocredit.ErrAccountNotFound
	}

	err = s.client.HSet(ctx, key,
		"status", string(status),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// DeleteAccount implements gocredit.Storage (full-account erasure)
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	deleted, err := s.client.Del(ctx, s.accountKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if deleted == 0 {
		return gocredit.ErrAccountNotFound
	}

	// Jobs are indexed per user; delete the documents then the index
	jobIDs, err := s.client.ZRevRange(ctx, s.userJobsKey(userID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list jobs for deletion: %w", err)
	}
	for _, jobID := range jobIDs {
		if err := s.client.Del(ctx, s.jobKey(jobID)).Err(); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
	}
	if err := s.client.Del(ctx, s.userJobsKey(userID), s.usageKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete usage records: %w", err)
	}

	// Idempotency records are keyed by user and found by scan
	pattern := s.config.KeyPrefix + "ledger:" + userID + ":*"
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete ledger record: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan ledger records: %w", err)
	}
	return nil
}

// Debit implements gocredit.Storage via the debit Lua script
func (s *Storage) Debit(ctx context.Context, req *gocredit.DebitRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	recordKey := ""
	if req.IdempotencyKey != "" {
		recordKey = s.ledgerKey(req.UserID, "debit", req.IdempotencyKey)
	}

	result, err := s.scripts["debit"].Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), recordKey},
		req.Amount,
		s.recordTTLMillis(req.IdempotencyKeyTTL),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to debit: %w", err)
	}
	return parseBalanceResult(result, gocredit.ErrInsufficientCredits)
}

// Credit implements gocredit.Storage via the credit Lua script
func (s *Storage) Credit(ctx context.Context, req *gocredit.CreditRequest) (int, error) {
	if req.Amount < 0 {
		return 0, gocredit.ErrInvalidAmount
	}

	recordKey := ""
	if req.IdempotencyKey != "" {
		recordKey = s.ledgerKey(req.UserID, "credit", req.IdempotencyKey)
	}

	result, err := s.scripts["credit"].Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), recordKey},
		req.Amount,
		s.recordTTLMillis(req.IdempotencyKeyTTL),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to credit: %w", err)
	}
	return parseBalanceResult(result, nil)
}

// AppendUsage implements gocredit.Storage
func (s *Storage) AppendUsage(ctx context.Context, record *gocredit.UsageRecord) error {
	if record == nil || record.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	// LPUSH keeps the list newest first
	if err := s.client.LPush(ctx, s.usageKey(record.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// ListUsage implements gocredit.Storage. Records are fetched newest first and
// filtered client-side; Redis has no secondary index over the list.
func (s *Storage) ListUsage(
	ctx context.Context, userID string, filter gocredit.UsageFilter,
) ([]*gocredit.UsageRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	raw, err := s.client.LRange(ctx, s.usageKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	var out []*gocredit.UsageRecord
	for _, item := range raw {
		var record gocredit.UsageRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage record: %w", err)
		}
		if filter.Kind != "" && record.Kind != filter.Kind {
			continue
		}
		if filter.Since != nil && record.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !record.CreatedAt.Before(*filter.Until) {
			continue
		}
		out = append(out, &record)
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

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	err = s.client.ZAdd(ctx, s.userJobsKey(job.UserID), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

// GetJob implements gocredit.Storage
func (s *Storage) GetJob(ctx context.Context, jobID string) (*gocredit.BulkJob, error) {
	raw, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, gocredit.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return unmarshalJob(raw)
}

// ListJobs implements gocredit.Storage
func (s *Storage) ListJobs(ctx context.Context, userID string) ([]*gocredit.BulkJob, error) {
	jobIDs, err := s.client.ZRevRange(ctx, s.userJobsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var out []*gocredit.BulkJob
	for _, jobID := range jobIDs {
		raw, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
		if err == redis.Nil {
			continue // deleted between index read and fetch
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get job: %w", err)
		}
		job, err := unmarshalJob(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// TransitionJob implements gocredit.Storage with an optimistic WATCH
// transaction so exactly one of several concurrent transitions can win
func (s *Storage) TransitionJob(
	ctx context.Context, req *gocredit.JobTransitionRequest,
) (*gocredit.BulkJob, error) {
	var updated *gocredit.BulkJob

	err := s.withWatch(ctx, s.jobKey(req.JobID), func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.jobKey(req.JobID)).Result()
		if err == redis.Nil {
			return gocredit.ErrJobNotFound
		}
		if err != nil {
			return err
		}

		job, err := unmarshalJob(raw)
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

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(req.JobID), data, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendItemResult implements gocredit.Storage
func (s *Storage) AppendItemResult(
	ctx context.Context, req *gocredit.ItemResultRequest,
) (*gocredit.BulkJob, error) {
	var updated *gocredit.BulkJob

	err := s.withWatch(ctx, s.jobKey(req.JobID), func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.jobKey(req.JobID)).Result()
		if err == redis.Nil {
			return gocredit.ErrJobNotFound
		}
		if err != nil {
			return err
		}

		job, err := unmarshalJob(raw)
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

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(req.JobID), data, 0)
			return nil
		})
		if err != nil {
			return err
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
	return s.withWatch(ctx, s.jobKey(jobID), func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.jobKey(jobID)).Result()
		if err == redis.Nil {
			return gocredit.ErrJobNotFound
		}
		if err != nil {
			return err
		}

		job, err := unmarshalJob(raw)
		if err != nil {
			return err
		}
		if !job.Status.Terminal() {
			return gocredit.ErrInvalidState
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.jobKey(jobID))
			pipe.ZRem(ctx, s.userJobsKey(job.UserID), jobID)
			return nil
		})
		return err
	})
}

// PutFlag implements gocredit.Storage via SET NX
func (s *Storage) PutFlag(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.flagKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to put flag: %w", err)
	}
	return acquired, nil
}

// Close closes the underlying Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping verifies Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// withWatch runs fn under WATCH on key, retrying on transaction conflicts
func (s *Storage) withWatch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < s.config.MaxRetries; i++ {
		err = s.client.Watch(ctx, fn, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", s.config.MaxRetries, err)
}

func (s *Storage) recordTTLMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = s.config.RecordTTL
	}
	if ttl <= 0 {
		return 0
	}
	return ttl.Milliseconds()
}

func (s *Storage) accountKey(userID string) string {
	return s.config.KeyPrefix + "account:" + userID
}

func (s *Storage) usageKey(userID string) string {
	return s.config.KeyPrefix + "usage:" + userID
}

func (s *Storage) jobKey(jobID string) string {
	return s.config.KeyPrefix + "job:" + jobID
}

func (s *Storage) userJobsKey(userID string) string {
	return s.config.KeyPrefix + "jobs:" + userID
}

func (s *Storage) ledgerKey(userID, op, idempotencyKey string) string {
	return s.config.KeyPrefix + "ledger:" + userID + ":" + op + ":" + idempotencyKey
}

func (s *Storage) flagKey(key string) string {
	return s.config.KeyPrefix + "flag:" + key
}

func parseAccount(data map[string]string) (*gocredit.Account, error) {
	account := &gocredit.Account{
		UserID: data["user_id"],
		Email:  data["email"],
		Role:   gocredit.Role(data["role"]),
		Status: gocredit.AccountStatus(data["status"]),
	}

	if _, err := fmt.Sscanf(data["balance"], "%d", &account.Balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	if data["lifetime_used"] != "" {
		if _, err := fmt.Sscanf(data["lifetime_used"], "%d", &account.LifetimeUsed); err != nil {
			return nil, fmt.Errorf("failed to parse lifetime usage: %w", err)
		}
	}

	var err error
	if account.CreatedAt, err = time.Parse(time.RFC3339Nano, data["created_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if account.UpdatedAt, err = time.Parse(time.RFC3339Nano, data["updated_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return account, nil
}

// parseBalanceResult decodes the {balance, status} pair returned by the
// debit and credit scripts
func parseBalanceResult(result interface{}, insufficientErr error) (int, error) {
	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, fmt.Errorf("unexpected script result: %v", result)
	}

	balance, ok := pair[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected balance in script result: %v", pair[0])
	}
	status, ok := pair[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected status in script result: %v", pair[1])
	}

	switch status {
	case "ok", "replay":
		return int(balance), nil
	case "missing":
		return 0, gocredit.ErrAccountNotFound
	case "suspended":
		return 0, gocredit.ErrAccountSuspended
	case "insufficient":
		if insufficientErr != nil {
			return int(balance), insufficientErr
		}
		return 0, fmt.Errorf("unexpected script status %q", status)
	default:
		return 0, fmt.Errorf("unexpected script status %q", status)
	}
}

func unmarshalJob(raw string) (*gocredit.BulkJob, error) {
	var job gocredit.BulkJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
