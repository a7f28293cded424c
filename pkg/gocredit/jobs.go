package gocredit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ItemFunc performs the unit of work for a single job item and returns the
// credits actually consumed. A returned error records an item-level failure
// and the job continues; an error wrapping ErrAbortJob fails the whole job.
type ItemFunc func(ctx context.Context, item JobItem) (int, error)

// JobService drives the bulk-job state machine:
//
//	pending -> processing -> completed | failed
//	pending | processing -> cancelled
//
// Terminal states are immutable except for metadata. The full estimate is
// debited at creation and every terminal transition reconciles the
// estimated-vs-actual difference through the ledger.
type JobService struct {
	storage Storage
	ledger  *Ledger
	config  Config
}

// NewJobService creates a job service sharing the ledger's storage
func NewJobService(storage Storage, ledger *Ledger, config Config) (*JobService, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	config.applyDefaults()

	return &JobService{
		storage: storage,
		ledger:  ledger,
		config:  config,
	}, nil
}

// Create reserves the estimated credits and stores the job in pending state.
// The debit fails with ErrInsufficientCredits before the job exists.
func (s *JobService) Create(
	ctx context.Context, userID string, estimatedCredits int, itemKinds []string, metadata map[string]string,
) (*BulkJob, error) {
	if estimatedCredits < 0 {
		return nil, ErrInvalidAmount
	}
	if len(itemKinds) == 0 {
		return nil, fmt.Errorf("job requires at least one item")
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()

	// Reserve the estimate. The deterministic key makes a retried create safe.
	_, err := s.ledger.Debit(ctx, userID, estimatedCredits,
		WithIdempotencyKey("job-estimate:"+jobID))
	if err != nil {
		return nil, err
	}

	items := make([]JobItem, len(itemKinds))
	for i, kind := range itemKinds {
		items[i] = JobItem{Index: i, Kind: kind}
	}

	now := time.Now().UTC()
	job := &BulkJob{
		ID:               jobID,
		UserID:           userID,
		Status:           JobStatusPending,
		EstimatedCredits: estimatedCredits,
		Items:            items,
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.storage.CreateJob(ctx, job); err != nil {
		// Undo the reservation; the job never existed.
		if _, cerr := s.ledger.Credit(ctx, userID, estimatedCredits,
			WithCreditIdempotencyKey("job-create-undo:"+jobID),
			WithCreditReason("job_create_failed")); cerr != nil {
			s.config.Logger.Error("failed to release reservation after job create failure",
				Field{Key: "job_id", Value: jobID},
				Field{Key: "user_id", Value: userID},
				Field{Key: "error", Value: cerr.Error()},
			)
		}
		return nil, err
	}

	s.config.Logger.Info("job created",
		Field{Key: "job_id", Value: jobID},
		Field{Key: "user_id", Value: userID},
		Field{Key: "estimated_credits", Value: estimatedCredits},
		Field{Key: "items", Value: len(items)},
	)
	return job, nil
}

// Start moves a pending job to processing. No credit movement.
func (s *JobService) Start(ctx context.Context, jobID string) (*BulkJob, error) {
	job, err := s.storage.TransitionJob(ctx, &JobTransitionRequest{
		JobID: jobID,
		From:  []JobStatus{JobStatusPending},
		To:    JobStatusProcessing,
	})
	if err != nil {
		return nil, err
	}
	s.config.Metrics.RecordJobTransition(JobStatusPending, JobStatusProcessing)
	return job, nil
}

// CompleteItem records the outcome of a single item while the job is
// processing. Credits consumed by the item accumulate into ActualCredits;
// an item-level failure does not fail the job.
func (s *JobService) CompleteItem(ctx context.Context, jobID string, item JobItem) (*BulkJob, error) {
	if item.CreditsUsed < 0 {
		return nil, ErrInvalidAmount
	}
	if item.CompletedAt.IsZero() {
		item.CompletedAt = time.Now().UTC()
	}
	return s.storage.AppendItemResult(ctx, &ItemResultRequest{
		JobID: jobID,
		Item:  item,
	})
}

// Complete moves a processing job to completed and reconciles credits
func (s *JobService) Complete(ctx context.Context, jobID string) (*BulkJob, error) {
	return s.finish(ctx, jobID, JobStatusProcessing, []JobStatus{JobStatusProcessing}, JobStatusCompleted, nil)
}

// Fail moves a processing job to failed, refunds unused estimated credits
// and records the failure reason in the job metadata
func (s *JobService) Fail(ctx context.Context, jobID, reason string) (*BulkJob, error) {
	var metadata map[string]string
	if reason != "" {
		metadata = map[string]string{reservedMetadataPrefix + "failure": reason}
	}
	return s.finish(ctx, jobID, JobStatusProcessing, []JobStatus{JobStatusProcessing}, JobStatusFailed, metadata)
}

// Cancel cancels a pending or processing job on behalf of its owner and
// refunds the unused estimate. Only the owning user may cancel; the ownership
// check happens before any state mutation. Cancelling a job that already
// reached a terminal state fails with ErrInvalidState.
func (s *JobService) Cancel(ctx context.Context, userID, jobID string) (*BulkJob, error) {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return s.finish(ctx, jobID, job.Status, []JobStatus{JobStatusPending, JobStatusProcessing}, JobStatusCancelled, nil)
}

// Delete removes a job record entirely. Distinct from cancellation: only
// terminal jobs may be deleted, a pending or processing job must be cancelled
// first.
func (s *JobService) Delete(ctx context.Context, userID, jobID string) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrForbidden
	}
	if err := s.storage.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.config.Logger.Info("job deleted",
		Field{Key: "job_id", Value: jobID},
		Field{Key: "user_id", Value: userID},
	)
	return nil
}

// Get retrieves a job owned by the user
func (s *JobService) Get(ctx context.Context, userID, jobID string) (*BulkJob, error) {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

// List retrieves all jobs owned by a user, newest first
func (s *JobService) List(ctx context.Context, userID string) ([]*BulkJob, error) {
	return s.storage.ListJobs(ctx, userID)
}

// Run processes a job's items sequentially with fn. Cancellation is
// cooperative: the loop re-reads the job between items and stops before
// starting a new item once a cancellation is observed. An item error records
// an item-level failure and processing continues; an error wrapping
// ErrAbortJob (or a cancelled context) fails the whole job and reconciles
// credits.
func (s *JobService) Run(ctx context.Context, jobID string, fn ItemFunc) (*BulkJob, error) {
	job, err := s.Start(ctx, jobID)
	if err != nil {
		return nil, err
	}

	for _, item := range job.Items {
		// Observe cancellation before starting the next item
		current, err := s.storage.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.Status == JobStatusCancelled {
			return current, nil
		}
		if current.Status != JobStatusProcessing {
			return current, nil
		}

		if err := ctx.Err(); err != nil {
			return s.Fail(ctx, jobID, err.Error())
		}

		used, err := fn(ctx, item)
		if err != nil {
			if errors.Is(err, ErrAbortJob) || ctx.Err() != nil {
				return s.Fail(ctx, jobID, err.Error())
			}
			// Item-level failure: tracked within the job, processing continues
			if _, ierr := s.CompleteItem(ctx, jobID, JobItem{
				Index: item.Index,
				Kind:  item.Kind,
				Error: err.Error(),
			}); ierr != nil {
				if errors.Is(ierr, ErrInvalidState) {
					// Job was cancelled while the item was in flight
					return s.storage.GetJob(ctx, jobID)
				}
				return nil, ierr
			}
			continue
		}

		if _, ierr := s.CompleteItem(ctx, jobID, JobItem{
			Index:       item.Index,
			Kind:        item.Kind,
			CreditsUsed: used,
			Succeeded:   true,
		}); ierr != nil {
			if errors.Is(ierr, ErrInvalidState) {
				return s.storage.GetJob(ctx, jobID)
			}
			return nil, ierr
		}
	}

	return s.Complete(ctx, jobID)
}

// finish performs a terminal transition and reconciles the estimate against
// actual consumption: unused credits go back to the user, an overrun is
// debited. The transition is a storage-level compare-and-set, so exactly one
// of several concurrent finishers performs the reconciliation.
func (s *JobService) finish(
	ctx context.Context, jobID string, prev JobStatus, from []JobStatus, to JobStatus, metadata map[string]string,
) (*BulkJob, error) {
	now := time.Now().UTC()
	job, err := s.storage.TransitionJob(ctx, &JobTransitionRequest{
		JobID:       jobID,
		From:        from,
		To:          to,
		CompletedAt: &now,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}
	s.config.Metrics.RecordJobTransition(prev, to)

	diff := job.EstimatedCredits - job.ActualCredits
	switch {
	case diff > 0:
		// The deterministic key makes the refund at-most-once even if the
		// caller retries after a crash between transition and refund.
		_, err := s.ledger.Credit(ctx, job.UserID, diff,
			WithCreditIdempotencyKey("job-reconcile:"+jobID),
			WithCreditReason("job_"+string(to)))
		if err != nil {
			s.config.Logger.Error("job refund failed",
				Field{Key: "job_id", Value: jobID},
				Field{Key: "user_id", Value: job.UserID},
				Field{Key: "amount", Value: diff},
				Field{Key: "error", Value: err.Error()},
			)
			return nil, err
		}
		s.config.Logger.Info("job reconciled",
			Field{Key: "job_id", Value: jobID},
			Field{Key: "status", Value: string(to)},
			Field{Key: "refunded", Value: diff},
		)

	case diff < 0:
		// Actuals overran the estimate. Best effort: if the balance cannot
		// cover the overage the job still terminates and the shortfall is
		// surfaced for offline reconciliation.
		overage := -diff
		_, err := s.ledger.Debit(ctx, job.UserID, overage,
			WithIdempotencyKey("job-reconcile:"+jobID))
		if err != nil {
			if !errors.Is(err, ErrInsufficientCredits) {
				return nil, err
			}
			s.config.Logger.Warn("job overage not billable",
				Field{Key: "job_id", Value: jobID},
				Field{Key: "user_id", Value: job.UserID},
				Field{Key: "overage", Value: overage},
			)
			_, merr := s.storage.TransitionJob(ctx, &JobTransitionRequest{
				JobID:    jobID,
				From:     []JobStatus{to},
				To:       to,
				Metadata: map[string]string{reservedMetadataPrefix + "unbilled_overage": strconv.Itoa(overage)},
			})
			if merr != nil {
				return nil, merr
			}
		}
	}

	return s.storage.GetJob(ctx, jobID)
}
