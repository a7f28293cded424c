package gocredit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

func newTestJobService(t *testing.T) (*gocredit.JobService, *gocredit.Ledger) {
	t.Helper()
	storage := memory.New()
	ledger, err := gocredit.NewLedger(storage, gocredit.Config{})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	jobs, err := gocredit.NewJobService(storage, ledger, gocredit.Config{})
	if err != nil {
		t.Fatalf("NewJobService failed: %v", err)
	}
	return jobs, ledger
}

func TestJobService_CreateReservesEstimate(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 30, []string{"thumb", "thumb", "thumb"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if job.Status != gocredit.JobStatusPending {
		t.Errorf("expected pending job, got %s", job.Status)
	}
	if len(job.Items) != 3 {
		t.Errorf("expected 3 items, got %d", len(job.Items))
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 70 {
		t.Errorf("expected estimate debited (balance 70), got %d", balance)
	}
}

func TestJobService_CreateInsufficientCredits(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 5)

	_, err := jobs.Create(ctx, "user_1", 10, []string{"x"}, nil)
	if !errors.Is(err, gocredit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	// No job, no debit
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 5 {
		t.Errorf("expected balance unchanged at 5, got %d", balance)
	}
	list, _ := jobs.List(ctx, "user_1")
	if len(list) != 0 {
		t.Errorf("expected no jobs, got %d", len(list))
	}
}

func TestJobService_CompleteReconcilesUnusedEstimate(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 0, Kind: "a", CreditsUsed: 4, Succeeded: true}); err != nil {
		t.Fatalf("CompleteItem failed: %v", err)
	}
	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 1, Kind: "b", CreditsUsed: 2, Succeeded: true}); err != nil {
		t.Fatalf("CompleteItem failed: %v", err)
	}

	done, err := jobs.Complete(ctx, job.ID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != gocredit.JobStatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if done.ActualCredits != 6 {
		t.Errorf("expected actual credits 6, got %d", done.ActualCredits)
	}
	if done.CompletedAt == nil {
		t.Error("expected CompletedAt set on terminal job")
	}

	// 10 reserved, 6 used: 4 come back
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 94 {
		t.Errorf("expected balance 94 after reconciliation, got %d", balance)
	}
}

func TestJobService_CancelRefundsExactly(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a", "b", "c"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 0, Kind: "a", CreditsUsed: 3, Succeeded: true}); err != nil {
		t.Fatalf("CompleteItem failed: %v", err)
	}

	// Estimated 10, actual 3: cancellation refunds exactly 7
	cancelled, err := jobs.Cancel(ctx, "user_1", job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != gocredit.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 97 {
		t.Errorf("expected balance 97 (100 - 3 actually used), got %d", balance)
	}

	// Cancelling again is rejected and must not double-refund
	if _, err := jobs.Cancel(ctx, "user_1", job.ID); !errors.Is(err, gocredit.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
	balance, _ = ledger.Balance(ctx, "user_1")
	if balance != 97 {
		t.Errorf("expected balance still 97 after rejected cancel, got %d", balance)
	}
}

func TestJobService_CancelPendingRefundsFullEstimate(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 50)

	job, err := jobs.Create(ctx, "user_1", 20, []string{"x"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := jobs.Cancel(ctx, "user_1", job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 50 {
		t.Errorf("expected full estimate refunded, balance 50, got %d", balance)
	}
}

func TestJobService_CancelOwnershipEnforced(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 50)
	mustCreateAccount(t, ledger, "user_2", 50)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"x"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := jobs.Cancel(ctx, "user_2", job.ID); !errors.Is(err, gocredit.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// The job is untouched and still cancellable by its owner
	got, err := jobs.Get(ctx, "user_1", job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != gocredit.JobStatusPending {
		t.Errorf("expected job still pending, got %s", got.Status)
	}
}

func TestJobService_FailRecordsReasonAndRefunds(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	failed, err := jobs.Fail(ctx, job.ID, "upstream model unavailable")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != gocredit.JobStatusFailed {
		t.Errorf("expected failed, got %s", failed.Status)
	}
	if failed.Metadata["gocredit:failure"] != "upstream model unavailable" {
		t.Errorf("expected failure reason in metadata, got %v", failed.Metadata)
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 100 {
		t.Errorf("expected full refund (no actual usage), got balance %d", balance)
	}
}

func TestJobService_OverageIsDebited(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 5, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 0, Kind: "a", CreditsUsed: 8, Succeeded: true}); err != nil {
		t.Fatalf("CompleteItem failed: %v", err)
	}

	if _, err := jobs.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// 5 reserved up front plus 3 overage on completion
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 92 {
		t.Errorf("expected balance 92, got %d", balance)
	}
}

func TestJobService_UnbillableOverageSurfacedInMetadata(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 5)

	job, err := jobs.Create(ctx, "user_1", 5, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Actuals overrun the estimate with nothing left to debit
	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 0, Kind: "a", CreditsUsed: 9, Succeeded: true}); err != nil {
		t.Fatalf("CompleteItem failed: %v", err)
	}

	done, err := jobs.Complete(ctx, job.ID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != gocredit.JobStatusCompleted {
		t.Errorf("expected job to terminate despite shortfall, got %s", done.Status)
	}
	if done.Metadata["gocredit:unbilled_overage"] != "4" {
		t.Errorf("expected unbilled overage 4 in metadata, got %v", done.Metadata)
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 0 {
		t.Errorf("expected balance 0, got %d", balance)
	}
}

func TestJobService_CompleteItemRequiresProcessing(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Pending job: item results are not accepted yet
	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 0, CreditsUsed: 1}); !errors.Is(err, gocredit.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on pending job, got %v", err)
	}

	if _, err := jobs.Cancel(ctx, "user_1", job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 0, CreditsUsed: 1}); !errors.Is(err, gocredit.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on cancelled job, got %v", err)
	}
}

func TestJobService_DeleteOnlyTerminal(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Pending and processing jobs cannot be deleted
	if err := jobs.Delete(ctx, "user_1", job.ID); !errors.Is(err, gocredit.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState deleting pending job, got %v", err)
	}
	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := jobs.Delete(ctx, "user_1", job.ID); !errors.Is(err, gocredit.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState deleting processing job, got %v", err)
	}

	if _, err := jobs.Cancel(ctx, "user_1", job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := jobs.Delete(ctx, "user_1", job.ID); err != nil {
		t.Fatalf("Delete of terminal job failed: %v", err)
	}
	if _, err := jobs.Get(ctx, "user_1", job.ID); !errors.Is(err, gocredit.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after delete, got %v", err)
	}
}

func TestJobService_InvalidTransitions(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Completing a pending job skips processing and is rejected
	if _, err := jobs.Complete(ctx, job.ID); !errors.Is(err, gocredit.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState completing pending job, got %v", err)
	}

	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Starting twice is rejected
	if _, err := jobs.Start(ctx, job.ID); !errors.Is(err, gocredit.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState starting processing job, got %v", err)
	}
}

func TestJobService_ConcurrentCancelAndComplete(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := jobs.CompleteItem(ctx, job.ID, gocredit.JobItem{Index: 0, Kind: "a", CreditsUsed: 4, Succeeded: true}); err != nil {
		t.Fatalf("CompleteItem failed: %v", err)
	}

	// Exactly one of the racing terminal transitions may win, and the refund
	// happens exactly once either way
	var wg sync.WaitGroup
	results := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := jobs.Cancel(ctx, "user_1", job.ID)
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := jobs.Complete(ctx, job.ID)
		results <- err
	}()
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, gocredit.ErrInvalidState):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winning transition, got %d", winners)
	}

	// 100 - 10 estimate + 6 refund = 96 regardless of which side won
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 96 {
		t.Errorf("expected balance 96 after single reconciliation, got %d", balance)
	}

	got, _ := jobs.Get(ctx, "user_1", job.ID)
	if !got.Status.Terminal() {
		t.Errorf("expected terminal status, got %s", got.Status)
	}
}

func TestJobService_RunProcessesAllItems(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 12, []string{"a", "b", "c"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done, err := jobs.Run(ctx, job.ID, func(_ context.Context, item gocredit.JobItem) (int, error) {
		return 3, nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if done.Status != gocredit.JobStatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if done.ActualCredits != 9 {
		t.Errorf("expected actual credits 9, got %d", done.ActualCredits)
	}
	for _, item := range done.Items {
		if !item.Succeeded {
			t.Errorf("expected item %d to succeed", item.Index)
		}
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 91 {
		t.Errorf("expected balance 91, got %d", balance)
	}
}

func TestJobService_RunItemFailureDoesNotFailJob(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done, err := jobs.Run(ctx, job.ID, func(_ context.Context, item gocredit.JobItem) (int, error) {
		if item.Index == 0 {
			return 0, fmt.Errorf("render failed")
		}
		return 5, nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if done.Status != gocredit.JobStatusCompleted {
		t.Errorf("expected completed despite item failure, got %s", done.Status)
	}
	if done.Items[0].Succeeded || done.Items[0].Error == "" {
		t.Errorf("expected item 0 recorded as failed, got %+v", done.Items[0])
	}
	if !done.Items[1].Succeeded {
		t.Errorf("expected item 1 to succeed, got %+v", done.Items[1])
	}
	// A failed item consumed nothing; only item 1's credits are kept
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 95 {
		t.Errorf("expected balance 95, got %d", balance)
	}
}

func TestJobService_RunAbortFailsJob(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done, err := jobs.Run(ctx, job.ID, func(_ context.Context, item gocredit.JobItem) (int, error) {
		return 0, fmt.Errorf("storage gone: %w", gocredit.ErrAbortJob)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if done.Status != gocredit.JobStatusFailed {
		t.Errorf("expected failed job, got %s", done.Status)
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 100 {
		t.Errorf("expected full refund on abort, got balance %d", balance)
	}
}

func TestJobService_RunObservesCancellation(t *testing.T) {
	jobs, ledger := newTestJobService(t)
	ctx := context.Background()
	mustCreateAccount(t, ledger, "user_1", 100)

	job, err := jobs.Create(ctx, "user_1", 10, []string{"a", "b", "c"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Cancel from inside the first item, as an owner request arriving mid-run
	done, err := jobs.Run(ctx, job.ID, func(ctx context.Context, item gocredit.JobItem) (int, error) {
		if item.Index == 0 {
			if _, err := jobs.Cancel(ctx, "user_1", job.ID); err != nil {
				t.Errorf("Cancel failed: %v", err)
			}
		}
		return 2, nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if done.Status != gocredit.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", done.Status)
	}

	// Only the estimate debit minus the refund of the unused part remains;
	// the cancel happened before any item result landed, so nothing was used
	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 100 {
		t.Errorf("expected balance 100, got %d", balance)
	}
}
