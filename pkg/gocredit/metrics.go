package gocredit

import "time"

// Metrics defines the interface for tracking ledger operations and performance.
type Metrics interface {
	// RecordDebit records a debit attempt.
	RecordDebit(userID, kind string, amount int, success bool)

	// RecordCredit records a credit (refund or purchase).
	RecordCredit(userID, reason string, amount int)

	// RecordRateLimit records a rate limit check outcome.
	RecordRateLimit(clientKey string, allowed bool)

	// RecordJobTransition records a job state transition.
	RecordJobTransition(from, to JobStatus)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDebit(userID, kind string, amount int, success bool)             {}
func (n *NoopMetrics) RecordCredit(userID, reason string, amount int)                        {}
func (n *NoopMetrics) RecordRateLimit(clientKey string, allowed bool)                        {}
func (n *NoopMetrics) RecordJobTransition(from, to JobStatus)                                {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
}
