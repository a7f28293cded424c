package api

import "time"

// BalanceResponse represents the current credit standing for a user
type BalanceResponse struct {
	UserID       string `json:"user_id"`
	Balance      int    `json:"balance"`
	LifetimeUsed int    `json:"lifetime_used"`
	Status       string `json:"status"`
}

// UsageRecordResponse represents a single billable action
type UsageRecordResponse struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	CreditsUsed int               `json:"credits_used"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// UsageResponse represents a page of the user's usage history, newest first
type UsageResponse struct {
	UserID  string                `json:"user_id"`
	Records []UsageRecordResponse `json:"records"`
}

// JobItemResponse represents one item of a bulk job
type JobItemResponse struct {
	Index       int       `json:"index"`
	Kind        string    `json:"kind"`
	CreditsUsed int       `json:"credits_used"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobResponse represents a bulk job with its credit accounting
type JobResponse struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	EstimatedCredits int               `json:"estimated_credits"`
	ActualCredits    int               `json:"actual_credits"`
	Items            []JobItemResponse `json:"items"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// JobListResponse represents all jobs owned by a user, newest first
type JobListResponse struct {
	UserID string        `json:"user_id"`
	Jobs   []JobResponse `json:"jobs"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error string `json:"error"`
}
