package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for balance, usage and job inspection
type Handler struct {
	config Config
}

// Register mounts all endpoints on the mux:
//
//	GET    /balance
//	GET    /usage
//	GET    /jobs
//	GET    /jobs/{id}
//	POST   /jobs/{id}/cancel
//	DELETE /jobs/{id}
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /balance", h.GetBalance)
	mux.HandleFunc("GET /usage", h.GetUsage)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.DeleteJob)
}

// GetBalance returns the user's current credit standing
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	account, err := h.config.Ledger.Account(r.Context(), userID)
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:       account.UserID,
		Balance:      account.Balance,
		LifetimeUsed: account.LifetimeUsed,
		Status:       string(account.Status),
	})
}

// GetUsage returns the user's usage history, newest first. Supports the
// kind, since, until (RFC 3339) and limit query parameters.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	filter, err := parseUsageFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	records, err := h.config.Ledger.Usage(r.Context(), userID, filter)
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}

	response := UsageResponse{UserID: userID, Records: make([]UsageRecordResponse, 0, len(records))}
	for _, record := range records {
		response.Records = append(response.Records, UsageRecordResponse{
			ID:          record.ID,
			Kind:        record.Kind,
			CreditsUsed: record.CreditsUsed,
			Metadata:    record.Metadata,
			CreatedAt:   record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// ListJobs returns all jobs owned by the user, newest first
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	jobs, err := h.config.Jobs.List(r.Context(), userID)
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}

	response := JobListResponse{UserID: userID, Jobs: make([]JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		response.Jobs = append(response.Jobs, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, response)
}

// GetJob returns a single job owned by the user
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	job, err := h.config.Jobs.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.jobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// CancelJob cancels a pending or processing job and refunds the unused
// estimate. Cancelling a job that already reached a terminal state is a 409.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	job, err := h.config.Jobs.Cancel(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.jobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// DeleteJob removes a terminal job record. Deleting a live job is a 409; it
// must be cancelled first.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.config.Jobs.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		h.jobError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return "", false
	}
	if len(userID) > maxUserIDLen {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid user ID"})
		return "", false
	}
	return userID, true
}

func (h *Handler) ledgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gocredit.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "account not found"})
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) jobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gocredit.ErrJobNotFound), errors.Is(err, gocredit.ErrForbidden):
		// Jobs owned by other users are indistinguishable from missing ones
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "job not found"})
	case errors.Is(err, gocredit.ErrInvalidState):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "job state does not allow this operation"})
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}

func parseUsageFilter(r *http.Request) (gocredit.UsageFilter, error) {
	filter := gocredit.UsageFilter{
		Kind: r.URL.Query().Get("kind"),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, err
		}
		filter.Since = &t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, err
		}
		filter.Until = &t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return filter, err
		}
		filter.Limit = n
	}
	return filter, nil
}

func jobResponse(job *gocredit.BulkJob) JobResponse {
	items := make([]JobItemResponse, 0, len(job.Items))
	for _, item := range job.Items {
		items = append(items, JobItemResponse{
			Index:       item.Index,
			Kind:        item.Kind,
			CreditsUsed: item.CreditsUsed,
			Succeeded:   item.Succeeded,
			Error:       item.Error,
			CompletedAt: item.CompletedAt,
		})
	}
	return JobResponse{
		ID:               job.ID,
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

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Headers already sent; nothing useful to do on encode failure
	_ = json.NewEncoder(w).Encode(body)
}
