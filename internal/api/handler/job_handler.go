package handler

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hqtran/collabhub/internal/api/dto"
	"github.com/hqtran/collabhub/internal/api/middleware"
	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
)

const defaultMaxRetries = 3

// SubmitCodeExecution handles POST /api/v1/jobs/code-execution.
func (h *JobHandler) SubmitCodeExecution(c *gin.Context) {
	var req dto.SubmitCodeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	h.submit(c, jobs.TypeCodeExecution, req.ProjectID, jobs.PriorityNormal, jobs.CodeExecutionPayload{
		Code:     req.Code,
		Language: req.Language,
	})
}

// SubmitFileProcessing handles POST /api/v1/jobs/file-processing.
func (h *JobHandler) SubmitFileProcessing(c *gin.Context) {
	var req dto.SubmitFileProcessingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Operation == "convert" && req.TargetFormat == "" {
		respondError(c, http.StatusBadRequest, "targetFormat is required for convert")
		return
	}
	h.submit(c, jobs.TypeFileProcessing, req.ProjectID, jobs.PriorityNormal, jobs.FileProcessingPayload{
		FileURL:      req.FileURL,
		Operation:    req.Operation,
		TargetFormat: req.TargetFormat,
	})
}

// SubmitDataExport handles POST /api/v1/jobs/data-export. Exports run at
// high priority so they jump queued bulk work.
func (h *JobHandler) SubmitDataExport(c *gin.Context) {
	var req dto.SubmitDataExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	h.submit(c, jobs.TypeDataExport, req.ProjectID, jobs.PriorityHigh, jobs.DataExportPayload{
		ExportType: req.ExportType,
		Format:     req.Format,
	})
}

// submit enqueues a job and mirrors it into the record store.
func (h *JobHandler) submit(c *gin.Context, t jobs.Type, projectID string, priority jobs.Priority, payload any) {
	principal := middleware.CurrentPrincipal(c)
	jobID := uuid.New().String()

	envelope, err := jobs.EncodeEnvelope(jobID, principal.UserID, projectID, payload)
	if err != nil {
		h.logger.Error("Failed to encode job payload", slog.String("error", err.Error()))
		respondError(c, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.queue.Enqueue(ctx, t, envelope, queue.EnqueueOptions{
		JobID:    jobID,
		Priority: priority,
	}); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_type", string(t)),
			slog.String("error", err.Error()),
		)
		respondError(c, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	if _, err := h.store.Create(ctx, records.CreateParams{
		JobID:      jobID,
		UserID:     principal.UserID,
		ProjectID:  projectID,
		Type:       t,
		Payload:    envelope,
		Priority:   priority,
		MaxRetries: defaultMaxRetries,
	}); err != nil {
		h.mapError(c, err, "Failed to submit job")
		return
	}

	respondCreated(c, "Job submitted", dto.SubmitResponse{
		JobID:   jobID,
		Status:  string(jobs.StatusPending),
		Message: submitMessage(t),
	})
}

func submitMessage(t jobs.Type) string {
	switch t {
	case jobs.TypeCodeExecution:
		return "Code execution job submitted successfully"
	case jobs.TypeFileProcessing:
		return "File processing job submitted successfully"
	case jobs.TypeDataExport:
		return "Data export job submitted successfully"
	default:
		return "Job submitted successfully"
	}
}

// GetJobStatus handles GET /api/v1/jobs/:jobId. The durable record is the
// base; the queue's live status and progress win when the entry still
// exists.
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("jobId")
	principal := middleware.CurrentPrincipal(c)
	ctx := c.Request.Context()

	rec, err := h.store.Get(ctx, jobID)
	if err != nil {
		h.mapError(c, err, "Failed to get job status")
		return
	}
	if rec.UserID != principal.UserID {
		respondError(c, http.StatusForbidden, "Access denied to this job")
		return
	}

	resp := dto.JobStatusResponse{
		JobID:        rec.JobID,
		Type:         string(rec.Type),
		Status:       string(rec.Status),
		Result:       rec.Result,
		ErrorMessage: rec.ErrorMessage.String,
		RetryCount:   rec.RetryCount,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    nullTimePtr(rec.StartedAt),
		CompletedAt:  nullTimePtr(rec.CompletedAt),
		FailedAt:     nullTimePtr(rec.FailedAt),
	}

	if live, err := h.queue.Status(ctx, rec.Type, jobID); err == nil && live != nil {
		resp.Status = string(live.Status)
		resp.Progress = live.Progress
	} else if err != nil && !errors.Is(err, jobs.ErrNotFound) {
		h.logger.Warn("Queue status lookup failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	respondOK(c, "Job status fetched", gin.H{"job": resp})
}

// ListUserJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListUserJobs(c *gin.Context) {
	var q dto.ListJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid query parameters")
		return
	}
	principal := middleware.CurrentPrincipal(c)

	list, err := h.store.ListForUser(c.Request.Context(), principal.UserID, records.ListFilter{
		Status:    jobs.Status(q.Status),
		Type:      jobs.Type(q.Type),
		ProjectID: q.ProjectID,
		Limit:     q.Limit,
	})
	if err != nil {
		h.mapError(c, err, "Failed to fetch jobs")
		return
	}

	respondOK(c, "Jobs fetched successfully", gin.H{"jobs": list, "count": len(list)})
}

// ListProjectJobs handles GET /api/v1/jobs/projects/:projectId. Any
// project member may read.
func (h *JobHandler) ListProjectJobs(c *gin.Context) {
	projectID := c.Param("projectId")
	principal := middleware.CurrentPrincipal(c)
	ctx := c.Request.Context()

	if _, err := h.roles.ProjectRole(ctx, projectID, principal.UserID); err != nil {
		h.mapError(c, err, "Failed to fetch project jobs")
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		limit = atoiDefault(v, 0)
	}

	list, err := h.store.ListForProject(ctx, projectID, limit)
	if err != nil {
		h.mapError(c, err, "Failed to fetch project jobs")
		return
	}

	respondOK(c, "Project jobs fetched successfully", gin.H{"jobs": list, "count": len(list)})
}

// RetryJob handles POST /api/v1/jobs/:jobId/retry. Only the owner may
// retry, and only from the failed state.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("jobId")
	principal := middleware.CurrentPrincipal(c)
	ctx := c.Request.Context()

	rec, err := h.store.Get(ctx, jobID)
	if err != nil {
		h.mapError(c, err, "Failed to retry job")
		return
	}
	if rec.UserID != principal.UserID {
		respondError(c, http.StatusForbidden, "Access denied to this job")
		return
	}
	if rec.Status != jobs.StatusFailed {
		respondError(c, http.StatusBadRequest, "Only failed jobs can be retried")
		return
	}

	requeued, err := h.queue.Retry(ctx, rec.Type, jobID)
	if err != nil {
		h.mapError(c, err, "Failed to retry job")
		return
	}
	if !requeued {
		respondError(c, http.StatusConflict, "Job is no longer retryable")
		return
	}

	if _, err := h.store.UpdateStatus(ctx, jobID, jobs.StatusPending, records.StatusUpdate{}); err != nil {
		h.logger.Warn("Failed to reset record status after retry",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	respondOK(c, "Job retry initiated", gin.H{"jobId": jobID})
}

// CancelJob handles DELETE /api/v1/jobs/:jobId. The queue entry is
// removed and the record flipped to cancelled; a handler already running
// finishes, its terminal write landing last.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("jobId")
	principal := middleware.CurrentPrincipal(c)
	ctx := c.Request.Context()

	rec, err := h.store.Get(ctx, jobID)
	if err != nil {
		h.mapError(c, err, "Failed to cancel job")
		return
	}
	if rec.UserID != principal.UserID {
		respondError(c, http.StatusForbidden, "Access denied to this job")
		return
	}

	if _, err := h.queue.Remove(ctx, rec.Type, jobID); err != nil {
		h.mapError(c, err, "Failed to cancel job")
		return
	}
	if _, err := h.store.UpdateStatus(ctx, jobID, jobs.StatusCancelled, records.StatusUpdate{}); err != nil {
		h.mapError(c, err, "Failed to cancel job")
		return
	}

	respondOK(c, "Job cancelled successfully", nil)
}

// GetQueueStats handles GET /api/v1/jobs/stats.
func (h *JobHandler) GetQueueStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats := make(map[string]*queue.Stats, len(jobs.AllTypes()))
	for _, t := range jobs.AllTypes() {
		s, err := h.queue.Stats(ctx, t)
		if err != nil {
			h.mapError(c, err, "Failed to fetch queue stats")
			return
		}
		stats[string(t)] = s
	}
	respondOK(c, "Queue stats fetched successfully", gin.H{"stats": stats})
}

// mapError translates domain sentinels into HTTP statuses.
func (h *JobHandler) mapError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		respondError(c, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobs.ErrForbidden):
		respondError(c, http.StatusForbidden, "Access denied")
	case errors.Is(err, jobs.ErrConflict):
		respondError(c, http.StatusConflict, "Duplicate job")
	case errors.Is(err, jobs.ErrValidation):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrUnauthenticated):
		respondError(c, http.StatusUnauthorized, "Authentication failed")
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		respondError(c, http.StatusInternalServerError, fallback)
	}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
