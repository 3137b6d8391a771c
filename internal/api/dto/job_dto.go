// Package dto defines the request and response bodies of the job API.
package dto

import (
	"encoding/json"
	"time"
)

// SubmitCodeExecutionRequest is the body of POST /api/v1/jobs/code-execution.
type SubmitCodeExecutionRequest struct {
	ProjectID string `json:"projectId" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Language  string `json:"language" binding:"required,oneof=javascript python java cpp"`
}

// SubmitFileProcessingRequest is the body of POST /api/v1/jobs/file-processing.
// TargetFormat is required when operation is convert; the handler enforces
// that since binding tags cannot express it.
type SubmitFileProcessingRequest struct {
	ProjectID    string `json:"projectId" binding:"required"`
	FileURL      string `json:"fileUrl" binding:"required,url"`
	Operation    string `json:"operation" binding:"required,oneof=parse compress convert"`
	TargetFormat string `json:"targetFormat"`
}

// SubmitDataExportRequest is the body of POST /api/v1/jobs/data-export.
type SubmitDataExportRequest struct {
	ProjectID  string `json:"projectId" binding:"required"`
	ExportType string `json:"exportType" binding:"required"`
	Format     string `json:"format" binding:"required,oneof=json csv xml"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// JobStatusResponse merges the durable record with the queue's live view.
type JobStatusResponse struct {
	JobID        string          `json:"jobId"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RetryCount   int             `json:"retryCount"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	FailedAt     *time.Time      `json:"failedAt,omitempty"`
}

// ListJobsQuery filters GET /api/v1/jobs.
type ListJobsQuery struct {
	Status    string `form:"status"`
	Type      string `form:"type"`
	ProjectID string `form:"projectId"`
	Limit     int    `form:"limit"`
}
