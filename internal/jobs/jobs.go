package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of background work a job performs. Each type
// has its own queue and its own payload shape; dispatch on Type is an
// exhaustive switch at the worker boundary.
type Type string

const (
	TypeCodeExecution     Type = "code_execution"
	TypeFileProcessing    Type = "file_processing"
	TypeDataExport        Type = "data_export"
	TypeEmailNotification Type = "email_notification"
	TypeCleanup           Type = "cleanup"
)

// AllTypes lists every job type in a stable order. Queue maintenance and
// aggregate stats iterate over this.
func AllTypes() []Type {
	return []Type{
		TypeCodeExecution,
		TypeFileProcessing,
		TypeDataExport,
		TypeEmailNotification,
		TypeCleanup,
	}
}

// ParseType validates a wire-level job type string.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeCodeExecution, TypeFileProcessing, TypeDataExport, TypeEmailNotification, TypeCleanup:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown job type %q", ErrValidation, s)
}

// Status is the lifecycle state of a job. The queue entry and the durable
// record both carry one; the record keeps history after the entry is gone.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a status ends the job lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders delivery within one type's queue. Lower value wins.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 5
	PriorityLow      Priority = 10
)

// ParsePriority maps the wire-level priority name to its numeric rank.
// An empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// CodeExecutionPayload runs a source snippet in one of the supported
// languages under a bounded time budget.
type CodeExecutionPayload struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// FileProcessingPayload applies one operation to a stored file.
// TargetFormat is only meaningful for the convert operation.
type FileProcessingPayload struct {
	FileURL      string `json:"fileUrl"`
	Operation    string `json:"operation"` // parse | compress | convert
	TargetFormat string `json:"targetFormat,omitempty"`
}

// DataExportPayload serializes a project dataset into a downloadable
// artifact in the requested format (json | csv | xml).
type DataExportPayload struct {
	ExportType string `json:"exportType"`
	Format     string `json:"format"`
}

// EmailNotificationPayload renders a template and delivers it to one
// recipient.
type EmailNotificationPayload struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}

// CleanupPayload prunes terminal job records and queue entries older than
// the given age.
type CleanupPayload struct {
	OlderThanDays int `json:"olderThanDays"`
}

// Envelope is the common wrapper persisted as the queue payload and in the
// record store. Data holds the type-specific payload.
type Envelope struct {
	JobID     string          `json:"jobId"`
	UserID    string          `json:"userId"`
	ProjectID string          `json:"projectId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// EncodeEnvelope marshals an envelope around a typed payload.
func EncodeEnvelope(jobID, userID, projectID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{JobID: jobID, UserID: userID, ProjectID: projectID, Data: raw}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Backoff returns the delay before re-delivery of a failed attempt:
// base * 2^attempt, capped. attempt is zero-based (the first retry waits
// base).
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
