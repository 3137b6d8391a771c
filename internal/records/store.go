package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hqtran/collabhub/internal/jobs"
)

// Record is the durable mirror of a job, kept independently of queue
// internals so status and history queries survive queue-entry expiry.
type Record struct {
	JobID        string          `db:"job_id" json:"jobId"`
	UserID       string          `db:"user_id" json:"userId"`
	ProjectID    sql.NullString  `db:"project_id" json:"projectId,omitempty"`
	Type         jobs.Type       `db:"type" json:"type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Priority     int             `db:"priority" json:"priority"`
	MaxRetries   int             `db:"max_retries" json:"maxRetries"`
	Status       jobs.Status     `db:"status" json:"status"`
	Result       json.RawMessage `db:"result" json:"result,omitempty"`
	ErrorMessage sql.NullString  `db:"error_message" json:"errorMessage,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retryCount"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updatedAt"`
	StartedAt    sql.NullTime    `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt  sql.NullTime    `db:"completed_at" json:"completedAt,omitempty"`
	FailedAt     sql.NullTime    `db:"failed_at" json:"failedAt,omitempty"`
}

const recordColumns = `job_id, user_id, project_id, type, payload, priority, max_retries,
		       status, result, error_message, retry_count,
		       created_at, updated_at, started_at, completed_at, failed_at`

// Store persists job records in PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store on an existing database handle.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateParams describes a new record at submission time.
type CreateParams struct {
	JobID      string
	UserID     string
	ProjectID  string
	Type       jobs.Type
	Payload    []byte
	Priority   jobs.Priority
	MaxRetries int
}

// Create inserts a pending record. A duplicate job id fails with
// jobs.ErrConflict.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Record, error) {
	query := `
		INSERT INTO job_records (job_id, user_id, project_id, type, payload, priority, max_retries, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + recordColumns

	var projectID any
	if p.ProjectID != "" {
		projectID = p.ProjectID
	}

	var rec Record
	err := s.db.GetContext(ctx, &rec, query,
		p.JobID, p.UserID, projectID, p.Type, p.Payload,
		int(p.Priority), p.MaxRetries, jobs.StatusPending,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, fmt.Errorf("%w: job id %s", jobs.ErrConflict, p.JobID)
		}
		return nil, jobs.NewTransientError(fmt.Errorf("create record %s: %w", p.JobID, err))
	}

	s.logger.Info("Job record created",
		slog.String("job_id", p.JobID),
		slog.String("job_type", string(p.Type)),
	)
	return &rec, nil
}

// StatusUpdate carries the optional fields of an UpdateStatus call.
type StatusUpdate struct {
	Result       []byte
	ErrorMessage string
	RetryCount   *int
}

// UpdateStatus moves a record to a new status. The terminal timestamp
// matching the status (started/completed/failed) is set automatically;
// cancellation keeps history without a terminal timestamp. An unknown job
// id fails with jobs.ErrNotFound.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status jobs.Status, upd StatusUpdate) (*Record, error) {
	fields := []string{"status = $2", "updated_at = NOW()"}
	args := []any{jobID, status}
	n := 3

	if upd.Result != nil {
		fields = append(fields, fmt.Sprintf("result = $%d", n))
		args = append(args, upd.Result)
		n++
	}
	if upd.ErrorMessage != "" {
		fields = append(fields, fmt.Sprintf("error_message = $%d", n))
		args = append(args, upd.ErrorMessage)
		n++
	}
	if upd.RetryCount != nil {
		fields = append(fields, fmt.Sprintf("retry_count = $%d", n))
		args = append(args, *upd.RetryCount)
		n++
	}

	// A record holds at most one terminal timestamp: a retry that
	// succeeds after a failure must clear the failure trail, and the
	// reverse transition must clear completed_at.
	switch status {
	case jobs.StatusProcessing:
		fields = append(fields, "started_at = NOW()")
	case jobs.StatusCompleted:
		fields = append(fields, "completed_at = NOW()", "failed_at = NULL", "error_message = NULL")
	case jobs.StatusFailed:
		fields = append(fields, "failed_at = NOW()", "completed_at = NULL")
	}

	query := "UPDATE job_records SET "
	for i, f := range fields {
		if i > 0 {
			query += ", "
		}
		query += f
	}
	query += " WHERE job_id = $1 RETURNING " + recordColumns

	var rec Record
	err := s.db.GetContext(ctx, &rec, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job id %s", jobs.ErrNotFound, jobID)
		}
		return nil, jobs.NewTransientError(fmt.Errorf("update record %s: %w", jobID, err))
	}

	s.logger.Info("Job record status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
	)
	return &rec, nil
}

// Get fetches one record by job id.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM job_records WHERE job_id = $1`

	var rec Record
	err := s.db.GetContext(ctx, &rec, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job id %s", jobs.ErrNotFound, jobID)
		}
		return nil, jobs.NewTransientError(fmt.Errorf("get record %s: %w", jobID, err))
	}
	return &rec, nil
}

// ListFilter narrows ListForUser. Zero values mean no filter; Limit
// defaults to 50.
type ListFilter struct {
	Status    jobs.Status
	Type      jobs.Type
	ProjectID string
	Limit     int
}

// ListForUser returns a user's records, newest created first.
func (s *Store) ListForUser(ctx context.Context, userID string, filter ListFilter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM job_records WHERE user_id = $1`
	args := []any{userID}
	n := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
		n++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", n)
		args = append(args, filter.Type)
		n++
	}
	if filter.ProjectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", n)
		args = append(args, filter.ProjectID)
		n++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)

	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, jobs.NewTransientError(fmt.Errorf("list records for user %s: %w", userID, err))
	}
	return recs, nil
}

// ListForProject returns a project's records, newest created first.
func (s *Store) ListForProject(ctx context.Context, projectID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + recordColumns + `
		FROM job_records
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, query, projectID, limit); err != nil {
		return nil, jobs.NewTransientError(fmt.Errorf("list records for project %s: %w", projectID, err))
	}
	return recs, nil
}

// DeleteOlderThan prunes terminal records past the retention window and
// returns how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := `
		DELETE FROM job_records
		WHERE created_at < NOW() - $1::interval
		  AND status IN ($2, $3, $4)`

	interval := fmt.Sprintf("%d seconds", int64(age.Seconds()))
	res, err := s.db.ExecContext(ctx, query, interval, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled)
	if err != nil {
		return 0, jobs.NewTransientError(fmt.Errorf("delete old records: %w", err))
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old records: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Old job records deleted",
			slog.Int64("count", deleted),
		)
	}
	return deleted, nil
}
