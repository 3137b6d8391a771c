package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hqtran/collabhub/internal/auth"
	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
)

// jobQueue is the slice of the queue contract the API drives.
type jobQueue interface {
	Enqueue(ctx context.Context, t jobs.Type, payload []byte, opts queue.EnqueueOptions) (string, error)
	Status(ctx context.Context, t jobs.Type, jobID string) (*queue.JobStatus, error)
	Stats(ctx context.Context, t jobs.Type) (*queue.Stats, error)
	Remove(ctx context.Context, t jobs.Type, jobID string) (bool, error)
	Retry(ctx context.Context, t jobs.Type, jobID string) (bool, error)
}

// recordStore is the slice of the record store the API drives.
type recordStore interface {
	Create(ctx context.Context, p records.CreateParams) (*records.Record, error)
	Get(ctx context.Context, jobID string) (*records.Record, error)
	UpdateStatus(ctx context.Context, jobID string, status jobs.Status, upd records.StatusUpdate) (*records.Record, error)
	ListForUser(ctx context.Context, userID string, filter records.ListFilter) ([]records.Record, error)
	ListForProject(ctx context.Context, projectID string, limit int) ([]records.Record, error)
}

// roleChecker resolves project membership for project-scoped routes.
type roleChecker interface {
	ProjectRole(ctx context.Context, projectID, userID string) (auth.Role, error)
}

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Logger   *slog.Logger
	Queue    jobQueue
	Store    recordStore
	Roles    roleChecker
	Verifier *auth.TokenVerifier
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	logger *slog.Logger
	queue  jobQueue
	store  recordStore
	roles  roleChecker
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
		store:  deps.Store,
		roles:  deps.Roles,
	}
}

// Response helpers keeping the {success, message, data} envelope the
// frontend expects.

func respondOK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "data": data})
}

func respondCreated(c *gin.Context, message string, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": message, "data": data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}
