package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqtran/collabhub/internal/auth"
	"github.com/hqtran/collabhub/internal/jobs"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
)

type fakeQueue struct {
	enqueued    []queue.EnqueueOptions
	enqueuedFor map[string]jobs.Type
	status      *queue.JobStatus
	statusErr   error
	retried     bool
	retryErr    error
	removed     []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{enqueuedFor: make(map[string]jobs.Type)}
}

func (q *fakeQueue) Enqueue(_ context.Context, t jobs.Type, _ []byte, opts queue.EnqueueOptions) (string, error) {
	q.enqueued = append(q.enqueued, opts)
	q.enqueuedFor[opts.JobID] = t
	return opts.JobID, nil
}

func (q *fakeQueue) Status(context.Context, jobs.Type, string) (*queue.JobStatus, error) {
	return q.status, q.statusErr
}

func (q *fakeQueue) Stats(context.Context, jobs.Type) (*queue.Stats, error) {
	return &queue.Stats{Waiting: 1, Total: 1}, nil
}

func (q *fakeQueue) Remove(_ context.Context, _ jobs.Type, jobID string) (bool, error) {
	q.removed = append(q.removed, jobID)
	return true, nil
}

func (q *fakeQueue) Retry(context.Context, jobs.Type, string) (bool, error) {
	return q.retried, q.retryErr
}

type fakeStore struct {
	created  []records.CreateParams
	record   *records.Record
	getErr   error
	updates  []jobs.Status
	listUser []records.Record
	listProj []records.Record
}

func (s *fakeStore) Create(_ context.Context, p records.CreateParams) (*records.Record, error) {
	s.created = append(s.created, p)
	return &records.Record{JobID: p.JobID, Status: jobs.StatusPending}, nil
}

func (s *fakeStore) Get(context.Context, string) (*records.Record, error) {
	return s.record, s.getErr
}

func (s *fakeStore) UpdateStatus(_ context.Context, jobID string, status jobs.Status, _ records.StatusUpdate) (*records.Record, error) {
	s.updates = append(s.updates, status)
	return &records.Record{JobID: jobID, Status: status}, nil
}

func (s *fakeStore) ListForUser(context.Context, string, records.ListFilter) ([]records.Record, error) {
	return s.listUser, nil
}

func (s *fakeStore) ListForProject(context.Context, string, int) ([]records.Record, error) {
	return s.listProj, nil
}

type fakeRoles struct {
	role auth.Role
	err  error
}

func (r *fakeRoles) ProjectRole(context.Context, string, string) (auth.Role, error) {
	return r.role, r.err
}

func testRouter(q *fakeQueue, s *fakeStore, roles *fakeRoles) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewJobHandler(&Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Queue:  q,
		Store:  s,
		Roles:  roles,
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("principal", auth.Principal{UserID: "user-1", Name: "One"})
	})
	g := r.Group("/api/v1/jobs")
	g.POST("/code-execution", h.SubmitCodeExecution)
	g.POST("/file-processing", h.SubmitFileProcessing)
	g.POST("/data-export", h.SubmitDataExport)
	g.GET("", h.ListUserJobs)
	g.GET("/stats", h.GetQueueStats)
	g.GET("/projects/:projectId", h.ListProjectJobs)
	g.GET("/:jobId", h.GetJobStatus)
	g.POST("/:jobId/retry", h.RetryJob)
	g.DELETE("/:jobId", h.CancelJob)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return w, envelope
}

func TestSubmitCodeExecution(t *testing.T) {
	q := newFakeQueue()
	s := &fakeStore{}
	r := testRouter(q, s, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodPost, "/api/v1/jobs/code-execution",
		`{"projectId":"project-1","code":"console.log(1)","language":"javascript"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, envelope["success"])

	data := envelope["data"].(map[string]any)
	jobID := data["jobId"].(string)
	assert.NotEmpty(t, jobID)
	assert.Equal(t, "pending", data["status"])

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, jobID, q.enqueued[0].JobID)
	assert.Equal(t, jobs.PriorityNormal, q.enqueued[0].Priority)
	assert.Equal(t, jobs.TypeCodeExecution, q.enqueuedFor[jobID])

	require.Len(t, s.created, 1)
	assert.Equal(t, jobID, s.created[0].JobID)
	assert.Equal(t, "user-1", s.created[0].UserID)
	assert.Equal(t, "project-1", s.created[0].ProjectID)
	assert.Equal(t, 3, s.created[0].MaxRetries)

	var env jobs.Envelope
	require.NoError(t, json.Unmarshal(s.created[0].Payload, &env))
	assert.Equal(t, jobID, env.JobID)
}

func TestSubmitCodeExecutionRejectsUnknownLanguage(t *testing.T) {
	q := newFakeQueue()
	r := testRouter(q, &fakeStore{}, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodPost, "/api/v1/jobs/code-execution",
		`{"projectId":"project-1","code":"x","language":"cobol"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, envelope["success"])
	assert.Empty(t, q.enqueued)
}

func TestSubmitFileProcessingConvertRequiresTargetFormat(t *testing.T) {
	q := newFakeQueue()
	r := testRouter(q, &fakeStore{}, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodPost, "/api/v1/jobs/file-processing",
		`{"projectId":"project-1","fileUrl":"https://files.example.com/a.md","operation":"convert"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, envelope["message"], "targetFormat")
	assert.Empty(t, q.enqueued)
}

func TestSubmitDataExportRunsAtHighPriority(t *testing.T) {
	q := newFakeQueue()
	r := testRouter(q, &fakeStore{}, &fakeRoles{})

	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/jobs/data-export",
		`{"projectId":"project-1","exportType":"activity","format":"csv"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, jobs.PriorityHigh, q.enqueued[0].Priority)
}

func TestGetJobStatusPrefersLiveQueueState(t *testing.T) {
	q := newFakeQueue()
	q.status = &queue.JobStatus{JobID: "job-1", Status: jobs.StatusProcessing, Progress: 40}
	s := &fakeStore{record: &records.Record{
		JobID:  "job-1",
		UserID: "user-1",
		Type:   jobs.TypeCodeExecution,
		Status: jobs.StatusPending,
	}}
	r := testRouter(q, s, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodGet, "/api/v1/jobs/job-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	job := envelope["data"].(map[string]any)["job"].(map[string]any)
	assert.Equal(t, "processing", job["status"])
	assert.Equal(t, float64(40), job["progress"])
}

func TestGetJobStatusFallsBackToRecord(t *testing.T) {
	q := newFakeQueue()
	q.statusErr = jobs.ErrNotFound
	s := &fakeStore{record: &records.Record{
		JobID:  "job-1",
		UserID: "user-1",
		Type:   jobs.TypeCodeExecution,
		Status: jobs.StatusCompleted,
	}}
	r := testRouter(q, s, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodGet, "/api/v1/jobs/job-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	job := envelope["data"].(map[string]any)["job"].(map[string]any)
	assert.Equal(t, "completed", job["status"])
}

func TestGetJobStatusDeniedForOtherUser(t *testing.T) {
	s := &fakeStore{record: &records.Record{JobID: "job-1", UserID: "user-9", Type: jobs.TypeCodeExecution}}
	r := testRouter(newFakeQueue(), s, &fakeRoles{})

	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/jobs/job-1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetJobStatusUnknownJob(t *testing.T) {
	s := &fakeStore{getErr: jobs.ErrNotFound}
	r := testRouter(newFakeQueue(), s, &fakeRoles{})

	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/jobs/job-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryJob(t *testing.T) {
	tests := []struct {
		name       string
		record     *records.Record
		retried    bool
		wantStatus int
	}{
		{
			name:       "failed job is requeued",
			record:     &records.Record{JobID: "job-1", UserID: "user-1", Type: jobs.TypeCodeExecution, Status: jobs.StatusFailed},
			retried:    true,
			wantStatus: http.StatusOK,
		},
		{
			name:       "completed job cannot be retried",
			record:     &records.Record{JobID: "job-1", UserID: "user-1", Type: jobs.TypeCodeExecution, Status: jobs.StatusCompleted},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "other user's job is denied",
			record:     &records.Record{JobID: "job-1", UserID: "user-9", Type: jobs.TypeCodeExecution, Status: jobs.StatusFailed},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "queue no longer retryable",
			record:     &records.Record{JobID: "job-1", UserID: "user-1", Type: jobs.TypeCodeExecution, Status: jobs.StatusFailed},
			retried:    false,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			q.retried = tt.retried
			s := &fakeStore{record: tt.record}
			r := testRouter(q, s, &fakeRoles{})

			w, _ := doJSON(t, r, http.MethodPost, "/api/v1/jobs/job-1/retry", "")
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, []jobs.Status{jobs.StatusPending}, s.updates)
			} else {
				assert.Empty(t, s.updates)
			}
		})
	}
}

func TestCancelJob(t *testing.T) {
	q := newFakeQueue()
	s := &fakeStore{record: &records.Record{JobID: "job-1", UserID: "user-1", Type: jobs.TypeDataExport, Status: jobs.StatusPending}}
	r := testRouter(q, s, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodDelete, "/api/v1/jobs/job-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, envelope["success"])
	assert.Equal(t, []string{"job-1"}, q.removed)
	assert.Equal(t, []jobs.Status{jobs.StatusCancelled}, s.updates)
}

func TestListUserJobs(t *testing.T) {
	s := &fakeStore{listUser: []records.Record{
		{JobID: "job-1", UserID: "user-1"},
		{JobID: "job-2", UserID: "user-1"},
	}}
	r := testRouter(newFakeQueue(), s, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodGet, "/api/v1/jobs?status=completed&limit=10", "")

	require.Equal(t, http.StatusOK, w.Code)
	data := envelope["data"].(map[string]any)
	assert.Equal(t, float64(2), data["count"])
}

func TestListProjectJobsRequiresMembership(t *testing.T) {
	r := testRouter(newFakeQueue(), &fakeStore{}, &fakeRoles{err: jobs.ErrForbidden})

	w, _ := doJSON(t, r, http.MethodGet, "/api/v1/jobs/projects/project-1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListProjectJobs(t *testing.T) {
	s := &fakeStore{listProj: []records.Record{{JobID: "job-1"}}}
	r := testRouter(newFakeQueue(), s, &fakeRoles{role: auth.RoleViewer})

	w, envelope := doJSON(t, r, http.MethodGet, "/api/v1/jobs/projects/project-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), envelope["data"].(map[string]any)["count"])
}

func TestGetQueueStats(t *testing.T) {
	r := testRouter(newFakeQueue(), &fakeStore{}, &fakeRoles{})

	w, envelope := doJSON(t, r, http.MethodGet, "/api/v1/jobs/stats", "")

	require.Equal(t, http.StatusOK, w.Code)
	stats := envelope["data"].(map[string]any)["stats"].(map[string]any)
	assert.Len(t, stats, len(jobs.AllTypes()))
	for _, typ := range jobs.AllTypes() {
		assert.Contains(t, stats, string(typ))
	}
}
