package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/reconciler"
	"github.com/vidforge/orchestrator/internal/service"
	"github.com/vidforge/orchestrator/internal/store"
)

// stubReconciler satisfies the Reconciler capability interface without
// pulling the real reconciler's lease/store plumbing into handler tests.
type stubReconciler struct{}

func (stubReconciler) ReconcileOnce(context.Context) (reconciler.ReconcileResult, error) {
	return reconciler.ReconcileResult{}, nil
}

func newTestServer(t *testing.T) (*Server, store.JobStore) {
	t.Helper()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 4}, nil)
	svc := service.New(s, nil, nil, nil, service.DefaultConfig(), nil)
	return NewServer(svc, s, stubReconciler{}, nil, nil), s
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestSubmitJob_ValidRequestReturns202WithJobID(t *testing.T) {
	srv, _ := newTestServer(t)

	body, err := json.Marshal(createJobRequest{
		Payload:    domain.Payload{"images": []any{"a.png"}},
		WebhookURL: "https://example.com/hook",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/jobs/img2vid", bytes.NewReader(body))
	req = withURLParam(req, "operation", "img2vid")
	w := httptest.NewRecorder()

	srv.SubmitJob(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp service.SubmitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, domain.StatusQueued, resp.Status)
}

func TestSubmitJob_UnknownOperationReturns400(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/not_a_real_op", bytes.NewReader([]byte(`{}`)))
	req = withURLParam(req, "operation", "not_a_real_op")
	w := httptest.NewRecorder()

	srv.SubmitJob(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitJob_DisallowedWebhookHostReturns400(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(createJobRequest{
		Payload:    domain.Payload{},
		WebhookURL: "http://localhost/hook",
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs/transcribe", bytes.NewReader(body))
	req = withURLParam(req, "operation", "transcribe")
	w := httptest.NewRecorder()

	srv.SubmitJob(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_UnknownIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	req = withURLParam(req, "id", "does-not-exist")
	w := httptest.NewRecorder()

	srv.GetJob(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJob_ReturnsCreatedJob(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpTranscribe, WebhookURL: "https://example.com/hook"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	req = withURLParam(req, "id", job.ID)
	w := httptest.NewRecorder()

	srv.GetJob(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp service.StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, job.ID, resp.Job.ID)
}

func TestCancelJob_QueuedJobBecomesCancelled(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpTranscribe, WebhookURL: "https://example.com/hook"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	req = withURLParam(req, "id", job.ID)
	w := httptest.NewRecorder()

	srv.CancelJob(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	updated, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, updated.Status)
}

func TestCancelJob_AlreadyTerminalReturns409(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpTranscribe, WebhookURL: "https://example.com/hook"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	req = withURLParam(req, "id", job.ID)
	srv.CancelJob(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	req2 = withURLParam(req2, "id", job.ID)
	w := httptest.NewRecorder()
	srv.CancelJob(w, req2)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestQueueStats_ReturnsStoreStats(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	w := httptest.NewRecorder()

	srv.QueueStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats store.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 4, stats.MaxRemoteWorkers)
}
