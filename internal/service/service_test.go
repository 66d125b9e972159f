package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/executorclient"
	"github.com/vidforge/orchestrator/internal/store"
)

type stubAlerter struct {
	calls []string
}

func (s *stubAlerter) Alert(_ context.Context, level, message string, depth int) {
	s.calls = append(s.calls, level)
}

func newTestExecutor(t *testing.T, handler http.HandlerFunc) *executorclient.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return executorclient.New(server.URL, 2*time.Second, nil)
}

func TestService_Create_RejectsDisallowedWebhook(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)
	svc := New(s, nil, nil, nil, DefaultConfig(), nil)

	_, err := svc.Create(ctx, domain.OpTranscribe, domain.Payload{}, "http://127.0.0.1/hook", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidWebhookURL)

	_, err = svc.Create(ctx, domain.OpTranscribe, domain.Payload{}, "ftp://example.com/hook", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidWebhookURL)
}

func TestService_Create_EnqueuesAndEstimatesWait(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 2}, nil)
	svc := New(s, nil, nil, nil, Config{MaxRemoteWorkers: 2, MaxLocalConcurrency: 2}, nil)

	resp, err := svc.Create(ctx, domain.OpTranscribe, domain.Payload{}, "https://example.com/hook", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, resp.Status)
	assert.Equal(t, 1, resp.QueuePosition)
	assert.Greater(t, resp.EstimatedWait, time.Duration(0))
}

func TestService_Create_AlertsAtWarningDepth(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 2}, nil)
	alerter := &stubAlerter{}
	svc := New(s, nil, nil, alerter, DefaultConfig(), nil)

	for i := 0; i < 15; i++ {
		_, err := svc.Create(ctx, domain.OpTranscribe, domain.Payload{}, "https://example.com/hook", nil)
		require.NoError(t, err)
	}

	require.Len(t, alerter.calls, 1)
	assert.Equal(t, "WARNING", alerter.calls[0])
}

func TestService_Create_ThrottlesRepeatedAlerts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 2}, nil)
	alerter := &stubAlerter{}
	cfg := DefaultConfig()
	cfg.QueueAlertWindow = time.Hour
	svc := New(s, nil, nil, alerter, cfg, nil)

	for i := 0; i < 25; i++ {
		_, err := svc.Create(ctx, domain.OpTranscribe, domain.Payload{}, "https://example.com/hook", nil)
		require.NoError(t, err)
	}

	assert.Len(t, alerter.calls, 1, "only one alert should fire within the throttle window despite crossing WARNING then CRITICAL")
}

func TestService_Get_ComputesProgressForActiveRemoteJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 2}, nil)

	callN := 0
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		callN++
		status := executorclient.RemoteInProgress
		if callN == 1 {
			status = executorclient.RemoteCompleted
		}
		json.NewEncoder(w).Encode(executorclient.StatusResult{Status: status})
	})

	svc := New(s, exec, nil, nil, DefaultConfig(), nil)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpImg2Vid})
	require.NoError(t, err)

	ok, err := s.Reserve(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC()
	submitted := domain.StatusSubmitted
	reserved := 2
	_, err = s.Update(ctx, job.ID, domain.Patch{
		Status:          &submitted,
		RemoteJobIDs:    []string{"r1", "r2"},
		SubmittedAt:     &now,
		WorkersReserved: &reserved,
	})
	require.NoError(t, err)

	resp, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 1, resp.Progress.Completed)
	assert.Equal(t, 2, resp.Progress.Total)
	assert.Equal(t, 50.0, resp.Progress.Percentage)
}

func TestService_Cancel_QueuedJob_TerminatesWithoutReleasingWorkers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)
	svc := New(s, nil, nil, nil, DefaultConfig(), nil)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpTranscribe})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, job.ID))

	require.NoError(t, svc.Cancel(ctx, job.ID))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	avail, err := s.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, avail)
}

func TestService_Cancel_SubmittedJob_ReleasesWorkersAndBestEffortCancels(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)

	cancelled := []string{}
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		cancelled = append(cancelled, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	svc := New(s, exec, nil, nil, DefaultConfig(), nil)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpImg2Vid})
	require.NoError(t, err)
	ok, err := s.Reserve(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	submitted := domain.StatusSubmitted
	reserved := 1
	_, err = s.Update(ctx, job.ID, domain.Patch{Status: &submitted, RemoteJobIDs: []string{"r1"}, WorkersReserved: &reserved})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, job.ID))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 0, got.WorkersReserved)
	assert.Len(t, cancelled, 1)

	avail, err := s.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, avail)
}

func TestService_Cancel_TerminalJob_Rejected(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)
	svc := New(s, nil, nil, nil, DefaultConfig(), nil)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpTranscribe})
	require.NoError(t, err)
	completed := domain.StatusCompleted
	_, err = s.Update(ctx, job.ID, domain.Patch{Status: &completed})
	require.NoError(t, err)

	err = svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobTerminal)
}
