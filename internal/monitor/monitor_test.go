package monitor

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
	"github.com/vidforge/orchestrator/internal/webhook"
)

type stubReconciler struct{ calls int }

func (s *stubReconciler) ReconcileOnce(context.Context) error { s.calls++; return nil }

func submittedJob(t *testing.T, s *store.MemoryStore, op domain.Operation, remoteIDs []string, reserved int) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.Create(ctx, domain.Draft{Operation: op, WebhookURL: "http://example.invalid/hook"})
	require.NoError(t, err)

	ok, err := s.Reserve(ctx, reserved)
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC()
	submitted := domain.StatusSubmitted
	updated, err := s.Update(ctx, job.ID, domain.Patch{
		Status:          &submitted,
		RemoteJobIDs:    remoteIDs,
		SubmittedAt:     &now,
		WorkersReserved: &reserved,
	})
	require.NoError(t, err)
	return updated
}

func TestMonitor_PollActiveOnce_AllCompleted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(executorclient.StatusResult{
			Status: executorclient.RemoteCompleted,
			Output: domain.Result{"videos": []any{map[string]any{"filename": "video_0.mp4"}}},
		})
	}))
	defer server.Close()

	exec := executorclient.New(server.URL, time.Second, nil)
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	rec := &stubReconciler{}
	m := New(s, exec, notifier, rec, Config{}, nil)

	job := submittedJob(t, s, domain.OpImg2Vid, []string{"remote-1"}, 1)

	m.PollActiveOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.WorkersReserved)

	avail, err := s.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, avail)
}

func TestMonitor_PollActiveOnce_Orphaned(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	exec := executorclient.New(server.URL, time.Second, nil)
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	m := New(s, exec, notifier, &stubReconciler{}, Config{}, nil)

	job := submittedJob(t, s, domain.OpTranscribe, []string{"remote-1"}, 1)

	m.PollActiveOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "orphaned")
}

func TestMonitor_SweepTimeoutsOnce_BreachesBudget(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := executorclient.New(server.URL, time.Second, nil)
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	m := New(s, exec, notifier, &stubReconciler{}, Config{}, nil)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpConcatenate, WebhookURL: "http://example.invalid/hook"})
	require.NoError(t, err)
	ok, err := s.Reserve(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	longAgo := time.Now().UTC().Add(-21 * time.Minute)
	submitted := domain.StatusSubmitted
	reserved := 1
	_, err = s.Update(ctx, job.ID, domain.Patch{Status: &submitted, RemoteJobIDs: []string{"r1"}, SubmittedAt: &longAgo, ProcessingStartedAt: &longAgo, WorkersReserved: &reserved})
	require.NoError(t, err)

	m.SweepTimeoutsOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timeout")
}

func TestMonitor_MultiChunkAggregation_SortsByVideoSuffix(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)

	callN := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callN++
		if callN == 1 {
			json.NewEncoder(w).Encode(executorclient.StatusResult{
				Status: executorclient.RemoteCompleted,
				Output: domain.Result{"videos": []any{map[string]any{"filename": "video_30.mp4"}}},
			})
			return
		}
		json.NewEncoder(w).Encode(executorclient.StatusResult{
			Status: executorclient.RemoteCompleted,
			Output: domain.Result{"videos": []any{map[string]any{"filename": "video_0.mp4"}}},
		})
	}))
	defer server.Close()

	exec := executorclient.New(server.URL, time.Second, nil)
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	m := New(s, exec, notifier, &stubReconciler{}, Config{}, nil)

	job := submittedJob(t, s, domain.OpImg2Vid, []string{"remote-a", "remote-b"}, 2)

	m.PollActiveOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	videos := got.Result["videos"].([]any)
	require.Len(t, videos, 2)
	first := videos[0].(map[string]any)
	assert.Equal(t, "video_0.mp4", first["filename"])
}
