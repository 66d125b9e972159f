package dispatcher

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

func newTestExecutor(t *testing.T, handler http.HandlerFunc) *executorclient.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return executorclient.New(server.URL, 2*time.Second, nil)
}

func imagesPayload(n int) domain.Payload {
	images := make([]any, n)
	for i := range images {
		images[i] = i
	}
	return domain.Payload{"images": images}
}

func TestDispatcher_SmallImg2Vid_SingleSubmission(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/submit", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"id": "remote-1"})
	})
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	d := New(s, exec, notifier)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpImg2Vid, Payload: imagesPayload(10)})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, job.ID))

	d.RunOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
	assert.Equal(t, 1, got.WorkersReserved)
	assert.Equal(t, []string{"remote-1"}, got.RemoteJobIDs)

	avail, err := s.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, avail)
}

func TestDispatcher_MultiChunkImg2Vid_SplitsAndReservesTwo(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)

	var gotStartIndexes []float64
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		payload := body["payload"].(map[string]any)
		gotStartIndexes = append(gotStartIndexes, payload["start_index"].(float64))
		json.NewEncoder(w).Encode(map[string]string{"id": "remote-chunk"})
	})
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	d := New(s, exec, notifier)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpImg2Vid, Payload: imagesPayload(60)})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, job.ID))

	d.RunOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
	assert.Equal(t, 2, got.WorkersReserved)
	assert.Len(t, got.RemoteJobIDs, 2)
	assert.ElementsMatch(t, []float64{0, 30}, gotStartIndexes)
}

func TestDispatcher_LocalPoolJob_ReenqueuedNotSubmitted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("local-pool job must never reach the remote executor")
	})
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	d := New(s, exec, notifier)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpCaptionSegmentsVPS})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, job.ID))

	d.RunOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)

	queued, err := s.Queued(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, queued)
}

func TestDispatcher_SubmissionFailure_ReleasesAndFails(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	d := New(s, exec, notifier)

	job, err := s.Create(ctx, domain.Draft{Operation: domain.OpTranscribe, WebhookURL: "http://example.invalid/hook"})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, job.ID))

	d.RunOnce(ctx)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, got.WorkersReserved)
	assert.NotEmpty(t, got.Error)

	avail, err := s.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, avail, "reserved workers must be released on submission failure")
}

func TestDispatcher_NonReentrant(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(store.Config{MaxRemoteWorkers: 3}, nil)
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "remote-1"})
	})
	notifier := webhook.New(webhook.Config{MaxAttempts: 1}, nil, nil)
	d := New(s, exec, notifier)

	d.running.Store(true)
	d.RunOnce(ctx) // must be a no-op while already running
	d.running.Store(false)
}
