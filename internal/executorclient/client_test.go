package executorclient

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
)

func TestClient_Submit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/submit", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(submitResponse{ID: "remote-1"})
	}))
	defer server.Close()

	c := New(server.URL, 2*time.Second, nil)
	id, err := c.Submit(context.Background(), domain.OpImg2Vid, domain.Payload{"images": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", id)
}

func TestClient_Status_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, 2*time.Second, nil)
	_, err := c.Status(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_Status_Completed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResult{Status: RemoteCompleted, Output: domain.Result{"videos": []any{}}})
	}))
	defer server.Close()

	c := New(server.URL, 2*time.Second, nil)
	res, err := c.Status(context.Background(), "remote-1")
	require.NoError(t, err)
	assert.Equal(t, RemoteCompleted, res.Status)
	assert.True(t, res.Status.Terminal())
}

func TestClient_Cancel_BestEffort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, 2*time.Second, nil)
	err := c.Cancel(context.Background(), "remote-1")
	assert.Error(t, err, "caller observes the failure but is expected to treat it as non-fatal")
}
