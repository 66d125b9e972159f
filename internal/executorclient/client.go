// Package executorclient wraps the remote serverless GPU fleet's
// HTTP/JSON control plane: submit, status, cancel (spec §4.3).
package executorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vidforge/orchestrator/internal/domain"
)

// RemoteStatus is one of the values the executor's status endpoint
// reports, consumed verbatim per spec §4.3/§6.
type RemoteStatus string

const (
	RemoteInQueue    RemoteStatus = "IN_QUEUE"
	RemoteInProgress RemoteStatus = "IN_PROGRESS"
	RemoteCompleted  RemoteStatus = "COMPLETED"
	RemoteFailed     RemoteStatus = "FAILED"
	RemoteCancelled  RemoteStatus = "CANCELLED"
	RemoteTimedOut   RemoteStatus = "TIMED_OUT"
)

// Terminal reports whether a remote status requires no further
// polling.
func (s RemoteStatus) Terminal() bool {
	switch s {
	case RemoteCompleted, RemoteFailed, RemoteCancelled, RemoteTimedOut:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by Status when the executor reports the
// remote job id no longer exists — the monitor's orphan-detection
// signal (§4.4.1).
var ErrNotFound = fmt.Errorf("executorclient: remote job not found")

// StatusResult is the decoded response of the status endpoint.
type StatusResult struct {
	Status RemoteStatus   `json:"status"`
	Output domain.Result  `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Client is a thin HTTP/JSON client for the remote executor fleet,
// wrapped in a circuit breaker so a flapping fleet degrades the
// dispatcher/monitor instead of piling up timeouts against it. The
// breaker settings mirror the shape used for outbound service calls
// in jordigilh-kubernaut's circuit-breaker wiring (the only pack repo
// depending on sony/gobreaker); rezkam-mono has no outbound HTTP
// client of its own to ground the transport plumbing on, so the
// request/response shape here follows plain net/http idiom instead.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// New constructs a Client. timeout bounds every individual HTTP call.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-executor",
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     logger,
	}
}

type submitRequest struct {
	Operation domain.Operation `json:"operation"`
	Payload   domain.Payload   `json:"payload"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit posts a sub-job to the executor and returns its assigned
// remote handle.
func (c *Client) Submit(ctx context.Context, op domain.Operation, payload domain.Payload) (string, error) {
	body, err := json.Marshal(submitRequest{Operation: op, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("executorclient: marshal submit: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("executorclient: submit returned %d: %s", resp.StatusCode, readBody(resp.Body))
		}

		var out submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("executorclient: decode submit response: %w", err)
		}
		return out.ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Status polls the executor for a remote job's current state. The
// status endpoint is idempotent and safe to poll repeatedly.
func (c *Client) Status(ctx context.Context, remoteID string) (StatusResult, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+remoteID, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("executorclient: status returned %d: %s", resp.StatusCode, readBody(resp.Body))
		}

		var out StatusResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("executorclient: decode status response: %w", err)
		}
		return out, nil
	})
	if err != nil {
		if err == ErrNotFound {
			return StatusResult{}, ErrNotFound
		}
		return StatusResult{}, err
	}
	return result.(StatusResult), nil
}

// Cancel requests best-effort cancellation of a remote job. Callers
// treat failure as non-fatal (§4.5.3, §5): local state transitions
// proceed regardless.
func (c *Client) Cancel(ctx context.Context, remoteID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cancel/"+remoteID, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
			return nil, fmt.Errorf("executorclient: cancel returned %d: %s", resp.StatusCode, readBody(resp.Body))
		}
		return nil, nil
	})
	if err != nil {
		c.log.Warn("best-effort remote cancel failed", "remote_id", remoteID, "error", err)
	}
	return err
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return string(b)
}
