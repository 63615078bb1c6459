package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/config"
	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/job"
)

// Transport delivers work to agents. Implementations must be safe for
// concurrent use.
type Transport interface {
	// Send delivers the job to the agent endpoint. A nil error means the
	// agent accepted the job.
	Send(ctx context.Context, endpoint string, j *job.Job) error

	// Cancel asks the agent to abort a job. Best-effort.
	Cancel(ctx context.Context, endpoint, jobID string) error

	// Status probes the agent's /status endpoint. Used when heartbeats go
	// stale to distinguish a faulted agent from a dead one.
	Status(ctx context.Context, endpoint string) error

	// Forget drops transport state for an endpoint after the agent leaves.
	Forget(endpoint string)
}

// retrySchedule is the backoff between send attempts. One initial try plus
// one per entry.
var retrySchedule = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// terminalStatus reports whether an HTTP status should not be retried.
// Client errors mean the payload is wrong; retrying cannot help.
func terminalStatus(code int) bool {
	return code >= 400 && code < 500
}

// HTTPTransport sends jobs to agents as JSON over HTTP, guarded by a
// per-endpoint circuit breaker.
type HTTPTransport struct {
	client   *http.Client
	breakers *breakerSet
	logger   *logger.Logger
}

// NewHTTPTransport creates a transport with the configured send timeout and
// circuit breaker settings.
func NewHTTPTransport(sched config.SchedulerConfig, tc config.TransportConfig, log *logger.Logger) *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: sched.SendTimeout()},
		breakers: newBreakerSet(tc.CircuitFailures, tc.CircuitCooldown()),
		logger:   log.WithFields(zap.String("component", "transport")),
	}
}

// Send posts the job to the agent's /jobs endpoint, retrying transient
// failures with backoff. A 4xx response or an open circuit fails
// immediately.
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, j *job.Job) error {
	cb := t.breakers.get(endpoint)
	if !cb.Allow() {
		return apperrors.TransportFailed(endpoint, ErrCircuitOpen)
	}

	payload, err := json.Marshal(j)
	if err != nil {
		return apperrors.Internal(fmt.Sprintf("failed to encode job '%s'", j.ID), err)
	}

	url := endpoint + "/jobs"
	var lastErr error
	for attempt := 0; attempt <= len(retrySchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				cb.RecordFailure()
				return apperrors.TransportFailed(endpoint, ctx.Err())
			case <-time.After(retrySchedule[attempt-1]):
			}
		}

		code, err := t.post(ctx, url, payload)
		if err == nil && code < 300 {
			cb.RecordSuccess()
			return nil
		}
		if err == nil {
			lastErr = fmt.Errorf("agent returned status %d", code)
			if terminalStatus(code) {
				cb.RecordFailure()
				return apperrors.TransportFailed(endpoint, lastErr)
			}
		} else {
			lastErr = err
		}

		t.logger.Warn("job send attempt failed",
			zap.String("endpoint", endpoint),
			zap.String("job_id", j.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	cb.RecordFailure()
	return apperrors.TransportFailed(endpoint, lastErr)
}

// Cancel posts a cancellation to the agent. A single attempt; failures are
// reported but the caller proceeds regardless.
func (t *HTTPTransport) Cancel(ctx context.Context, endpoint, jobID string) error {
	url := fmt.Sprintf("%s/jobs/%s/cancel", endpoint, jobID)
	code, err := t.post(ctx, url, nil)
	if err != nil {
		return apperrors.TransportFailed(endpoint, err)
	}
	if code >= 300 {
		return apperrors.TransportFailed(endpoint, fmt.Errorf("agent returned status %d", code))
	}
	return nil
}

// Status issues a GET against the agent's /status endpoint, short-circuited
// by the breaker like sends are.
func (t *HTTPTransport) Status(ctx context.Context, endpoint string) error {
	cb := t.breakers.get(endpoint)
	if !cb.Allow() {
		return apperrors.TransportFailed(endpoint, ErrCircuitOpen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/status", nil)
	if err != nil {
		return apperrors.TransportFailed(endpoint, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		cb.RecordFailure()
		return apperrors.TransportFailed(endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		cb.RecordFailure()
		return apperrors.TransportFailed(endpoint, fmt.Errorf("agent returned status %d", resp.StatusCode))
	}
	cb.RecordSuccess()
	return nil
}

// Forget drops the breaker for an endpoint.
func (t *HTTPTransport) Forget(endpoint string) {
	t.breakers.forget(endpoint)
}

func (t *HTTPTransport) post(ctx context.Context, url string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}
