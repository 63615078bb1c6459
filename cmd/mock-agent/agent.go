package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/job"
)

type mockAgentOptions struct {
	Name            string
	User            string
	Port            int
	OrchestratorURL string
	SupportedApps   []string
	FailJobs        bool
	StepDelay       time.Duration
}

// mockAgent fakes the agent side of the protocol: accept, execute, report.
type mockAgent struct {
	opts   mockAgentOptions
	client *http.Client
	logger *logger.Logger

	mu        sync.Mutex
	agentID   string
	active    map[string]context.CancelFunc
	completed int
}

func newMockAgent(opts mockAgentOptions, log *logger.Logger) *mockAgent {
	return &mockAgent{
		opts:   opts,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithFields(zap.String("component", "mock-agent")),
		active: make(map[string]context.CancelFunc),
	}
}

func splitApps(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// register announces the agent to the orchestrator and records the id it
// was assigned.
func (a *mockAgent) register(ctx context.Context) error {
	body := map[string]interface{}{
		"name":     a.opts.Name,
		"user":     a.opts.User,
		"endpoint": fmt.Sprintf("http://127.0.0.1:%d", a.opts.Port),
		"capabilities": map[string]interface{}{
			"maxConcurrentJobs": 1,
			"supportedAppTypes": a.opts.SupportedApps,
			"version":           "mock-1.0",
		},
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.opts.OrchestratorURL+"/api/v1/agents", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration rejected with status %d: %s", resp.StatusCode, data)
	}

	var registered struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&registered); err != nil {
		return err
	}

	a.mu.Lock()
	a.agentID = registered.ID
	a.mu.Unlock()

	a.logger.Info("registered with orchestrator", zap.String("agent_id", registered.ID))
	return nil
}

func (a *mockAgent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			id := a.agentID
			a.mu.Unlock()
			if id == "" {
				continue
			}

			url := fmt.Sprintf("%s/api/v1/agents/%s/heartbeat", a.opts.OrchestratorURL, id)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				continue
			}
			resp, err := a.client.Do(req)
			if err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}
}

func (a *mockAgent) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/jobs", a.acceptJob)
	router.POST("/jobs/:id/cancel", a.cancelJob)
	router.GET("/status", a.status)
	router.GET("/health", a.status)
	return router
}

// acceptJob acknowledges the job and executes it in the background.
func (a *mockAgent) acceptJob(c *gin.Context) {
	var j job.Job
	if err := c.ShouldBindJSON(&j); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.active[j.ID] = cancel
	a.mu.Unlock()

	go a.execute(runCtx, &j)

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "jobId": j.ID})
}

func (a *mockAgent) cancelJob(c *gin.Context) {
	jobID := c.Param("id")

	a.mu.Lock()
	cancel, ok := a.active[jobID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (a *mockAgent) status(c *gin.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"agentId":   a.agentID,
		"active":    len(a.active),
		"completed": a.completed,
	})
}

// execute walks the job's steps with a fixed delay each, then reports the
// outcome. A cancelled context stops execution without a callback; the
// orchestrator already closed the job on its side.
func (a *mockAgent) execute(ctx context.Context, j *job.Job) {
	defer func() {
		a.mu.Lock()
		delete(a.active, j.ID)
		a.completed++
		a.mu.Unlock()
	}()

	a.logger.Info("executing job",
		zap.String("job_id", j.ID),
		zap.String("application", j.ApplicationPath),
		zap.Int("steps", len(j.Steps)))

	for _, step := range j.Steps {
		select {
		case <-ctx.Done():
			a.logger.Info("job cancelled mid-execution", zap.String("job_id", j.ID))
			return
		case <-time.After(a.opts.StepDelay):
		}
		a.logger.Debug("step executed",
			zap.String("job_id", j.ID),
			zap.Int("order", step.Order),
			zap.String("type", string(step.Type)))
	}

	if a.opts.FailJobs {
		a.report(j.ID, "failed", "", "simulated step failure")
		return
	}
	a.report(j.ID, "success", fmt.Sprintf("completed %d steps", len(j.Steps)), "")
}

func (a *mockAgent) report(jobID, status, result, errMsg string) {
	body := map[string]interface{}{
		"status": status,
		"result": result,
		"error":  errMsg,
	}
	payload, _ := json.Marshal(body)

	url := fmt.Sprintf("%s/api/v1/jobs/%s/status", a.opts.OrchestratorURL, jobID)
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("status callback failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	a.logger.Info("job reported",
		zap.String("job_id", jobID),
		zap.String("status", status),
		zap.Int("http_status", resp.StatusCode))
}
