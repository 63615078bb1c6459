package api

import (
	"github.com/winfleet/winfleet/internal/job"
)

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Name            string                 `json:"name" binding:"required"`
	ApplicationPath string                 `json:"applicationPath" binding:"required"`
	Arguments       string                 `json:"arguments"`
	Steps           []job.Step             `json:"steps" binding:"required"`
	Priority        int                    `json:"priority"`
	MaxRetries      *int                   `json:"maxRetries"`
	WebhookURL      string                 `json:"webhookUrl"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// ExecuteTemplateRequest is the body of POST /templates/:id/execute.
type ExecuteTemplateRequest struct {
	Parameters map[string]string `json:"parameters"`
	Priority   int               `json:"priority"`
	WebhookURL string            `json:"webhookUrl"`
}

// RegisterAgentRequest is the body of POST /agents.
type RegisterAgentRequest struct {
	Name         string               `json:"name" binding:"required"`
	User         string               `json:"user" binding:"required"`
	Endpoint     string               `json:"endpoint"`
	Capabilities *CapabilitiesRequest `json:"capabilities"`
}

// CapabilitiesRequest mirrors agent.Capabilities on the wire.
type CapabilitiesRequest struct {
	MaxConcurrentJobs int      `json:"maxConcurrentJobs"`
	SupportedAppTypes []string `json:"supportedAppTypes"`
	Version           string   `json:"version"`
}

// StatusCallbackRequest is the body of PATCH /jobs/:id/status, sent by
// agents when a job finishes.
type StatusCallbackRequest struct {
	Status      string   `json:"status" binding:"required"`
	Result      string   `json:"result"`
	Error       string   `json:"error"`
	Screenshots []string `json:"screenshots"`
}

// JobIDResponse carries a created job's id.
type JobIDResponse struct {
	JobID string `json:"jobId"`
}

// SuccessResponse is the generic boolean outcome.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// FailureResponse is the uniform error envelope.
type FailureResponse struct {
	Success      bool     `json:"success"`
	ErrorMessage string   `json:"errorMessage"`
	Errors       []string `json:"errors"`
}

// QueueEntryResponse is one row of GET /queue.
type QueueEntryResponse struct {
	JobID    string `json:"jobId"`
	Priority int    `json:"priority"`
	Sequence uint64 `json:"sequence"`
}

// QueueResponse is the body of GET /queue.
type QueueResponse struct {
	Jobs  []QueueEntryResponse `json:"jobs"`
	Total int                  `json:"total"`
}
