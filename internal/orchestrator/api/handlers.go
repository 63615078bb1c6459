package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/agent"
	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/job"
	"github.com/winfleet/winfleet/internal/orchestrator"
)

// Handler contains the HTTP handlers for the ingress API.
type Handler struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(service *orchestrator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "ingress-api")),
	}
}

// respondError writes the uniform failure envelope.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.As(err)
	c.JSON(appErr.HTTPStatus, FailureResponse{
		Success:      false,
		ErrorMessage: appErr.Message,
		Errors:       []string{appErr.Code},
	})
}

// CreateJob handles POST /jobs.
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	j, err := h.service.CreateJob(c.Request.Context(), orchestrator.JobSpec{
		Name:            req.Name,
		ApplicationPath: req.ApplicationPath,
		Arguments:       req.Arguments,
		Steps:           req.Steps,
		Priority:        job.Priority(req.Priority),
		MaxRetries:      req.MaxRetries,
		WebhookURL:      req.WebhookURL,
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, JobIDResponse{JobID: j.ID})
}

// GetJob handles GET /jobs/:id.
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.service.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// ListJobs handles GET /jobs?status=&skip=&take=.
func (h *Handler) ListJobs(c *gin.Context) {
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	take, _ := strconv.Atoi(c.DefaultQuery("take", "50"))

	jobs, err := h.service.ListJobs(c.Query("status"), skip, take)
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// CancelJob handles POST /jobs/:id/cancel.
func (h *Handler) CancelJob(c *gin.Context) {
	ok, err := h.service.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: ok})
}

// StatusCallback handles PATCH /jobs/:id/status, the agent completion
// report.
func (h *Handler) StatusCallback(c *gin.Context) {
	var req StatusCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	jobID := c.Param("id")
	status := job.Status(strings.ToLower(req.Status))
	if err := h.service.StatusCallback(c.Request.Context(), jobID, status, req.Result, req.Error, req.Screenshots); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// ListTemplates handles GET /templates.
func (h *Handler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListTemplates())
}

// GetTemplate handles GET /templates/:id.
func (h *Handler) GetTemplate(c *gin.Context) {
	t, err := h.service.GetTemplate(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ExecuteTemplate handles POST /templates/:id/execute.
func (h *Handler) ExecuteTemplate(c *gin.Context) {
	var req ExecuteTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	j, err := h.service.ExecuteTemplate(c.Request.Context(), c.Param("id"),
		req.Parameters, job.Priority(req.Priority), req.WebhookURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, JobIDResponse{JobID: j.ID})
}

// RegisterAgent handles POST /agents.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	spec := orchestrator.AgentSpec{
		Name:     req.Name,
		User:     req.User,
		Endpoint: req.Endpoint,
	}
	if req.Capabilities != nil {
		spec.Capabilities = agent.Capabilities{
			MaxConcurrentJobs: req.Capabilities.MaxConcurrentJobs,
			SupportedAppTypes: req.Capabilities.SupportedAppTypes,
			Version:           req.Capabilities.Version,
		}
	}

	a, err := h.service.RegisterAgent(c.Request.Context(), spec)
	if err != nil {
		h.logger.Error("agent registration failed", zap.String("name", req.Name), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListAgents())
}

// GetAgent handles GET /agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.service.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Heartbeat handles POST /agents/:id/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	if err := h.service.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// UnregisterAgent handles DELETE /agents/:id.
func (h *Handler) UnregisterAgent(c *gin.Context) {
	if err := h.service.UnregisterAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ListSessions())
}

// GetQueue handles GET /queue.
func (h *Handler) GetQueue(c *gin.Context) {
	snapshot := h.service.QueueSnapshot()

	entries := make([]QueueEntryResponse, 0, len(snapshot))
	for _, qj := range snapshot {
		entries = append(entries, QueueEntryResponse{
			JobID:    qj.JobID,
			Priority: int(qj.Priority),
			Sequence: qj.Seq,
		})
	}
	c.JSON(http.StatusOK, QueueResponse{Jobs: entries, Total: len(entries)})
}

// GetStatus handles GET /status and GET /health.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetStatus())
}
