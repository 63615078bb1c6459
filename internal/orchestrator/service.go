// Package orchestrator composes the shared containers, the scheduler, and
// the health monitor into the service the API surfaces.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/agent"
	"github.com/winfleet/winfleet/internal/common/config"
	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/events"
	"github.com/winfleet/winfleet/internal/events/bus"
	"github.com/winfleet/winfleet/internal/health"
	"github.com/winfleet/winfleet/internal/job"
	"github.com/winfleet/winfleet/internal/queue"
	"github.com/winfleet/winfleet/internal/scheduler"
	"github.com/winfleet/winfleet/internal/session"
	"github.com/winfleet/winfleet/internal/template"
	"github.com/winfleet/winfleet/internal/transport"
)

const eventSource = "winfleet-orchestrator"

// maxListTake caps the page size of job listings.
const maxListTake = 100

// Service is the orchestrator facade. All ingress operations go through it.
type Service struct {
	cfg       *config.Config
	store     *job.Store
	queue     *queue.PriorityQueue
	pool      *agent.Pool
	sessions  *session.Manager
	templates *template.Engine
	transport transport.Transport
	scheduler *scheduler.Scheduler
	monitor   *health.Monitor
	bus       bus.EventBus
	webhooks  *WebhookNotifier
	logger    *logger.Logger
}

// New builds a fully wired service. The provisioner decides how sessions are
// materialized (stub or Docker).
func New(cfg *config.Config, prov session.Provisioner, eventBus bus.EventBus, log *logger.Logger) (*Service, error) {
	store := job.NewStore(log)
	q := queue.New()
	pool := agent.NewPool(cfg.Agent.RecycleAfterJobs, log)
	sessions := session.NewManager(prov, cfg.RDP, cfg.Session, log)
	tr := transport.NewHTTPTransport(cfg.Scheduler, cfg.Transport, log)

	templates := template.NewEngine(log)
	if err := templates.LoadLibrary(cfg.Templates.Path); err != nil {
		return nil, err
	}

	sched := scheduler.New(cfg, store, q, pool, sessions, tr, eventBus, log)
	monitor := health.NewMonitor(cfg, store, pool, sessions, tr, sched, log)

	s := &Service{
		cfg:       cfg,
		store:     store,
		queue:     q,
		pool:      pool,
		sessions:  sessions,
		templates: templates,
		transport: tr,
		scheduler: sched,
		monitor:   monitor,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
	s.webhooks = NewWebhookNotifier(store, eventBus, log)
	return s, nil
}

// Start launches the scheduler, the health monitor, and the webhook
// notifier.
func (s *Service) Start(ctx context.Context) error {
	if err := s.webhooks.Start(); err != nil {
		return fmt.Errorf("failed to start webhook notifier: %w", err)
	}
	s.scheduler.Start()
	s.monitor.Start()

	// Pre-provisioned agents only make sense when sessions run real agent
	// containers; the stub provisioner would register endpoints nobody
	// serves.
	if s.cfg.Docker.Enabled && s.cfg.Agent.DefaultCount > 0 {
		go s.bootstrapAgents(ctx, s.cfg.Agent.DefaultCount)
	}

	s.logger.Info("orchestrator started")
	return nil
}

// bootstrapAgents registers the configured default fleet at startup.
// Failures are logged; the fleet can always be grown through the API.
func (s *Service) bootstrapAgents(ctx context.Context, count int) {
	for i := 1; i <= count; i++ {
		spec := AgentSpec{
			Name: fmt.Sprintf("winfleet-agent-%d", i),
			User: fmt.Sprintf("winfleet-%d", i),
		}
		if _, err := s.RegisterAgent(ctx, spec); err != nil {
			s.logger.Warn("default agent bootstrap failed",
				zap.String("name", spec.Name), zap.Error(err))
		}
	}
}

// Stop drains the background loops. In-flight jobs on agents are left to
// finish; their callbacks will find a fresh process gone.
func (s *Service) Stop() {
	s.monitor.Stop()
	s.scheduler.Stop()
	s.webhooks.Stop()
	s.logger.Info("orchestrator stopped")
}

// Bus exposes the event bus for streaming consumers.
func (s *Service) Bus() bus.EventBus { return s.bus }

// JobSpec is the validated input for job creation.
type JobSpec struct {
	Name            string
	ApplicationPath string
	Arguments       string
	Steps           []job.Step
	Priority        job.Priority
	MaxRetries      *int
	WebhookURL      string
	Metadata        map[string]interface{}
}

// CreateJob validates the submission, stores the job, and enqueues it.
func (s *Service) CreateJob(ctx context.Context, spec JobSpec) (*job.Job, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	j := job.New(spec.Name, spec.ApplicationPath, spec.Steps)
	j.Arguments = spec.Arguments
	j.WebhookURL = spec.WebhookURL
	j.Metadata = spec.Metadata
	if spec.Priority.Valid() {
		j.Priority = spec.Priority
	}
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return nil, apperrors.InvalidField("maxRetries", "must not be negative")
		}
		j.MaxRetries = *spec.MaxRetries
	} else {
		j.MaxRetries = s.cfg.Job.MaxRetries
	}

	return s.enqueue(ctx, j)
}

// ExecuteTemplate expands a template into a job and enqueues it.
func (s *Service) ExecuteTemplate(ctx context.Context, templateID string, params map[string]string, priority job.Priority, webhookURL string) (*job.Job, error) {
	j, err := s.templates.Expand(templateID, params)
	if err != nil {
		return nil, err
	}
	if priority.Valid() {
		j.Priority = priority
	}
	j.WebhookURL = webhookURL
	j.MaxRetries = s.cfg.Job.MaxRetries

	return s.enqueue(ctx, j)
}

func (s *Service) enqueue(ctx context.Context, j *job.Job) (*job.Job, error) {
	if err := s.store.Put(j); err != nil {
		return nil, err
	}
	s.publish(ctx, events.JobCreated, map[string]interface{}{
		"jobId": j.ID, "name": j.Name, "priority": int(j.Priority),
	})

	snap, err := s.store.Transition(j.ID, job.StatusQueued, job.TransitionOpts{})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Push(j.ID, snap.Priority); err != nil {
		return nil, err
	}
	s.publish(ctx, events.JobQueued, map[string]interface{}{"jobId": j.ID})

	s.scheduler.Wake()
	s.logger.Info("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("name", j.Name),
		zap.String("priority", snap.Priority.String()))
	return snap, nil
}

// GetJob returns a job snapshot.
func (s *Service) GetJob(id string) (*job.Job, error) {
	j, ok := s.store.Get(id)
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

// ListJobs returns jobs newest first, optionally filtered by status. take
// is capped at 100.
func (s *Service) ListJobs(statusFilter string, skip, take int) ([]*job.Job, error) {
	var filter job.Status
	if statusFilter != "" {
		filter = job.Status(strings.ToLower(statusFilter))
		if !filter.Valid() {
			return nil, apperrors.InvalidField("status", fmt.Sprintf("unknown status '%s'", statusFilter))
		}
	}
	if take <= 0 || take > maxListTake {
		take = maxListTake
	}
	return s.store.List(filter, skip, take), nil
}

// CancelJob cancels a job. Cancelling a cancelled job succeeds without
// effect.
func (s *Service) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.scheduler.Cancel(ctx, id)
}

// StatusCallback is the entry point for agent-side completion reports.
func (s *Service) StatusCallback(ctx context.Context, jobID string, status job.Status, result, errMsg string, screenshots []string) error {
	return s.scheduler.HandleStatusCallback(ctx, jobID, status, result, errMsg, screenshots)
}

// QueueSnapshot returns the queued jobs in dispatch order.
func (s *Service) QueueSnapshot() []queue.QueuedJob {
	return s.queue.Snapshot()
}

// AgentSpec is the input for agent registration.
type AgentSpec struct {
	Name         string
	User         string
	Endpoint     string
	Capabilities agent.Capabilities
}

// RegisterAgent provisions a session for the agent, binds them 1:1, and
// adds the agent to the pool as idle.
func (s *Service) RegisterAgent(ctx context.Context, spec AgentSpec) (*agent.Agent, error) {
	if spec.Name == "" {
		return nil, apperrors.InvalidField("name", "agent name is required")
	}
	if spec.User == "" {
		return nil, apperrors.InvalidField("user", "session user is required")
	}

	sess, err := s.sessions.Create(ctx, spec.User)
	if err != nil {
		return nil, apperrors.AgentUnavailable(
			fmt.Sprintf("session provisioning failed for agent '%s'", spec.Name), err)
	}

	endpoint := spec.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://127.0.0.1:%d", sess.Port)
	}

	a := &agent.Agent{
		ID:           sess.ID[:8] + "-" + spec.Name,
		Name:         spec.Name,
		Endpoint:     endpoint,
		Status:       agent.StatusIdle,
		Capabilities: spec.Capabilities,
		SessionID:    sess.ID,
	}
	if err := s.pool.Add(a); err != nil {
		// Roll the session back; the agent never joined.
		_ = s.sessions.Terminate(ctx, sess.ID)
		return nil, err
	}
	if err := s.sessions.Assign(sess.ID, a.ID); err != nil {
		_, _ = s.pool.Remove(a.ID)
		_ = s.sessions.Terminate(ctx, sess.ID)
		return nil, err
	}

	s.publish(ctx, events.AgentRegistered, map[string]interface{}{
		"agentId": a.ID, "name": a.Name, "sessionId": sess.ID,
	})
	s.publish(ctx, events.SessionCreated, map[string]interface{}{
		"sessionId": sess.ID, "user": sess.User, "port": sess.Port,
	})
	s.scheduler.Wake()

	registered, err := s.pool.Get(a.ID)
	if err != nil {
		return nil, err
	}
	return registered, nil
}

// UnregisterAgent removes the agent and terminates its session.
func (s *Service) UnregisterAgent(ctx context.Context, id string) error {
	a, err := s.pool.Remove(id)
	if err != nil {
		return err
	}
	s.transport.Forget(a.Endpoint)

	if a.SessionID != "" {
		if err := s.sessions.Terminate(ctx, a.SessionID); err != nil && !apperrors.IsNotFound(err) {
			s.logger.Warn("session termination failed during unregister",
				zap.String("session_id", a.SessionID), zap.Error(err))
		}
		s.publish(ctx, events.SessionTerminated, map[string]interface{}{"sessionId": a.SessionID})
	}
	s.publish(ctx, events.AgentUnregistered, map[string]interface{}{"agentId": id})
	return nil
}

// Heartbeat touches the agent's liveness timestamp.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	recovered, err := s.pool.Heartbeat(agentID)
	if err != nil {
		return err
	}
	if recovered {
		s.publish(ctx, events.AgentRecovered, map[string]interface{}{"agentId": agentID})
		s.scheduler.Wake()
	}
	return nil
}

// GetAgent returns an agent snapshot.
func (s *Service) GetAgent(id string) (*agent.Agent, error) {
	return s.pool.Get(id)
}

// ListAgents returns all agents.
func (s *Service) ListAgents() []*agent.Agent {
	return s.pool.List()
}

// ListSessions returns all session snapshots.
func (s *Service) ListSessions() []*session.Session {
	return s.sessions.List()
}

// ListTemplates returns the template library.
func (s *Service) ListTemplates() []*template.Template {
	return s.templates.List()
}

// GetTemplate returns one template.
func (s *Service) GetTemplate(id string) (*template.Template, error) {
	return s.templates.Get(id)
}

// Status summarizes the orchestrator's state for the health endpoint.
type Status struct {
	Status      string `json:"status"`
	Jobs        int    `json:"jobs"`
	QueuedJobs  int    `json:"queuedJobs"`
	Agents      int    `json:"agents"`
	Sessions    int    `json:"sessions"`
	BusHealthy  bool   `json:"busHealthy"`
}

// GetStatus reports aggregate counts.
func (s *Service) GetStatus() Status {
	return Status{
		Status:     "ok",
		Jobs:       s.store.Len(),
		QueuedJobs: s.queue.Len(),
		Agents:     s.pool.Len(),
		Sessions:   len(s.sessions.List()),
		BusHealthy: s.bus != nil && s.bus.IsConnected(),
	}
}

func validateSpec(spec JobSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return apperrors.InvalidField("name", "job name is required")
	}
	if strings.TrimSpace(spec.ApplicationPath) == "" {
		return apperrors.InvalidField("applicationPath", "application path is required")
	}
	if len(spec.Steps) == 0 {
		return apperrors.InvalidField("steps", "at least one step is required")
	}
	for i, st := range spec.Steps {
		if !job.ValidStepType(st.Type) {
			return apperrors.InvalidField("steps",
				fmt.Sprintf("step %d has unknown type '%s'", i, st.Type))
		}
	}
	if spec.Priority != 0 && !spec.Priority.Valid() {
		return apperrors.InvalidField("priority", fmt.Sprintf("unknown priority %d", spec.Priority))
	}
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
