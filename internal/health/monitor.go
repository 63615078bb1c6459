// Package health runs the periodic sweeps: agent liveness, session
// lifecycle, job timeouts, and history cleanup. Each sweep runs on its own
// cadence; a failing sweep logs and never aborts its siblings.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/agent"
	"github.com/winfleet/winfleet/internal/common/config"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/job"
	"github.com/winfleet/winfleet/internal/session"
	"github.com/winfleet/winfleet/internal/transport"
)

// Sweep cadences.
const (
	agentSweepInterval   = 2 * time.Minute
	sessionSweepInterval = 2 * time.Minute
	jobSweepInterval     = 2 * time.Minute
	cleanupInterval      = 4 * time.Hour
)

// Lifecycle is the slice of the scheduler the monitor drives. Keeping it an
// interface lets sweep tests run against a fake.
type Lifecycle interface {
	TimeoutJob(ctx context.Context, jobID string) error
	FailOffline(ctx context.Context, agentID string)
	RecycleAgent(ctx context.Context, agentID string) error
}

// Monitor owns the sweep goroutines.
type Monitor struct {
	cfg       *config.Config
	store     *job.Store
	pool      *agent.Pool
	sessions  *session.Manager
	transport transport.Transport
	lifecycle Lifecycle
	logger    *logger.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor wires a monitor over the shared containers.
func NewMonitor(
	cfg *config.Config,
	store *job.Store,
	pool *agent.Pool,
	sessions *session.Manager,
	tr transport.Transport,
	lifecycle Lifecycle,
	log *logger.Logger,
) *Monitor {
	return &Monitor{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		sessions:  sessions,
		transport: tr,
		lifecycle: lifecycle,
		logger:    log.WithFields(zap.String("component", "health-monitor")),
		stopCh:    make(chan struct{}),
	}
}

// Start launches one goroutine per sweep.
func (m *Monitor) Start() {
	m.startSweep("agent-health", agentSweepInterval, m.SweepAgents)
	m.startSweep("session-health", sessionSweepInterval, m.SweepSessions)
	m.startSweep("job-health", jobSweepInterval, m.SweepJobs)
	m.startSweep("cleanup", cleanupInterval, m.SweepCleanup)
	m.logger.Info("health monitor started")
}

// Stop signals all sweeps and waits for them to drain.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) startSweep(name string, interval time.Duration, sweep func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runSweep(name, sweep)
			}
		}
	}()
}

// runSweep isolates one sweep execution; a panic is logged and the cadence
// continues.
func (m *Monitor) runSweep(name string, sweep func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("sweep panicked", zap.String("sweep", name), zap.Any("panic", r))
		}
	}()
	sweep(context.Background())
}

// SweepAgents marks stale agents offline (failing their jobs) and probes
// faulted agents for recovery.
func (m *Monitor) SweepAgents(ctx context.Context) {
	now := time.Now().UTC()
	timeout := m.cfg.Agent.HeartbeatTimeout()

	for _, a := range m.pool.StaleAgents(now, timeout) {
		m.logger.Warn("agent heartbeat stale",
			zap.String("agent_id", a.ID),
			zap.Time("last_heartbeat", a.LastHeartbeat))
		m.lifecycle.FailOffline(ctx, a.ID)
	}

	for _, a := range m.pool.ByStatus(agent.StatusError) {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Scheduler.SendTimeout())
		err := m.transport.Status(probeCtx, a.Endpoint)
		cancel()
		if err != nil {
			continue
		}
		if m.pool.RecoverError(a.ID) {
			m.logger.Info("agent recovered from error", zap.String("agent_id", a.ID))
		}
	}
}

// SweepSessions health-checks live sessions and recycles the ones past
// their inactivity or job-count limits through their bound agent.
func (m *Monitor) SweepSessions(ctx context.Context) {
	for _, s := range m.sessions.List() {
		if s.Status == session.StatusTerminated || s.Status == session.StatusTerminating ||
			s.Status == session.StatusRecycling {
			continue
		}
		if _, err := m.sessions.CheckHealth(ctx, s.ID); err != nil {
			m.logger.Warn("session health check failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	for _, s := range m.sessions.Inactive(now) {
		if s.AgentID == "" {
			continue
		}
		m.logger.Info("session idle past limit, recycling",
			zap.String("session_id", s.ID),
			zap.String("agent_id", s.AgentID),
			zap.Time("last_activity", s.LastActivity))
		if err := m.lifecycle.RecycleAgent(ctx, s.AgentID); err != nil {
			m.logger.Warn("session recycle failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// SweepJobs times out jobs running past the configured bound.
func (m *Monitor) SweepJobs(ctx context.Context) {
	now := time.Now().UTC()
	limit := m.cfg.Job.Timeout()

	for _, j := range m.store.ByStatus(job.StatusRunning) {
		if j.StartedAt == nil || now.Sub(*j.StartedAt) < limit {
			continue
		}
		m.logger.Warn("job exceeded execution timeout",
			zap.String("job_id", j.ID),
			zap.Time("started_at", *j.StartedAt))
		if err := m.lifecycle.TimeoutJob(ctx, j.ID); err != nil {
			m.logger.Error("failed to time out job", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
}

// SweepCleanup prunes terminal job history, terminates orphaned sessions,
// and drops terminated session records.
func (m *Monitor) SweepCleanup(ctx context.Context) {
	m.store.Prune(m.cfg.History.MaxCompleted)

	for _, s := range m.sessions.Orphans() {
		m.logger.Info("terminating orphaned session", zap.String("session_id", s.ID))
		if err := m.sessions.Terminate(ctx, s.ID); err != nil {
			m.logger.Warn("orphan termination failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	if dropped := m.sessions.DropTerminated(); dropped > 0 {
		m.logger.Info("dropped terminated sessions", zap.Int("count", dropped))
	}
}
