package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
)

// Pool is the registry of live agents. Placement, heartbeat bookkeeping, and
// the recycle counter all live here.
type Pool struct {
	mu               sync.RWMutex
	agents           map[string]*Agent
	recycleAfterJobs int
	logger           *logger.Logger
}

// NewPool creates an empty agent pool. recycleAfterJobs is the executed-job
// count at which an agent is flagged for recycling.
func NewPool(recycleAfterJobs int, log *logger.Logger) *Pool {
	return &Pool{
		agents:           make(map[string]*Agent),
		recycleAfterJobs: recycleAfterJobs,
		logger:           log.WithFields(zap.String("component", "agent-pool")),
	}
}

// Add registers an agent. Duplicate ids are rejected.
func (p *Pool) Add(a *Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.agents[a.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("agent '%s' already registered", a.ID))
	}
	now := time.Now().UTC()
	a.RegisteredAt = now
	a.LastHeartbeat = now
	if a.Status == "" {
		a.Status = StatusIdle
	}
	p.agents[a.ID] = a.Clone()

	p.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("name", a.Name),
		zap.String("endpoint", a.Endpoint))
	return nil
}

// Remove unregisters an agent and returns its final snapshot.
func (p *Pool) Remove(id string) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	delete(p.agents, id)
	p.logger.Info("agent unregistered", zap.String("agent_id", id))
	return a, nil
}

// Get returns a snapshot of the agent.
func (p *Pool) Get(id string) (*Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return a.Clone(), nil
}

// List returns snapshots of all agents, ordered by id.
func (p *Pool) List() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered agents.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// Pick selects the best idle agent able to run applicationPath, or nil when
// none qualifies. Ranking: highest success rate, then fewest executed jobs,
// then lowest mean duration, then id.
func (p *Pool) Pick(applicationPath string) *Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []*Agent
	for _, a := range p.agents {
		if a.Status != StatusIdle {
			continue
		}
		if !a.Capabilities.Supports(applicationPath) {
			continue
		}
		if !a.HasCapacity() {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ra, rb := a.Metrics.SuccessRate(), b.Metrics.SuccessRate()
		if ra != rb {
			return ra > rb
		}
		if a.Metrics.JobsExecuted != b.Metrics.JobsExecuted {
			return a.Metrics.JobsExecuted < b.Metrics.JobsExecuted
		}
		da, db := a.Metrics.AvgDurationMs(), b.Metrics.AvgDurationMs()
		if da != db {
			return da < db
		}
		return a.ID < b.ID
	})
	return candidates[0].Clone()
}

// MarkBusy binds a job to the agent and flips it to busy.
func (p *Pool) MarkBusy(agentID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	if a.Status != StatusIdle {
		return apperrors.Conflict(fmt.Sprintf("agent '%s' is %s, not idle", agentID, a.Status))
	}
	a.CurrentJobIDs = append(a.CurrentJobIDs, jobID)
	a.Status = StatusBusy
	return nil
}

// Release detaches a finished job from the agent, records the outcome, and
// returns it to idle. Reports whether the agent has reached its recycle
// threshold. Releasing an agent that no longer exists is a no-op.
func (p *Pool) Release(agentID, jobID string, success bool, durationMs int64) (recycleNeeded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return false
	}

	a.CurrentJobIDs = removeString(a.CurrentJobIDs, jobID)
	a.Metrics.JobsExecuted++
	if success {
		a.Metrics.JobsSucceeded++
	} else {
		a.Metrics.JobsFailed++
	}
	if durationMs > 0 {
		a.Metrics.TotalExecMs += durationMs
	}
	if a.Status == StatusBusy && len(a.CurrentJobIDs) == 0 {
		a.Status = StatusIdle
	}
	return a.Metrics.JobsExecuted >= p.recycleAfterJobs
}

// DetachJob removes the job binding without touching metrics or status
// (cancellation of an assigned job before any outcome was reported).
func (p *Pool) DetachJob(agentID, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return
	}
	a.CurrentJobIDs = removeString(a.CurrentJobIDs, jobID)
	if a.Status == StatusBusy && len(a.CurrentJobIDs) == 0 {
		a.Status = StatusIdle
	}
}

// Heartbeat refreshes the agent's liveness timestamp. An offline agent that
// heartbeats again is recovered to idle; reports whether that happened.
func (p *Pool) Heartbeat(agentID string) (recovered bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return false, apperrors.NotFound("agent", agentID)
	}
	a.LastHeartbeat = time.Now().UTC()
	if a.Status == StatusOffline {
		a.Status = StatusIdle
		a.CurrentJobIDs = nil
		return true, nil
	}
	return false, nil
}

// MarkOffline flags the agent as unreachable and returns the job ids it was
// holding so the caller can fail them.
func (p *Pool) MarkOffline(agentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return nil
	}
	if a.Status == StatusOffline {
		return nil
	}
	held := append([]string(nil), a.CurrentJobIDs...)
	a.Status = StatusOffline
	a.CurrentJobIDs = nil

	p.logger.Warn("agent marked offline",
		zap.String("agent_id", agentID),
		zap.Int("orphaned_jobs", len(held)))
	return held
}

// MarkError flags the agent as faulted.
func (p *Pool) MarkError(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.agents[agentID]; ok {
		a.Status = StatusError
	}
}

// RecoverError returns a faulted agent to idle after a successful status
// probe. Reports whether a recovery happened.
func (p *Pool) RecoverError(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok || a.Status != StatusError {
		return false
	}
	a.Status = StatusIdle
	a.CurrentJobIDs = nil
	a.LastHeartbeat = time.Now().UTC()
	return true
}

// ByStatus returns snapshots of agents in the given status.
func (p *Pool) ByStatus(status Status) []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Agent
	for _, a := range p.agents {
		if a.Status == status {
			out = append(out, a.Clone())
		}
	}
	return out
}

// StaleAgents returns agents whose last heartbeat is older than the timeout
// and that are not already offline.
func (p *Pool) StaleAgents(now time.Time, timeout time.Duration) []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Agent
	for _, a := range p.agents {
		if a.Status == StatusOffline || a.Status == StatusRecycling {
			continue
		}
		if now.Sub(a.LastHeartbeat) >= timeout {
			out = append(out, a.Clone())
		}
	}
	return out
}

// BeginRecycle flips an idle agent into recycling so placement skips it.
// Busy agents cannot enter recycle; the caller retries after release.
func (p *Pool) BeginRecycle(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	if a.Status != StatusIdle {
		return apperrors.Conflict(fmt.Sprintf(
			"agent '%s' is %s; only idle agents recycle", agentID, a.Status))
	}
	a.Status = StatusRecycling
	return nil
}

// FinishRecycle completes a recycle: counters reset and the agent returns to
// idle (or error when the rebuild failed).
func (p *Pool) FinishRecycle(agentID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.agents[agentID]
	if !exists {
		return
	}
	if !ok {
		a.Status = StatusError
		return
	}
	a.Metrics = Metrics{}
	a.CurrentJobIDs = nil
	a.Status = StatusIdle
	a.LastHeartbeat = time.Now().UTC()
}

// BindSession records the 1:1 session binding on the agent.
func (p *Pool) BindSession(agentID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	a.SessionID = sessionID
	return nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
