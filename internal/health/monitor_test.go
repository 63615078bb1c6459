package health

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/winfleet/winfleet/internal/agent"
	"github.com/winfleet/winfleet/internal/common/config"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/job"
	"github.com/winfleet/winfleet/internal/session"
	"github.com/winfleet/winfleet/internal/transport"
)

// fakeLifecycle records which lifecycle actions a sweep requested.
type fakeLifecycle struct {
	mu       sync.Mutex
	timedOut []string
	offlined []string
	recycled []string
}

func (f *fakeLifecycle) TimeoutJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut = append(f.timedOut, jobID)
	return nil
}

func (f *fakeLifecycle) FailOffline(_ context.Context, agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlined = append(f.offlined, agentID)
}

func (f *fakeLifecycle) RecycleAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled = append(f.recycled, agentID)
	return nil
}

// probeTransport answers status probes with a fixed verdict.
type probeTransport struct {
	statusErr error
	probed    []string
}

func (p *probeTransport) Send(context.Context, string, *job.Job) error { return nil }
func (p *probeTransport) Cancel(context.Context, string, string) error { return nil }
func (p *probeTransport) Forget(string)                                {}
func (p *probeTransport) Status(_ context.Context, endpoint string) error {
	p.probed = append(p.probed, endpoint)
	return p.statusErr
}

var _ transport.Transport = (*probeTransport)(nil)

type monitorFixture struct {
	monitor   *Monitor
	store     *job.Store
	pool      *agent.Pool
	sessions  *session.Manager
	prov      *session.StubProvisioner
	lifecycle *fakeLifecycle
	probe     *probeTransport
}

func newMonitorFixture(t *testing.T, cfg *config.Config) *monitorFixture {
	t.Helper()
	log := logger.Default()

	prov := session.NewStubProvisioner()
	f := &monitorFixture{
		store: job.NewStore(log),
		pool:  agent.NewPool(50, log),
		sessions: session.NewManager(prov, config.RDPConfig{BasePort: 3390, PortSpread: 1000},
			config.SessionConfig{InactivityTimeoutHours: cfg.Session.InactivityTimeoutHours, MaxJobs: 100}, log),
		prov:      prov,
		lifecycle: &fakeLifecycle{},
		probe:     &probeTransport{},
	}
	f.monitor = NewMonitor(cfg, f.store, f.pool, f.sessions, f.probe, f.lifecycle, log)
	return f
}

func baseConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{TickSeconds: 5, SendTimeoutSeconds: 5},
		Agent:     config.AgentConfig{HeartbeatTimeoutMinutes: 60},
		Job:       config.JobConfig{TimeoutMinutes: 30},
		Session:   config.SessionConfig{InactivityTimeoutHours: 2, MaxJobs: 100},
		History:   config.HistoryConfig{MaxCompleted: 1000},
	}
}

func idleAgent(id string) *agent.Agent {
	return &agent.Agent{ID: id, Name: id, Endpoint: "http://" + id, Status: agent.StatusIdle}
}

func TestSweepAgentsFailsStale(t *testing.T) {
	cfg := baseConfig()
	// Zero timeout: every live agent counts as stale immediately.
	cfg.Agent.HeartbeatTimeoutMinutes = 0
	f := newMonitorFixture(t, cfg)
	_ = f.pool.Add(idleAgent("a1"))

	f.monitor.SweepAgents(context.Background())

	if len(f.lifecycle.offlined) != 1 || f.lifecycle.offlined[0] != "a1" {
		t.Errorf("expected a1 failed offline, got %v", f.lifecycle.offlined)
	}
}

func TestSweepAgentsKeepsFresh(t *testing.T) {
	f := newMonitorFixture(t, baseConfig())
	_ = f.pool.Add(idleAgent("a1"))

	f.monitor.SweepAgents(context.Background())

	if len(f.lifecycle.offlined) != 0 {
		t.Errorf("fresh agent failed offline: %v", f.lifecycle.offlined)
	}
}

func TestSweepAgentsRecoversErrored(t *testing.T) {
	f := newMonitorFixture(t, baseConfig())
	_ = f.pool.Add(idleAgent("a1"))
	f.pool.MarkError("a1")

	f.monitor.SweepAgents(context.Background())

	if len(f.probe.probed) != 1 {
		t.Fatalf("expected one status probe, got %v", f.probe.probed)
	}
	a, _ := f.pool.Get("a1")
	if a.Status != agent.StatusIdle {
		t.Errorf("expected recovered agent, got %s", a.Status)
	}
}

func TestSweepAgentsKeepsErroredWhenProbeFails(t *testing.T) {
	f := newMonitorFixture(t, baseConfig())
	_ = f.pool.Add(idleAgent("a1"))
	f.pool.MarkError("a1")
	f.probe.statusErr = errors.New("connection refused")

	f.monitor.SweepAgents(context.Background())

	a, _ := f.pool.Get("a1")
	if a.Status != agent.StatusError {
		t.Errorf("failed probe must leave the agent errored, got %s", a.Status)
	}
}

func TestSweepSessionsMarksUnhealthy(t *testing.T) {
	f := newMonitorFixture(t, baseConfig())
	s, err := f.sessions.Create(context.Background(), "alice")
	if err != nil {
		t.Fatalf("session create: %v", err)
	}
	f.prov.MarkUnhealthy("stub-alice-" + strconv.Itoa(s.Port))

	f.monitor.SweepSessions(context.Background())

	got, _ := f.sessions.Get(s.ID)
	if got.Status != session.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", got.Status)
	}
}

func TestSweepSessionsRecyclesInactive(t *testing.T) {
	cfg := baseConfig()
	// Zero inactivity budget: the session is idle-expired immediately.
	cfg.Session.InactivityTimeoutHours = 0
	f := newMonitorFixture(t, cfg)

	s, _ := f.sessions.Create(context.Background(), "alice")
	_ = f.sessions.Assign(s.ID, "a1")

	f.monitor.SweepSessions(context.Background())

	if len(f.lifecycle.recycled) != 1 || f.lifecycle.recycled[0] != "a1" {
		t.Errorf("expected recycle through agent a1, got %v", f.lifecycle.recycled)
	}
}

func TestSweepSessionsSkipsUnboundInactive(t *testing.T) {
	cfg := baseConfig()
	cfg.Session.InactivityTimeoutHours = 0
	f := newMonitorFixture(t, cfg)
	_, _ = f.sessions.Create(context.Background(), "alice")

	f.monitor.SweepSessions(context.Background())

	if len(f.lifecycle.recycled) != 0 {
		t.Errorf("unbound session must not trigger a recycle, got %v", f.lifecycle.recycled)
	}
}

func TestSweepJobsTimesOutLongRunners(t *testing.T) {
	cfg := baseConfig()
	// Zero budget: any running job is overdue.
	cfg.Job.TimeoutMinutes = 0
	f := newMonitorFixture(t, cfg)

	j := job.New("slow", "calc.exe", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	_ = f.store.Put(j)
	_, _ = f.store.Transition(j.ID, job.StatusQueued, job.TransitionOpts{})
	_, _ = f.store.Transition(j.ID, job.StatusAssigned, job.TransitionOpts{AgentID: "a1"})
	_, _ = f.store.Transition(j.ID, job.StatusRunning, job.TransitionOpts{})

	f.monitor.SweepJobs(context.Background())

	if len(f.lifecycle.timedOut) != 1 || f.lifecycle.timedOut[0] != j.ID {
		t.Errorf("expected %s timed out, got %v", j.ID, f.lifecycle.timedOut)
	}
}

func TestSweepJobsLeavesRecentRunners(t *testing.T) {
	f := newMonitorFixture(t, baseConfig())

	j := job.New("quick", "calc.exe", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	_ = f.store.Put(j)
	_, _ = f.store.Transition(j.ID, job.StatusQueued, job.TransitionOpts{})
	_, _ = f.store.Transition(j.ID, job.StatusAssigned, job.TransitionOpts{AgentID: "a1"})
	_, _ = f.store.Transition(j.ID, job.StatusRunning, job.TransitionOpts{})

	f.monitor.SweepJobs(context.Background())

	if len(f.lifecycle.timedOut) != 0 {
		t.Errorf("job inside its budget timed out: %v", f.lifecycle.timedOut)
	}
}

func TestSweepCleanup(t *testing.T) {
	cfg := baseConfig()
	cfg.History.MaxCompleted = 1
	f := newMonitorFixture(t, cfg)

	for i := 0; i < 3; i++ {
		j := job.New("done", "calc.exe", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
		_ = f.store.Put(j)
		_, _ = f.store.Transition(j.ID, job.StatusCancelled, job.TransitionOpts{})
	}

	orphan, _ := f.sessions.Create(context.Background(), "bob")

	f.monitor.SweepCleanup(context.Background())

	if f.store.Len() != 1 {
		t.Errorf("expected history pruned to 1, got %d", f.store.Len())
	}
	if !f.prov.Destroyed("stub-bob-" + strconv.Itoa(orphan.Port)) {
		t.Error("orphaned session environment was not destroyed")
	}
	if _, err := f.sessions.Get(orphan.ID); err == nil {
		t.Error("terminated session record was not dropped")
	}
}

