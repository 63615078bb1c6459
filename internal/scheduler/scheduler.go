// Package scheduler runs the dispatch loop: it drains the priority queue
// onto idle agents, handles agent status callbacks, retries, cancellation,
// timeouts, and agent recycling.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/agent"
	"github.com/winfleet/winfleet/internal/common/config"
	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/events"
	"github.com/winfleet/winfleet/internal/events/bus"
	"github.com/winfleet/winfleet/internal/job"
	"github.com/winfleet/winfleet/internal/queue"
	"github.com/winfleet/winfleet/internal/session"
	"github.com/winfleet/winfleet/internal/transport"
)

const eventSource = "winfleet-scheduler"

// Scheduler owns the dispatch loop and every transition it implies. All
// dependencies are injected; the scheduler holds no lock while talking to
// agents.
type Scheduler struct {
	cfg       *config.Config
	store     *job.Store
	queue     *queue.PriorityQueue
	pool      *agent.Pool
	sessions  *session.Manager
	transport transport.Transport
	bus       bus.EventBus
	logger    *logger.Logger

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires a scheduler over the shared containers and registers the
// terminal hook that releases agents when jobs complete.
func New(
	cfg *config.Config,
	store *job.Store,
	q *queue.PriorityQueue,
	pool *agent.Pool,
	sessions *session.Manager,
	tr transport.Transport,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		queue:     q,
		pool:      pool,
		sessions:  sessions,
		transport: tr,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	store.SetTerminalHook(s.onTerminal)
	return s
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
		s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.Scheduler.Tick()))
	})
}

// Stop signals the loop to finish its current tick and waits for all
// supervised work to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Wake nudges the loop to dispatch without waiting for the next tick.
// Non-blocking; a pending wake is enough.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Scheduler.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Dispatch(context.Background())
		case <-s.wake:
			s.Dispatch(context.Background())
		}
	}
}

// Dispatch drains the queue onto idle agents. Jobs with no fitting agent go
// back to the queue with their sequence preserved so FIFO order inside a
// priority band survives the bounce.
func (s *Scheduler) Dispatch(ctx context.Context) {
	var unplaced []*queue.QueuedJob
	defer func() {
		for _, qj := range unplaced {
			if err := s.queue.PushWithSeq(qj.JobID, qj.Priority, qj.Seq); err != nil {
				s.logger.Error("failed to requeue job", zap.String("job_id", qj.JobID), zap.Error(err))
			}
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		qj := s.queue.Pop()
		if qj == nil {
			return
		}

		j, ok := s.store.Get(qj.JobID)
		if !ok || j.Status != job.StatusQueued {
			// Cancelled or pruned while queued; drop silently.
			continue
		}

		picked := s.pool.Pick(j.ApplicationPath)
		if picked == nil {
			unplaced = append(unplaced, qj)
			// Nothing idle fits this job; try the next one, a different
			// capability profile may match.
			if s.queue.Len() == 0 {
				return
			}
			continue
		}

		if !s.place(ctx, j, picked, qj) {
			continue
		}
	}
}

// place commits the assignment, performs the send with locks released, and
// commits or rolls back afterwards. Returns false when the job bounced.
func (s *Scheduler) place(ctx context.Context, j *job.Job, a *agent.Agent, qj *queue.QueuedJob) bool {
	if err := s.pool.MarkBusy(a.ID, j.ID); err != nil {
		// Lost the race for this agent; put the job back untouched.
		if perr := s.queue.PushWithSeq(qj.JobID, qj.Priority, qj.Seq); perr != nil {
			s.logger.Error("failed to requeue job", zap.String("job_id", j.ID), zap.Error(perr))
		}
		return false
	}

	if _, err := s.store.Transition(j.ID, job.StatusAssigned, job.TransitionOpts{AgentID: a.ID}); err != nil {
		s.pool.DetachJob(a.ID, j.ID)
		s.logger.Warn("assignment rejected by job store", zap.String("job_id", j.ID), zap.Error(err))
		return false
	}
	if a.SessionID != "" {
		if err := s.sessions.MarkBusy(a.SessionID); err != nil && !apperrors.IsNotFound(err) {
			s.logger.Warn("failed to mark session busy", zap.String("session_id", a.SessionID), zap.Error(err))
		}
	}
	s.publish(ctx, events.JobAssigned, map[string]interface{}{
		"jobId": j.ID, "agentId": a.ID, "priority": int(j.Priority),
	})

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.SendTimeout())
	err := s.transport.Send(sendCtx, a.Endpoint, j)
	cancel()

	if err != nil {
		s.logger.Warn("job send failed",
			zap.String("job_id", j.ID),
			zap.String("agent_id", a.ID),
			zap.Error(err))

		s.pool.DetachJob(a.ID, j.ID)
		s.pool.MarkError(a.ID)
		s.publish(ctx, events.AgentErrored, map[string]interface{}{
			"agentId": a.ID, "endpoint": a.Endpoint,
		})

		if _, terr := s.store.Transition(j.ID, job.StatusQueued, job.TransitionOpts{}); terr != nil {
			s.logger.Error("failed to requeue job after send failure",
				zap.String("job_id", j.ID), zap.Error(terr))
			return false
		}
		if perr := s.queue.PushWithSeq(j.ID, qj.Priority, qj.Seq); perr != nil {
			s.logger.Error("failed to requeue job", zap.String("job_id", j.ID), zap.Error(perr))
		}
		return false
	}

	if _, err := s.store.Transition(j.ID, job.StatusRunning, job.TransitionOpts{}); err != nil {
		// Cancelled between send and commit; the agent-side job is reaped by
		// the best-effort cancel issued by Cancel.
		s.logger.Warn("job vanished between send and running commit",
			zap.String("job_id", j.ID), zap.Error(err))
		return false
	}
	s.publish(ctx, events.JobStarted, map[string]interface{}{
		"jobId": j.ID, "agentId": a.ID,
	})
	return true
}

// HandleStatusCallback processes an agent-side completion notification.
// Failed jobs with retries remaining are re-queued at a decayed priority.
func (s *Scheduler) HandleStatusCallback(ctx context.Context, jobID string, status job.Status, result, errMsg string, screenshots []string) error {
	switch status {
	case job.StatusSuccess, job.StatusFailed, job.StatusTimeout:
	default:
		return apperrors.InvalidInput(fmt.Sprintf(
			"status callback must be terminal, got '%s'", status))
	}

	j, ok := s.store.Get(jobID)
	if !ok {
		return apperrors.NotFound("job", jobID)
	}
	if j.Status.Terminal() {
		// Late callback for a job we already closed (cancel or timeout won).
		s.logger.Debug("ignoring callback for terminal job",
			zap.String("job_id", jobID), zap.String("status", string(j.Status)))
		return nil
	}

	if status == job.StatusFailed && j.RetryCount < j.MaxRetries {
		return s.failWithRetry(ctx, jobID, errMsg, screenshots)
	}

	snap, err := s.store.Transition(jobID, status, job.TransitionOpts{
		Result: result, Error: errMsg, Screenshots: screenshots,
	})
	if err != nil {
		return err
	}

	subject := events.JobCompleted
	if status != job.StatusSuccess {
		subject = events.JobFailed
		if status == job.StatusTimeout {
			subject = events.JobTimeout
		}
	}
	s.publish(ctx, subject, map[string]interface{}{
		"jobId": snap.ID, "status": string(snap.Status), "retryCount": snap.RetryCount,
	})
	return nil
}

// failWithRetry closes the current attempt as Failed and reopens the job
// through Retry back into the queue.
func (s *Scheduler) failWithRetry(ctx context.Context, jobID, errMsg string, screenshots []string) error {
	if _, err := s.store.Transition(jobID, job.StatusFailed, job.TransitionOpts{
		Error: errMsg, Screenshots: screenshots,
	}); err != nil {
		return err
	}
	if _, err := s.store.Transition(jobID, job.StatusRetry, job.TransitionOpts{}); err != nil {
		return err
	}
	snap, err := s.store.Transition(jobID, job.StatusQueued, job.TransitionOpts{})
	if err != nil {
		return err
	}
	if err := s.queue.Push(jobID, snap.Priority); err != nil {
		return err
	}

	s.logger.Info("job scheduled for retry",
		zap.String("job_id", jobID),
		zap.Int("retry_count", snap.RetryCount),
		zap.String("priority", snap.Priority.String()))
	s.publish(ctx, events.JobRetried, map[string]interface{}{
		"jobId": jobID, "retryCount": snap.RetryCount, "priority": int(snap.Priority),
	})
	s.Wake()
	return nil
}

// Cancel flips a job to Cancelled. Cancelling an already cancelled job is a
// no-op success; other terminal states reject. In-flight jobs get a
// best-effort transport cancel.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	j, ok := s.store.Get(jobID)
	if !ok {
		return false, apperrors.NotFound("job", jobID)
	}
	if j.Status == job.StatusCancelled {
		return true, nil
	}
	if j.Status.Terminal() {
		return false, apperrors.Conflict(fmt.Sprintf(
			"job '%s' is already %s", jobID, j.Status))
	}

	agentID := j.AssignedAgentID
	s.queue.Remove(jobID)

	if _, err := s.store.Transition(jobID, job.StatusCancelled, job.TransitionOpts{}); err != nil {
		return false, err
	}
	s.publish(ctx, events.JobCancelled, map[string]interface{}{"jobId": jobID})

	if agentID != "" {
		if a, err := s.pool.Get(agentID); err == nil {
			endpoint := a.Endpoint
			s.goSupervised("transport-cancel", func() {
				cctx, cancel := context.WithTimeout(context.Background(), s.cfg.Scheduler.SendTimeout())
				defer cancel()
				if err := s.transport.Cancel(cctx, endpoint, jobID); err != nil {
					s.logger.Debug("best-effort cancel failed",
						zap.String("job_id", jobID), zap.Error(err))
				}
			})
		}
	}
	return true, nil
}

// TimeoutJob closes a running job as Timeout and asks the agent to abort it.
// Called by the health monitor.
func (s *Scheduler) TimeoutJob(ctx context.Context, jobID string) error {
	j, ok := s.store.Get(jobID)
	if !ok {
		return apperrors.NotFound("job", jobID)
	}
	agentID := j.AssignedAgentID

	if _, err := s.store.Transition(jobID, job.StatusTimeout, job.TransitionOpts{}); err != nil {
		return err
	}
	s.publish(ctx, events.JobTimeout, map[string]interface{}{"jobId": jobID})

	if agentID != "" {
		if a, err := s.pool.Get(agentID); err == nil {
			endpoint := a.Endpoint
			s.goSupervised("transport-cancel", func() {
				cctx, cancel := context.WithTimeout(context.Background(), s.cfg.Scheduler.SendTimeout())
				defer cancel()
				_ = s.transport.Cancel(cctx, endpoint, jobID)
			})
		}
	}
	return nil
}

// FailOffline marks the agent offline and fails every job it was holding
// with a retry attempt where retries remain. Called by the health monitor.
func (s *Scheduler) FailOffline(ctx context.Context, agentID string) {
	held := s.pool.MarkOffline(agentID)
	if held == nil {
		return
	}
	s.publish(ctx, events.AgentOffline, map[string]interface{}{
		"agentId": agentID, "orphanedJobs": len(held),
	})

	for _, jobID := range held {
		j, ok := s.store.Get(jobID)
		if !ok || j.Status.Terminal() {
			continue
		}
		if j.RetryCount < j.MaxRetries {
			if err := s.failWithRetry(ctx, jobID, "agent went offline", nil); err != nil {
				s.logger.Error("failed to retry orphaned job",
					zap.String("job_id", jobID), zap.Error(err))
			}
			continue
		}
		if _, err := s.store.Transition(jobID, job.StatusFailed, job.TransitionOpts{
			Error: "agent went offline",
		}); err != nil {
			s.logger.Error("failed to fail orphaned job",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// RecycleAgent rebuilds the agent's session and resets its counters. Only
// idle agents recycle; a busy agent is retried after its next release.
func (s *Scheduler) RecycleAgent(ctx context.Context, agentID string) error {
	a, err := s.pool.Get(agentID)
	if err != nil {
		return err
	}
	if err := s.pool.BeginRecycle(agentID); err != nil {
		return err
	}

	var recycleErr error
	if a.SessionID != "" {
		_, recycleErr = s.sessions.Recycle(ctx, a.SessionID)
	}
	s.pool.FinishRecycle(agentID, recycleErr == nil)

	if recycleErr != nil {
		s.publish(ctx, events.AgentErrored, map[string]interface{}{
			"agentId": agentID, "reason": "recycle failed",
		})
		return apperrors.Wrap(recycleErr, fmt.Sprintf("recycle of agent '%s' failed", agentID))
	}

	s.logger.Info("agent recycled", zap.String("agent_id", agentID))
	s.publish(ctx, events.AgentRecycled, map[string]interface{}{"agentId": agentID})
	return nil
}

// onTerminal releases the agent a job was bound to when the job reaches a
// terminal state. Wired into the job store; runs outside the store lock.
func (s *Scheduler) onTerminal(j *job.Job, agentID string) {
	if agentID == "" {
		return
	}

	success := j.Status == job.StatusSuccess
	var durationMs int64
	if j.StartedAt != nil && j.CompletedAt != nil {
		durationMs = j.CompletedAt.Sub(*j.StartedAt).Milliseconds()
	}

	recycleNeeded := s.pool.Release(agentID, j.ID, success, durationMs)

	if a, err := s.pool.Get(agentID); err == nil && a.SessionID != "" {
		sessionRecycle, err := s.sessions.Release(a.SessionID)
		if err != nil && !apperrors.IsNotFound(err) {
			s.logger.Warn("session release failed",
				zap.String("session_id", a.SessionID), zap.Error(err))
		}
		recycleNeeded = recycleNeeded || sessionRecycle
	}

	if recycleNeeded {
		s.goSupervised("agent-recycle", func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.RecycleAgent(rctx, agentID); err != nil {
				s.logger.Warn("deferred recycle failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		})
	}
	s.Wake()
}

// goSupervised runs fn on a goroutine tracked by the scheduler's WaitGroup
// so Stop drains it.
func (s *Scheduler) goSupervised(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("supervised task panicked",
					zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn()
	}()
}

func (s *Scheduler) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
