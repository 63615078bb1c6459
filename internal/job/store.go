package job

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
)

// legalTransitions encodes the job state machine. Cancellation from any
// non-terminal state is handled separately in Transition.
var legalTransitions = map[Status][]Status{
	StatusPending:  {StatusQueued},
	StatusQueued:   {StatusAssigned},
	StatusAssigned: {StatusRunning, StatusQueued, StatusFailed, StatusTimeout},
	StatusRunning:  {StatusSuccess, StatusFailed, StatusTimeout},
	StatusFailed:   {StatusRetry},
	StatusRetry:    {StatusQueued},
}

// TransitionOpts carries the side data committed together with a status
// change.
type TransitionOpts struct {
	AgentID     string   // set on Assigned
	Result      string   // set on terminal success
	Error       string   // set on terminal failure
	Screenshots []string // appended on terminal
}

// TerminalHook observes terminal transitions. The scheduler wires agent
// release through it. agentID is the agent the job was bound to at the
// moment of the transition, empty if none. Called outside the store lock.
type TerminalHook func(j *Job, agentID string)

// Store is the registry of all jobs by id. All operations serialize under a
// single lock; readers get snapshots.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	hook   TerminalHook
	logger *logger.Logger
}

// NewStore creates an empty job store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*Job),
		logger: log.WithFields(zap.String("component", "jobstore")),
	}
}

// SetTerminalHook registers the callback invoked after a terminal commit.
func (s *Store) SetTerminalHook(hook TerminalHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Put registers a job. Duplicate ids are rejected.
func (s *Store) Put(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return apperrors.Conflict(fmt.Sprintf("job '%s' already exists", j.ID))
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a snapshot of the job, if present.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// ByStatus returns snapshots of all jobs in the given status.
func (s *Store) ByStatus(status Status) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// List returns snapshots ordered by createdAt descending, optionally
// filtered by status, with skip/take paging.
func (s *Store) List(filter Status, skip, take int) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Job
	for _, j := range s.jobs {
		if filter != "" && j.Status != filter {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(a, b int) bool {
		if !all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].CreatedAt.After(all[b].CreatedAt)
		}
		return all[a].ID < all[b].ID
	})

	if skip < 0 {
		skip = 0
	}
	if skip >= len(all) {
		return nil
	}
	all = all[skip:]
	if take > 0 && take < len(all) {
		all = all[:take]
	}

	out := make([]*Job, len(all))
	for i, j := range all {
		out[i] = j.Clone()
	}
	return out
}

// Len returns the number of registered jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Transition moves a job to newStatus, enforcing the state machine and
// stamping timestamps. Illegal transitions return INVALID_INPUT and do not
// mutate. Returns a snapshot of the job after the commit.
func (s *Store) Transition(id string, newStatus Status, opts TransitionOpts) (*Job, error) {
	s.mu.Lock()

	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("job", id)
	}

	if err := s.checkTransition(j, newStatus); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	from := j.Status
	boundAgent := j.AssignedAgentID

	switch newStatus {
	case StatusQueued:
		j.QueuedAt = &now
		// Re-queue after a failed send or a retry: the agent binding is void.
		j.AssignedAgentID = ""
		j.AssignedAt = nil
	case StatusAssigned:
		if opts.AgentID == "" {
			s.mu.Unlock()
			return nil, apperrors.Internal(fmt.Sprintf("assigning job '%s' without an agent", id), nil)
		}
		j.AssignedAgentID = opts.AgentID
		j.AssignedAt = &now
	case StatusRunning:
		j.StartedAt = &now
	case StatusRetry:
		j.RetryCount++
		j.Priority = j.Priority.Decay()
		j.AssignedAgentID = ""
		j.AssignedAt = nil
		j.StartedAt = nil
		j.ErrorMessage = ""
		j.CompletedAt = nil
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		j.CompletedAt = &now
		if opts.Result != "" {
			j.Result = opts.Result
		}
		if opts.Error != "" {
			j.ErrorMessage = opts.Error
		}
		// Terminal states must carry a reason.
		if j.Result == "" && j.ErrorMessage == "" {
			switch newStatus {
			case StatusSuccess:
				j.Result = "completed"
			case StatusCancelled:
				j.ErrorMessage = "cancelled by client"
			case StatusTimeout:
				j.ErrorMessage = "job execution timed out"
			default:
				j.ErrorMessage = "job failed"
			}
		}
		if len(opts.Screenshots) > 0 {
			j.Screenshots = append(j.Screenshots, opts.Screenshots...)
		}
		j.AssignedAgentID = ""
	}

	j.Status = newStatus
	snapshot := j.Clone()
	hook := s.hook
	s.mu.Unlock()

	s.logger.Debug("job transition",
		zap.String("job_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(newStatus)))

	if newStatus.Terminal() && hook != nil {
		hook(snapshot, boundAgent)
	}
	return snapshot, nil
}

// checkTransition validates a status change under the store lock.
func (s *Store) checkTransition(j *Job, newStatus Status) error {
	if !newStatus.Valid() {
		return apperrors.InvalidInput(fmt.Sprintf("unknown status '%s'", newStatus))
	}
	if j.Status.Terminal() {
		// Failed is re-openable through Retry while attempts remain; every
		// other terminal status is final.
		if j.Status == StatusFailed && newStatus == StatusRetry {
			if j.RetryCount >= j.MaxRetries {
				return apperrors.InvalidInput(fmt.Sprintf(
					"job '%s' exhausted retries (%d/%d)", j.ID, j.RetryCount, j.MaxRetries))
			}
			return nil
		}
		return apperrors.InvalidInput(fmt.Sprintf(
			"job '%s' is terminal (%s); cannot transition to %s", j.ID, j.Status, newStatus))
	}
	// Client cancel is legal from any non-terminal state.
	if newStatus == StatusCancelled {
		return nil
	}
	for _, allowed := range legalTransitions[j.Status] {
		if allowed == newStatus {
			return nil
		}
	}
	return apperrors.InvalidInput(fmt.Sprintf(
		"illegal transition %s -> %s for job '%s'", j.Status, newStatus, j.ID))
}

// AppendScreenshot records a screenshot reference on a live job.
func (s *Store) AppendScreenshot(id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	j.Screenshots = append(j.Screenshots, ref)
	return nil
}

// Prune retains at most max terminal jobs, newest completedAt first, and
// drops the rest. Non-terminal jobs are never pruned. Returns the number of
// jobs dropped.
func (s *Store) Prune(max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*Job
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			terminal = append(terminal, j)
		}
	}
	if len(terminal) <= max {
		return 0
	}

	sort.Slice(terminal, func(a, b int) bool {
		ta, tb := terminal[a].CompletedAt, terminal[b].CompletedAt
		switch {
		case ta == nil:
			return false
		case tb == nil:
			return true
		default:
			return ta.After(*tb)
		}
	})

	dropped := 0
	for _, j := range terminal[max:] {
		delete(s.jobs, j.ID)
		dropped++
	}

	if dropped > 0 {
		s.logger.Info("pruned job history", zap.Int("dropped", dropped), zap.Int("retained", max))
	}
	return dropped
}
