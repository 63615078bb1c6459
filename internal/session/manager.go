package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/config"
	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/common/portutil"
)

// portAttempts bounds the search for a free session port.
const portAttempts = 8

// Manager owns all sessions and their provisioned environments. Provisioner
// calls run outside the lock; state is committed (or abandoned) after the
// call returns.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	handles  map[string]*Handle
	rng      *rand.Rand

	provisioner Provisioner
	basePort    int
	portSpread  int
	maxJobs     int
	inactivity  time.Duration
	logger      *logger.Logger
}

// NewManager creates a session manager backed by the given provisioner.
func NewManager(prov Provisioner, rdp config.RDPConfig, sess config.SessionConfig, log *logger.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		handles:     make(map[string]*Handle),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		provisioner: prov,
		basePort:    rdp.BasePort,
		portSpread:  rdp.PortSpread,
		maxJobs:     sess.MaxJobs,
		inactivity:  sess.InactivityTimeout(),
		logger:      log.WithFields(zap.String("component", "session-manager")),
	}
}

// allocatePortLocked draws random candidate ports until one is neither held
// by another session nor bound on the host. Caller holds the lock.
func (m *Manager) allocatePortLocked() (int, error) {
	inUse := make(map[int]bool, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status != StatusTerminated {
			inUse[s.Port] = true
		}
	}

	for i := 0; i < portAttempts; i++ {
		candidate := portutil.Random(m.rng, m.basePort, m.portSpread)
		if inUse[candidate] {
			continue
		}
		if !portutil.IsFree(candidate) {
			continue
		}
		return candidate, nil
	}
	return 0, apperrors.Internal(
		fmt.Sprintf("no free session port found in %d attempts", portAttempts), nil)
}

// Create provisions a new session for the user. The session is registered as
// creating before the provisioner runs so its port stays reserved; a failed
// provision removes it again.
func (m *Manager) Create(ctx context.Context, user string) (*Session, error) {
	m.mu.Lock()
	port, err := m.allocatePortLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		ID:              uuid.New().String(),
		User:            user,
		Status:          StatusCreating,
		CreatedAt:       now,
		LastActivity:    now,
		LastHealthCheck: now,
		Port:            port,
		Generation:      1,
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	handle, err := m.provisioner.Provision(ctx, user, port)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.sessions, s.ID)
		return nil, apperrors.Internal(fmt.Sprintf("failed to provision session for user '%s'", user), err)
	}
	s.Status = StatusActive
	m.handles[s.ID] = handle

	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("user", user),
		zap.Int("port", port))
	return s.Clone(), nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return s.Clone(), nil
}

// List returns snapshots of all non-terminated sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Assign binds the session to an agent. A session holds at most one agent
// for its whole life.
func (m *Manager) Assign(sessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if s.AgentID != "" && s.AgentID != agentID {
		return apperrors.Conflict(fmt.Sprintf(
			"session '%s' already bound to agent '%s'", sessionID, s.AgentID))
	}
	s.AgentID = agentID
	s.LastActivity = time.Now().UTC()
	return nil
}

// MarkBusy flags the session as executing a job.
func (m *Manager) MarkBusy(sessionID string) error {
	return m.setStatus(sessionID, StatusBusy)
}

// Release marks a job finished on the session, bumping the processed counter
// and returning it to active. Reports whether the session has reached its
// job cap and should be recycled.
func (m *Manager) Release(sessionID string) (recycleNeeded bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, apperrors.NotFound("session", sessionID)
	}
	s.JobsProcessed++
	s.LastActivity = time.Now().UTC()
	if s.Status == StatusBusy {
		s.Status = StatusActive
	}
	return s.JobsProcessed >= m.maxJobs, nil
}

// Touch refreshes the session's activity timestamp.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = time.Now().UTC()
	}
}

// Recycle rebuilds the session's environment in place: the old handle is
// destroyed, a fresh one provisioned on a new port, and the generation
// counter bumped. The session id and bound agent survive.
func (m *Manager) Recycle(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("session", sessionID)
	}
	if s.Status == StatusRecycling || s.Status == StatusTerminating || s.Status == StatusTerminated {
		m.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf(
			"session '%s' is %s; cannot recycle", sessionID, s.Status))
	}
	s.Status = StatusRecycling
	oldHandle := m.handles[sessionID]
	user := s.User

	port, err := m.allocatePortLocked()
	if err != nil {
		s.Status = StatusError
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if oldHandle != nil {
		if derr := m.provisioner.Destroy(ctx, oldHandle); derr != nil {
			m.logger.Warn("failed to destroy old session environment",
				zap.String("session_id", sessionID),
				zap.Error(derr))
		}
	}
	handle, err := m.provisioner.Provision(ctx, user, port)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		s.Status = StatusError
		delete(m.handles, sessionID)
		return nil, apperrors.Internal(
			fmt.Sprintf("failed to re-provision session '%s'", sessionID), err)
	}

	s.Status = StatusActive
	s.Port = port
	s.Generation++
	s.JobsProcessed = 0
	s.LastActivity = time.Now().UTC()
	m.handles[sessionID] = handle

	m.logger.Info("session recycled",
		zap.String("session_id", sessionID),
		zap.Int("generation", s.Generation),
		zap.Int("port", port))
	return s.Clone(), nil
}

// Terminate tears the session down. Terminating an already terminated
// session is a no-op.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("session", sessionID)
	}
	if s.Status == StatusTerminated {
		m.mu.Unlock()
		return nil
	}
	s.Status = StatusTerminating
	handle := m.handles[sessionID]
	m.mu.Unlock()

	var destroyErr error
	if handle != nil {
		destroyErr = m.provisioner.Destroy(ctx, handle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	s.Status = StatusTerminated
	s.TerminatedAt = &now
	s.AgentID = ""
	delete(m.handles, sessionID)

	if destroyErr != nil {
		m.logger.Warn("session environment teardown failed",
			zap.String("session_id", sessionID),
			zap.Error(destroyErr))
	} else {
		m.logger.Info("session terminated", zap.String("session_id", sessionID))
	}
	return nil
}

// CheckHealth probes the session's environment and updates its status.
// Returns the health verdict.
func (m *Manager) CheckHealth(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false, apperrors.NotFound("session", sessionID)
	}
	if s.Status == StatusTerminated || s.Status == StatusTerminating || s.Status == StatusRecycling {
		m.mu.Unlock()
		return false, nil
	}
	handle := m.handles[sessionID]
	m.mu.Unlock()

	healthy, err := m.provisioner.CheckHealth(ctx, handle)

	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastHealthCheck = time.Now().UTC()
	if err != nil {
		return false, err
	}
	if !healthy && (s.Status == StatusActive || s.Status == StatusBusy) {
		s.Status = StatusUnhealthy
	}
	if healthy && s.Status == StatusUnhealthy {
		s.Status = StatusActive
	}
	return healthy, nil
}

// Inactive returns sessions idle past the inactivity timeout and not
// currently executing work.
func (m *Manager) Inactive(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Status != StatusActive && s.Status != StatusUnhealthy {
			continue
		}
		if now.Sub(s.LastActivity) >= m.inactivity {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Orphans returns live sessions with no bound agent.
func (m *Manager) Orphans() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusTerminated || s.Status == StatusTerminating {
			continue
		}
		if s.AgentID == "" {
			out = append(out, s.Clone())
		}
	}
	return out
}

// DropTerminated removes terminated sessions from the registry. Returns the
// number removed.
func (m *Manager) DropTerminated() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, s := range m.sessions {
		if s.Status == StatusTerminated {
			delete(m.sessions, id)
			dropped++
		}
	}
	return dropped
}

func (m *Manager) setStatus(sessionID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	s.Status = status
	s.LastActivity = time.Now().UTC()
	return nil
}
