// Package session manages isolated execution sessions, each bound 1:1 to an
// agent, and the provisioner abstraction that materializes them.
package session

import "time"

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusCreating    Status = "creating"
	StatusStarting    Status = "starting"
	StatusActive      Status = "active"
	StatusBusy        Status = "busy"
	StatusRecycling   Status = "recycling"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusUnhealthy   Status = "unhealthy"
	StatusError       Status = "error"
)

// Metrics aggregates per-session execution counters.
type Metrics struct {
	JobsProcessed int        `json:"jobsProcessed"`
	LastJobAt     *time.Time `json:"lastJobAt,omitempty"`
}

// Session is an isolated execution environment for one agent. The external
// id is stable across recycles; Generation counts how many times the
// underlying environment was rebuilt.
type Session struct {
	ID              string     `json:"id"`
	User            string     `json:"user"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	TerminatedAt    *time.Time `json:"terminatedAt,omitempty"`
	AgentID         string     `json:"agentId,omitempty"`
	JobsProcessed   int        `json:"jobsProcessed"`
	LastActivity    time.Time  `json:"lastActivity"`
	LastHealthCheck time.Time  `json:"lastHealthCheck"`
	Port            int        `json:"port"`
	Generation      int        `json:"generation"`
}

// Clone returns a copy of the session snapshot.
func (s *Session) Clone() *Session {
	c := *s
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		c.TerminatedAt = &t
	}
	return &c
}
