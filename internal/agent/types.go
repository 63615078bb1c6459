// Package agent defines the agent model and the pool that tracks agent
// registration, placement, and lifecycle.
package agent

import (
	"strings"
	"time"
)

// Status represents the availability state of an agent.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusError     Status = "error"
	StatusRecycling Status = "recycling"
)

// Capabilities declares what an agent can run. An empty SupportedAppTypes
// list means the agent accepts any application.
type Capabilities struct {
	MaxConcurrentJobs int      `json:"maxConcurrentJobs"`
	SupportedAppTypes []string `json:"supportedAppTypes"`
	Version           string   `json:"version,omitempty"`
}

// Supports reports whether the agent can run the given application path:
// any declared app type matching as a case-insensitive substring qualifies.
func (c Capabilities) Supports(applicationPath string) bool {
	if len(c.SupportedAppTypes) == 0 {
		return true
	}
	lower := strings.ToLower(applicationPath)
	for _, t := range c.SupportedAppTypes {
		if t == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// Metrics aggregates per-agent execution counters.
type Metrics struct {
	JobsExecuted  int   `json:"jobsExecuted"`
	JobsSucceeded int   `json:"jobsSucceeded"`
	JobsFailed    int   `json:"jobsFailed"`
	TotalExecMs   int64 `json:"totalExecMs"`
}

// SuccessRate returns succeeded/executed, or 1.0 for an agent with no
// history so fresh agents are not penalized in ranking.
func (m Metrics) SuccessRate() float64 {
	if m.JobsExecuted == 0 {
		return 1.0
	}
	return float64(m.JobsSucceeded) / float64(m.JobsExecuted)
}

// AvgDurationMs returns the mean job execution time, 0 with no history.
func (m Metrics) AvgDurationMs() float64 {
	if m.JobsExecuted == 0 {
		return 0
	}
	return float64(m.TotalExecMs) / float64(m.JobsExecuted)
}

// Agent is one registered worker bound to a session.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Endpoint      string       `json:"endpoint"`
	Status        Status       `json:"status"`
	Capabilities  Capabilities `json:"capabilities"`
	CurrentJobIDs []string     `json:"currentJobIds"`
	SessionID     string       `json:"sessionId,omitempty"`
	RegisteredAt  time.Time    `json:"registeredAt"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	Metrics       Metrics      `json:"metrics"`
}

// HasCapacity reports whether the agent can accept another job.
func (a *Agent) HasCapacity() bool {
	max := a.Capabilities.MaxConcurrentJobs
	if max <= 0 {
		max = 1
	}
	return len(a.CurrentJobIDs) < max
}

// Clone returns a copy of the agent snapshot.
func (a *Agent) Clone() *Agent {
	c := *a
	c.CurrentJobIDs = append([]string(nil), a.CurrentJobIDs...)
	c.Capabilities.SupportedAppTypes = append([]string(nil), a.Capabilities.SupportedAppTypes...)
	return &c
}
