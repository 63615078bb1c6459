// Package events defines the event vocabulary published on the bus by the
// orchestrator. Subjects follow NATS conventions: "job.<event>",
// "agent.<event>", "session.<event>".
package events

// Job lifecycle events.
const (
	JobCreated   = "job.created"
	JobQueued    = "job.queued"
	JobAssigned  = "job.assigned"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"
	JobTimeout   = "job.timeout"
	JobRetried   = "job.retried"
)

// Agent lifecycle events.
const (
	AgentRegistered   = "agent.registered"
	AgentUnregistered = "agent.unregistered"
	AgentOffline      = "agent.offline"
	AgentRecovered    = "agent.recovered"
	AgentRecycled     = "agent.recycled"
	AgentErrored      = "agent.errored"
)

// Session lifecycle events.
const (
	SessionCreated    = "session.created"
	SessionRecycled   = "session.recycled"
	SessionTerminated = "session.terminated"
)
