// Package job defines the job and step model and the job registry with its
// status state machine.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusRetry     Status = "retry"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final. Terminal jobs never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusAssigned, StatusRunning,
		StatusRetry, StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Priority orders jobs in the queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Decay returns the priority one level lower, never below Low. Retried jobs
// re-enter the queue at a decayed priority.
func (p Priority) Decay() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StepType identifies one kind of UI interaction. The set is closed.
type StepType string

const (
	StepClick          StepType = "Click"
	StepDoubleClick    StepType = "DoubleClick"
	StepRightClick     StepType = "RightClick"
	StepTypeText       StepType = "Type"
	StepKeyPress       StepType = "KeyPress"
	StepWait           StepType = "Wait"
	StepWaitForElement StepType = "WaitForElement"
	StepGetText        StepType = "GetText"
	StepSetText        StepType = "SetText"
	StepSelectItem     StepType = "SelectItem"
	StepDragDrop       StepType = "DragDrop"
	StepScroll         StepType = "Scroll"
	StepTakeScreenshot StepType = "TakeScreenshot"
	StepValidate       StepType = "Validate"
	StepCustom         StepType = "Custom"
)

// knownStepTypes is the closed set accepted by validation.
var knownStepTypes = map[StepType]bool{
	StepClick: true, StepDoubleClick: true, StepRightClick: true,
	StepTypeText: true, StepKeyPress: true, StepWait: true,
	StepWaitForElement: true, StepGetText: true, StepSetText: true,
	StepSelectItem: true, StepDragDrop: true, StepScroll: true,
	StepTakeScreenshot: true, StepValidate: true, StepCustom: true,
}

// ValidStepType reports whether t is in the closed step-type set.
func ValidStepType(t StepType) bool {
	return knownStepTypes[t]
}

// DefaultStepTimeoutMs is applied when a step declares no timeout.
const DefaultStepTimeoutMs = 5000

// Step is one UI interaction within a job.
type Step struct {
	Order           int               `json:"order" yaml:"order"`
	Type            StepType          `json:"type" yaml:"type"`
	Target          string            `json:"target" yaml:"target"`
	Value           string            `json:"value,omitempty" yaml:"value,omitempty"`
	TimeoutMs       int               `json:"timeoutMs" yaml:"timeoutMs"`
	ContinueOnError bool              `json:"continueOnError" yaml:"continueOnError"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// DefaultMaxRetries bounds retry attempts unless the job overrides it.
const DefaultMaxRetries = 3

// Job is a unit of automation work executed on one agent.
type Job struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	ApplicationPath    string                 `json:"applicationPath"`
	Arguments          string                 `json:"arguments,omitempty"`
	Steps              []Step                 `json:"steps"`
	Status             Status                 `json:"status"`
	Priority           Priority               `json:"priority"`
	CreatedAt          time.Time              `json:"createdAt"`
	QueuedAt           *time.Time             `json:"queuedAt,omitempty"`
	AssignedAt         *time.Time             `json:"assignedAt,omitempty"`
	StartedAt          *time.Time             `json:"startedAt,omitempty"`
	CompletedAt        *time.Time             `json:"completedAt,omitempty"`
	AssignedAgentID    string                 `json:"assignedAgentId,omitempty"`
	Result             string                 `json:"result,omitempty"`
	ErrorMessage       string                 `json:"errorMessage,omitempty"`
	RetryCount         int                    `json:"retryCount"`
	MaxRetries         int                    `json:"maxRetries"`
	Screenshots        []string               `json:"screenshots"`
	WebhookURL         string                 `json:"webhookUrl,omitempty"`
	TemplateID         string                 `json:"templateId,omitempty"`
	TemplateParameters map[string]string      `json:"templateParameters,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// New creates a pending job with defaults applied.
func New(name, applicationPath string, steps []Step) *Job {
	normalized := make([]Step, len(steps))
	copy(normalized, steps)
	for i := range normalized {
		if normalized[i].TimeoutMs <= 0 {
			normalized[i].TimeoutMs = DefaultStepTimeoutMs
		}
	}
	return &Job{
		ID:              uuid.New().String(),
		Name:            name,
		ApplicationPath: applicationPath,
		Steps:           normalized,
		Status:          StatusPending,
		Priority:        PriorityNormal,
		CreatedAt:       time.Now().UTC(),
		MaxRetries:      DefaultMaxRetries,
		Screenshots:     []string{},
	}
}

// Clone returns a deep copy. Store reads hand out clones so callers never
// observe concurrent mutation.
func (j *Job) Clone() *Job {
	c := *j
	c.Steps = make([]Step, len(j.Steps))
	copy(c.Steps, j.Steps)
	for i := range c.Steps {
		c.Steps[i].Parameters = cloneStringMap(j.Steps[i].Parameters)
	}
	c.Screenshots = append([]string(nil), j.Screenshots...)
	c.TemplateParameters = cloneStringMap(j.TemplateParameters)
	if j.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.QueuedAt = cloneTime(j.QueuedAt)
	c.AssignedAt = cloneTime(j.AssignedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
