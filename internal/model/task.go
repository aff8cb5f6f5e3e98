package model

import (
	"math"
	"slices"
	"time"
)

// TaskState represents the lifecycle state of a task instance
type TaskState string

const (
	TaskStatePending      TaskState = "pending"
	TaskStateRunning      TaskState = "running"
	TaskStateSucceeded    TaskState = "succeeded"
	TaskStateFailed       TaskState = "failed"
	TaskStateRetrying     TaskState = "retrying"
	TaskStateDeadLettered TaskState = "dead_lettered"
	TaskStateSkipped      TaskState = "skipped"
	TaskStateAborted      TaskState = "aborted"
)

// IsTerminal reports whether no further transition can leave the state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateDeadLettered, TaskStateSkipped, TaskStateAborted:
		return true
	}
	return false
}

// TaskPriority represents the priority level of a task
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 1
	TaskPriorityNormal TaskPriority = 2
	TaskPriorityHigh   TaskPriority = 3
)

// ErrorKind classifies why an attempt failed
type ErrorKind string

const (
	ErrorKindHandler ErrorKind = "handler"
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindCrash   ErrorKind = "crash"
	ErrorKindAborted ErrorKind = "aborted"
)

// RetryPolicy bounds the attempts of a task and the delay between them
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
}

// Delay returns the un-jittered wait after the given failed attempt:
// min(base * multiplier^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WithDefaults fills unset fields from def.
func (p RetryPolicy) WithDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) validate(subject string) error {
	switch {
	case p.MaxAttempts < 1:
		return &ValidationError{Subject: subject, Reason: "retry.max_attempts must be >= 1"}
	case p.BaseDelay < 0:
		return &ValidationError{Subject: subject, Reason: "retry.base_delay must not be negative"}
	case p.Multiplier < 1:
		return &ValidationError{Subject: subject, Reason: "retry.multiplier must be >= 1"}
	case p.MaxDelay < p.BaseDelay:
		return &ValidationError{Subject: subject, Reason: "retry.max_delay must be >= retry.base_delay"}
	}
	return nil
}

// TaskDefinition is the immutable, registered description of a unit of work
type TaskDefinition struct {
	Name              string        `json:"name"`
	Workflow          string        `json:"workflow"`
	Description       string        `json:"description,omitempty"`
	Handler           string        `json:"handler"`
	Service           string        `json:"service,omitempty"`
	Schedule          string        `json:"schedule,omitempty"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	Requires          []string      `json:"requires,omitempty"`
	Retry             RetryPolicy   `json:"retry"`
	Timeout           time.Duration `json:"timeout"`
	Priority          TaskPriority  `json:"priority"`
	Disabled          bool          `json:"disabled,omitempty"`
	ContinueOnFailure bool          `json:"continue_on_failure,omitempty"`
	Payload           []byte        `json:"payload,omitempty"`

	// Seq is the registration order, used to break ordering ties.
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// ServiceName is the downstream service whose health the task's outcomes feed.
func (d *TaskDefinition) ServiceName() string {
	if d.Service != "" {
		return d.Service
	}
	return d.Handler
}

// Validate checks the definition in isolation; graph checks belong to the resolver.
func (d *TaskDefinition) Validate() error {
	switch {
	case d.Name == "":
		return &ValidationError{Subject: "task", Reason: "name is required"}
	case d.Workflow == "":
		return &ValidationError{Subject: d.Name, Reason: "workflow is required"}
	case d.Handler == "":
		return &ValidationError{Subject: d.Name, Reason: "handler is required"}
	case d.Timeout <= 0:
		return &ValidationError{Subject: d.Name, Reason: "timeout must be positive"}
	case slices.Contains(d.DependsOn, d.Name):
		return &ValidationError{Subject: d.Name, Reason: "task cannot depend on itself"}
	}
	return d.Retry.validate(d.Name)
}

// Clone returns a deep copy of the definition.
func (d *TaskDefinition) Clone() *TaskDefinition {
	c := *d
	c.DependsOn = slices.Clone(d.DependsOn)
	c.Requires = slices.Clone(d.Requires)
	c.Payload = slices.Clone(d.Payload)
	return &c
}

// AttemptRecord captures one execution attempt of an instance
type AttemptRecord struct {
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Error     string        `json:"error,omitempty"`
	Kind      ErrorKind     `json:"kind,omitempty"`
	Backoff   time.Duration `json:"backoff,omitempty"`
}

// StateTransition is one entry of an instance's state history
type StateTransition struct {
	From TaskState `json:"from,omitempty"`
	To   TaskState `json:"to"`
	At   time.Time `json:"at"`
}

// TaskInstance is one scheduled execution of a task definition
type TaskInstance struct {
	ID            string       `json:"id"`
	TaskName      string       `json:"task_name"`
	Workflow      string       `json:"workflow"`
	RunID         string       `json:"run_id,omitempty"`
	CorrelationID string       `json:"correlation_id"`
	State         TaskState    `json:"state"`
	Priority      TaskPriority `json:"priority"`
	Attempt       int          `json:"attempt"`
	MaxAttempts   int          `json:"max_attempts"`
	Input         []byte       `json:"input,omitempty"`
	Result        []byte       `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	ErrorKind     ErrorKind    `json:"error_kind,omitempty"`
	BlockedReason string       `json:"blocked_reason,omitempty"`
	ReplayOf      string       `json:"replay_of,omitempty"`

	Attempts    []AttemptRecord   `json:"attempts,omitempty"`
	Transitions []StateTransition `json:"transitions,omitempty"`

	// Timing fields
	ScheduledAt   time.Time  `json:"scheduled_at"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Version guards optimistic updates; the store bumps it on every write.
	Version int64 `json:"version"`
}

// Transition moves the instance to state to and records the history entry.
func (i *TaskInstance) Transition(to TaskState, at time.Time) {
	i.Transitions = append(i.Transitions, StateTransition{From: i.State, To: to, At: at})
	i.State = to
	i.UpdatedAt = at
}

// Visited reports whether the instance ever entered state s.
func (i *TaskInstance) Visited(s TaskState) bool {
	for _, t := range i.Transitions {
		if t.To == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the instance.
func (i *TaskInstance) Clone() *TaskInstance {
	c := *i
	c.Input = slices.Clone(i.Input)
	c.Result = slices.Clone(i.Result)
	c.Attempts = slices.Clone(i.Attempts)
	c.Transitions = slices.Clone(i.Transitions)
	return &c
}

// HandlerInput is what a task handler receives for one attempt
type HandlerInput struct {
	InstanceID    string `json:"instance_id"`
	TaskName      string `json:"task_name"`
	Workflow      string `json:"workflow"`
	RunID         string `json:"run_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Attempt       int    `json:"attempt"`
	Payload       []byte `json:"payload,omitempty"`
}

// Outcome is the result of a single attempt, reported to the monitor
type Outcome struct {
	InstanceID string    `json:"instance_id"`
	TaskName   string    `json:"task_name"`
	Workflow   string    `json:"workflow"`
	RunID      string    `json:"run_id,omitempty"`
	Service    string    `json:"service"`
	Attempt    int       `json:"attempt"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	Kind       ErrorKind `json:"kind,omitempty"`
	At         time.Time `json:"at"`
}
