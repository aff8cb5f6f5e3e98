package model

import "time"

// WorkflowDefinition groups task definitions under a name
type WorkflowDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	FailFast    bool              `json:"fail_fast,omitempty"`
	Tasks       []*TaskDefinition `json:"tasks"`
}

// Task looks a member task up by name.
func (w *WorkflowDefinition) Task(name string) (*TaskDefinition, bool) {
	for _, t := range w.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// RunStatus represents the state of a workflow run
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// TriggerKind records what started a run
type TriggerKind string

const (
	TriggerCron   TriggerKind = "cron"
	TriggerManual TriggerKind = "manual"
)

// WorkflowRun is one execution of a workflow
type WorkflowRun struct {
	ID           string      `json:"id"`
	Workflow     string      `json:"workflow"`
	Status       RunStatus   `json:"status"`
	Trigger      TriggerKind `json:"trigger"`
	TriggerKey   string      `json:"trigger_key"`
	ScheduledFor time.Time   `json:"scheduled_for"`

	// Instances maps task name to the instance created for it in this run.
	Instances    map[string]string `json:"instances"`
	FailedTasks  []string          `json:"failed_tasks,omitempty"`
	SkippedTasks []string          `json:"skipped_tasks,omitempty"`
	Error        string            `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the run.
func (r *WorkflowRun) Clone() *WorkflowRun {
	c := *r
	c.Instances = make(map[string]string, len(r.Instances))
	for k, v := range r.Instances {
		c.Instances[k] = v
	}
	c.FailedTasks = append([]string(nil), r.FailedTasks...)
	c.SkippedTasks = append([]string(nil), r.SkippedTasks...)
	return &c
}
