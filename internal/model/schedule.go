package model

import (
	"fmt"
	"time"
	_ "time/tzdata" // CRON_TZ zones must resolve on hosts without a zoneinfo database

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, an optional leading
// seconds field, descriptors such as @hourly and a CRON_TZ= prefix.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// CronSchedule is the persisted evaluation state of one time trigger
type CronSchedule struct {
	ID            string     `json:"id"`
	Workflow      string     `json:"workflow"`
	TaskName      string     `json:"task_name"`
	Expression    string     `json:"expression"`
	LastEvaluated time.Time  `json:"last_evaluated"`
	LastFired     *time.Time `json:"last_fired,omitempty"`
	NextRunTime   *time.Time `json:"next_run_time,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TriggerID is the identity of the time trigger attached to a task.
func TriggerID(workflow, task string) string {
	return workflow + "/" + task
}

// DeadLetterEntry is an exhausted instance kept for inspection and replay
type DeadLetterEntry struct {
	ID               string          `json:"id"`
	InstanceID       string          `json:"instance_id"`
	TaskName         string          `json:"task_name"`
	Workflow         string          `json:"workflow"`
	RunID            string          `json:"run_id,omitempty"`
	Input            []byte          `json:"input,omitempty"`
	Error            string          `json:"error"`
	Attempts         []AttemptRecord `json:"attempts"`
	CreatedAt        time.Time       `json:"created_at"`
	ReplayedAt       *time.Time      `json:"replayed_at,omitempty"`
	ReplayInstanceID string          `json:"replay_instance_id,omitempty"`
}
