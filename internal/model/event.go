package model

import "time"

// EventTopic names a lifecycle event
type EventTopic string

const (
	TopicTaskSucceeded     EventTopic = "task_succeeded"
	TopicTaskFailed        EventTopic = "task_failed"
	TopicTaskRetrying      EventTopic = "task_retrying"
	TopicTaskDeadLettered  EventTopic = "task_deadlettered"
	TopicTaskSkipped       EventTopic = "task_skipped"
	TopicTaskAborted       EventTopic = "task_aborted"
	TopicWorkflowStarted   EventTopic = "workflow_started"
	TopicWorkflowCompleted EventTopic = "workflow_completed"
	TopicWorkflowFailed    EventTopic = "workflow_failed"
	TopicWorkflowAborted   EventTopic = "workflow_aborted"
	TopicAlertTriggered    EventTopic = "alert_triggered"
	TopicAlertResolved     EventTopic = "alert_resolved"
)

// Event is published once per lifecycle transition; ID is stable across redelivery
type Event struct {
	ID         string                 `json:"id"`
	Topic      EventTopic             `json:"topic"`
	OccurredAt time.Time              `json:"occurred_at"`
	Workflow   string                 `json:"workflow,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	InstanceID string                 `json:"instance_id,omitempty"`
	TaskName   string                 `json:"task_name,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
