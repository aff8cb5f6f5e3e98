package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the condition an alert rule watches
type AlertType string

const (
	// AlertTypeServiceDown fires while the target service is down.
	AlertTypeServiceDown AlertType = "service_down"
	// AlertTypeServiceDegraded fires while the target service is degraded or worse.
	AlertTypeServiceDegraded AlertType = "service_degraded"
	// AlertTypeDeadLetter fires while unreplayed dead letters reach Threshold.
	AlertTypeDeadLetter AlertType = "dead_letter"
	// AlertTypeResourceUsage fires when host cpu or memory usage reaches Threshold percent.
	AlertTypeResourceUsage AlertType = "resource_usage"
	// AlertTypeQueueDepth fires when the engine's ready queue reaches Threshold.
	AlertTypeQueueDepth AlertType = "queue_depth"
	// AlertTypeWorkflowFailed fires once per failed run of the target workflow, or of any workflow.
	AlertTypeWorkflowFailed AlertType = "workflow_failed"
)

// AlertRule defines a rule for generating alerts
type AlertRule struct {
	ID        string        `json:"id" mapstructure:"id"`
	Name      string        `json:"name" mapstructure:"name"`
	Type      AlertType     `json:"type" mapstructure:"type"`
	Target    string        `json:"target,omitempty" mapstructure:"target"`
	Threshold float64       `json:"threshold,omitempty" mapstructure:"threshold"`
	Severity  AlertSeverity `json:"severity" mapstructure:"severity"`
	Silenced  bool          `json:"silenced" mapstructure:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID         string                 `json:"id"`
	RuleID     string                 `json:"rule_id"`
	RuleName   string                 `json:"rule_name"`
	Type       AlertType              `json:"type"`
	Target     string                 `json:"target,omitempty"`
	Severity   AlertSeverity          `json:"severity"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}
