package model

import "time"

// HealthStatus is the derived condition of a downstream service
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Admits reports whether dependent tasks may be dispatched.
func (s HealthStatus) Admits() bool {
	return s != HealthDown
}

// Valid reports whether s is one of the known statuses.
func (s HealthStatus) Valid() bool {
	return s == HealthHealthy || s == HealthDegraded || s == HealthDown
}

// HealthSource tells whether a record was derived from outcomes or reported
type HealthSource string

const (
	HealthSourceDerived  HealthSource = "derived"
	HealthSourceExternal HealthSource = "external"
)

// HealthRecord is the last known health of a service
type HealthRecord struct {
	Service             string       `json:"service"`
	Status              HealthStatus `json:"status"`
	Source              HealthSource `json:"source"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
}
