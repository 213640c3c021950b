// Package health tracks whether an engine server is ready to take requests.
package health

import "time"

// State is the readiness of an engine as last observed.
type State string

const (
	Unknown     State = "unknown"
	Starting    State = "starting"
	Ready       State = "ready"
	Unreachable State = "unreachable"
)

// Status is the cached result of the latest probe.
type Status struct {
	State               State     `json:"state"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Ready reports whether the engine can take requests.
func (s Status) Ready() bool { return s.State == Ready }
