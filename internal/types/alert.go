package types

import "time"

// AlertType tags an alert with the category used to pick its remedy ladder.
type AlertType string

// Alert is a report that a device may require attention.
type Alert struct {
	ID           string    `json:"alert_id"`
	DeviceID     string    `json:"device_id"`
	Type         AlertType `json:"alert_type"`
	RaisedAt     time.Time `json:"raised_at"`
	AttemptCount int       `json:"attempt_count"`
}

// State is a position in the per-alert resolution state machine.
type State string

const (
	StatePending     State = "Pending"
	StateLeasing     State = "Leasing"
	StateRouting     State = "Routing"
	StateProbing     State = "Probing"
	StateRemediating State = "Remediating"
	StateResolved    State = "Resolved"
	StateFailed      State = "Failed"
	StateSkipped     State = "Skipped"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateFailed || s == StateSkipped
}

// Status is the terminal outcome reported to the resolution sink.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
	StatusSkipped Status = "Skipped"
)

// StatusFor maps a terminal state to the status reported downstream.
// Non-terminal states return an empty Status.
func StatusFor(s State) Status {
	switch s {
	case StateResolved:
		return StatusSuccess
	case StateFailed:
		return StatusFailed
	case StateSkipped:
		return StatusSkipped
	}
	return ""
}

// Attempt is one resolution attempt for an alert. Completed attempts are
// append-only history and are never modified.
type Attempt struct {
	AlertID     string     `json:"alert_id"`
	DeviceID    string     `json:"device_id"`
	Number      int        `json:"attempt_number"`
	Step        int        `json:"step"`
	Command     string     `json:"command,omitempty"`
	State       State      `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	LeaseToken  uint64     `json:"lease_token,omitempty"`
}

// Outcome is the record delivered to the resolution sink once an attempt
// reaches a terminal state.
type Outcome struct {
	ID            string    `json:"id"`
	AlertID       string    `json:"alert_id"`
	DeviceID      string    `json:"device_id"`
	AlertType     AlertType `json:"alert_type"`
	AttemptNumber int       `json:"attempt_number"`
	Status        Status    `json:"status"`
	CompletedAt   time.Time `json:"completed_at"`
	Reason        string    `json:"reason"`
}
