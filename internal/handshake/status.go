package handshake

import "time"

// Status is the state of the handshake.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusWaitingForCode Status = "waiting_for_code"
	StatusAuthenticating Status = "authenticating"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusTimeout        Status = "timeout"
	StatusError          Status = "error"
)

// Live reports whether a helper process belongs to this status.
func (s Status) Live() bool {
	return s == StatusWaitingForCode || s == StatusAuthenticating
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Status    Status
	Message   string
	UpdatedAt time.Time
	AttemptID string
	Username  string // Apple ID of the current or last attempt
}
