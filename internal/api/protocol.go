// Package api defines the JSON bodies of the 2FA handshake HTTP API and a
// client for it.
package api

import "time"

// Paths served by the daemon.
const (
	PathStatus      = "/status"
	PathHelp        = "/help"
	PathRequestCode = "/request_code"
	PathSubmitCode  = "/submit_code"
	PathSetup       = "/setup"
	PathHealth      = "/health"
	PathMetrics     = "/metrics"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionResponse is returned by POST /request_code, /submit_code and /setup.
// Failures are reported with Success false and a 200 status code.
type ActionResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	NextStep string `json:"next_step,omitempty"`
}

// SubmitRequest is the JSON form of a code submission. A bare code as the
// request body is accepted too.
type SubmitRequest struct {
	TwoFACode string `json:"twofa_code"`
}

// HelpResponse is returned by GET /help.
type HelpResponse struct {
	Usage           []string `json:"usage"`
	CurrentUsername string   `json:"current_username"`
	Authenticated   bool     `json:"authenticated"`
	Requirements    []string `json:"requirements"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// NotFoundResponse is returned with 404 for unknown paths and methods.
type NotFoundResponse struct {
	Error string `json:"error"`
	Help  string `json:"help"`
}
