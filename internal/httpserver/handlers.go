package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hassio-icloud-backup/icloud-backup/internal/api"
	"github.com/hassio-icloud-backup/icloud-backup/internal/handshake"
	"github.com/hassio-icloud-backup/icloud-backup/internal/logsanitize"
)

// maxSubmitBody bounds the body of a code submission.
const maxSubmitBody = 4096

var helpUsage = []string{
	"Step 1: curl -X POST http://HOST:8099/request_code",
	"Step 2: check your iPhone/iPad for the 6-digit code",
	"Step 3: curl -X POST -d 123456 http://HOST:8099/submit_code",
	"Progress: curl http://HOST:8099/status",
}

var helpRequirements = []string{
	"Use your real Apple ID password, not an app-specific password",
	"Advanced Data Protection must be disabled in iCloud settings",
	"Access iCloud Data on the Web must be enabled",
	"Trust tokens expire after 30 days; authenticate again when backups stop",
}

var errInvalidJSON = errors.New("invalid JSON body")

// sanitizeLog sanitizes a string for safe inclusion in structured log output
// before logging external HTTP input.
func sanitizeLog(s string) string {
	return logsanitize.Sanitize(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}

func writeFailure(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, api.ActionResponse{Success: false, Message: message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.handshake.Snapshot()
	writeJSON(w, http.StatusOK, api.StatusResponse{
		Status:    string(snap.Status),
		Message:   snap.Message,
		UpdatedAt: snap.UpdatedAt,
	})
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	username := "not configured"
	opts, err := s.options.Load()
	if err != nil {
		slog.Warn("failed to load add-on options", "error", err)
	} else if opts.Username != "" {
		username = opts.Username
	}

	writeJSON(w, http.StatusOK, api.HelpResponse{
		Usage:           helpUsage,
		CurrentUsername: username,
		Authenticated:   s.handshake.Configured(),
		Requirements:    helpRequirements,
	})
}

const nextStepBackups = "Backups start automatically; no restart needed"

func (s *Server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	opts, err := s.options.Load()
	if err != nil {
		slog.Error("failed to load add-on options", "error", err)
		writeFailure(w, "Failed to read add-on options")
		return
	}

	msg, err := s.handshake.RequestCode(r.Context(), handshake.Credentials{
		Username: opts.Username,
		Password: opts.Password,
	})
	if err != nil {
		writeFailure(w, handshake.UserMessage(err))
		return
	}

	next := "POST the 6-digit code to /submit_code"
	if s.handshake.Snapshot().Status == handshake.StatusSuccess {
		// The remote already held a trust token
		next = nextStepBackups
	}
	writeJSON(w, http.StatusOK, api.ActionResponse{
		Success:  true,
		Message:  msg,
		NextStep: next,
	})
}

func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err != nil {
		writeFailure(w, "Failed to read request body")
		return
	}

	code, err := parseCode(body)
	if err != nil {
		writeFailure(w, "Invalid JSON")
		return
	}

	username, err := s.handshake.SubmitCode(code)
	if err != nil {
		writeFailure(w, handshake.UserMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, api.ActionResponse{
		Success:  true,
		Message:  "Successfully authenticated as " + username,
		NextStep: nextStepBackups,
	})
}

// parseCode extracts the code from a raw body, a JSON string or a JSON
// object with a twofa_code field.
func parseCode(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))

	switch {
	case strings.HasPrefix(trimmed, "{"):
		var req api.SubmitRequest
		if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
			return "", errInvalidJSON
		}
		return strings.TrimSpace(req.TwoFACode), nil

	case strings.HasPrefix(trimmed, `"`):
		var code string
		if err := json.Unmarshal([]byte(trimmed), &code); err != nil {
			return "", errInvalidJSON
		}
		return strings.TrimSpace(code), nil
	}

	return trimmed, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, api.NotFoundResponse{
		Error: "Not found",
		Help:  "GET /help for usage",
	})
}
