package handshake

import "errors"

// Error kinds. Every error returned by the Controller is an *Error that
// matches exactly one of these with errors.Is.
var (
	ErrConfig        = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrNoPendingAuth = errors.New("no pending authentication")
	ErrProcess       = errors.New("helper process error")
	ErrTimeout       = errors.New("handshake timed out")
	ErrProvider      = errors.New("provider rejected the code")
)

// User-facing messages
const (
	msgNoCredentials  = "Username and password not configured in add-on options"
	msgInvalidFormat  = "Invalid code format. Must be exactly 6 digits"
	msgNoPending      = "No authentication in progress. Run /request_code first"
	msgSuperseded     = "Authentication was superseded by a newer code request"
	msgInvalidCode    = "Invalid 2FA code. Request a new code and try again"
	msgTimeout        = "Authentication timed out. Try again"
	msgExpired        = "Code request expired. Request a new code"
	msgCancelled      = "Authentication cancelled"
	msgAlreadyTrusted = "iCloud session is already trusted; no code needed"
	msgHelperExited   = "rclone exited before asking for a 2FA code. Check the Apple ID, password and iCloud web access"
	msgWaiting        = "Check your iPhone/iPad for the 2FA code"
	msgCodeRequested  = "Apple should send a 2FA code to your devices now. Check your iPhone/iPad!"
	msgVerifying      = "Verifying 2FA code..."
)

// Error is a handshake failure. Message is safe to show to the user; Err is
// the underlying cause, if any.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func newError(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// UserMessage returns the message to show for err.
func UserMessage(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Message
	}
	return "Internal error"
}
