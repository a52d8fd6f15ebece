package council

import "fmt"

// Stable error kinds surfaced to clients. Fatal kinds mark the session
// failed and emit an error event; the rest are absorbed and logged.
const (
	KindQuorumLost          = "council_quorum_lost"
	KindInsufficientBallots = "insufficient_ballots"
	KindNoCapableModel      = "no_capable_model"
	KindStorageError        = "storage_error"
	KindInvalidState        = "invalid_state"
	KindChairmanFallback    = "chairman_fallback"
)

// RunError is a user-visible failure with a stable kind
type RunError struct {
	Kind    string
	Message string
	Cause   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// newRunError builds a RunError
func newRunError(kind, format string, args ...interface{}) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the stable kind of an error, "internal" for plain errors
func KindOf(err error) string {
	if re, ok := err.(*RunError); ok {
		return re.Kind
	}
	return "internal"
}
