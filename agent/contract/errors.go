package contract

import "errors"

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownStage   = errors.New("unknown conversation stage")
	ErrUnknownTool    = errors.New("unknown tool")

	ErrToolExecution    = errors.New("tool execution failed")
	ErrToolLoopExceeded = errors.New("tool loop iteration cap exceeded")

	ErrBackendTimeout     = errors.New("backend timed out")
	ErrBackendRateLimited = errors.New("backend rate limited")
	ErrBackendConnection  = errors.New("backend connection failed")

	ErrSessionEnded    = errors.New("session ended")
	ErrInvalidPersona  = errors.New("invalid persona config")
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrValidation      = errors.New("validation failed")
)

// Retryable reports whether err is a transient backend failure worth retrying.
// Anything outside the backend taxonomy is treated as permanent.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendTimeout) ||
		errors.Is(err, ErrBackendRateLimited) ||
		errors.Is(err, ErrBackendConnection)
}
