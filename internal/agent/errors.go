// internal/agent/errors.go
package agent

import "errors"

// Sentinel errors for the failure classes the control loop distinguishes.
// Wrap them with %w so callers can classify with errors.Is.
var (
	// ErrUnsupportedAction means the model requested an action outside the
	// closed set, or one excluded by the session policy.
	ErrUnsupportedAction = errors.New("unsupported action")

	// ErrBackendUnavailable means the desktop backend could not be reached.
	// The action never ran; retrying is safe.
	ErrBackendUnavailable = errors.New("desktop backend unavailable")

	// ErrModelUnavailable means the primary model could not be reached or
	// returned no usable reply after retries.
	ErrModelUnavailable = errors.New("primary model unavailable")

	// ErrDescriberUnavailable means the describer model failed; the
	// screenshot itself succeeded.
	ErrDescriberUnavailable = errors.New("describer unavailable")

	// ErrMalformedAction means the model's reply parsed as an action request
	// but its parameters violate the action contract.
	ErrMalformedAction = errors.New("malformed action request")
)

// ErrorCode labels failures in transcripts and API responses.
type ErrorCode string

const (
	CodeNone                 ErrorCode = ""
	CodeUnsupportedAction    ErrorCode = "UNSUPPORTED_ACTION"
	CodeBackendUnavailable   ErrorCode = "BACKEND_UNAVAILABLE"
	CodeModelUnavailable     ErrorCode = "MODEL_UNAVAILABLE"
	CodeDescriberUnavailable ErrorCode = "DESCRIBER_UNAVAILABLE"
	CodeMalformedAction      ErrorCode = "MALFORMED_ACTION_REQUEST"
	CodeBudgetExceeded       ErrorCode = "BUDGET_EXCEEDED"
)

// ClassifyError maps an error to its transcript code.
func ClassifyError(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrUnsupportedAction):
		return CodeUnsupportedAction
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, ErrModelUnavailable):
		return CodeModelUnavailable
	case errors.Is(err, ErrDescriberUnavailable):
		return CodeDescriberUnavailable
	case errors.Is(err, ErrMalformedAction):
		return CodeMalformedAction
	default:
		return ErrorCode("INTERNAL")
	}
}
