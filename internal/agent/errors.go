// internal/agent/errors.go
package agent

import "fmt"

// ErrorCode tags a stage failure in logs and in cycle reports.
type ErrorCode string

const (
	// -- Capture --
	ErrCodeCaptureFailure ErrorCode = "CAPTURE_FAILURE"

	// -- Models --
	// ErrCodeModelUnavailable means no handle was installed for a stage yet.
	ErrCodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"

	// -- Inference stages (degrade, never abort the cycle) --
	ErrCodeDetectionFailure ErrorCode = "DETECTION_FAILURE"
	ErrCodeDecisionFailure  ErrorCode = "DECISION_FAILURE"

	// -- Action --
	ErrCodeDispatchFailure ErrorCode = "DISPATCH_FAILURE"

	// -- Telemetry --
	ErrCodeTelemetryDropped ErrorCode = "TELEMETRY_DROPPED"
)

// StageError is returned by a cycle that had to stop at a stage.
type StageError struct {
	Code ErrorCode
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
