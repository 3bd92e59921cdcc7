package trace

import (
	"errors"
	"fmt"

	"github.com/roach88/retrace/internal/op"
)

// TraceError represents a failure detected by the tracing core.
//
// Most trace failures are recovered internally (a template that cannot
// be replayed simply falls back to full re-execution). The ones that
// surface as errors are user-visible misuses, chiefly replaying a fixed
// trace with an operation stream of a different shape.
type TraceError struct {
	// Code identifies the error category.
	Code TraceErrorCode

	// Message is a human-readable description.
	Message string

	// Trace identifies the affected trace.
	Trace TraceID

	// OpIndex is the position in the trace where the error was detected.
	OpIndex int

	// Expected and Observed carry the operation signatures for shape
	// mismatches.
	Expected, Observed OpSignature
}

// TraceErrorCode categorizes trace errors.
type TraceErrorCode string

const (
	// ErrCodeShapeMismatch indicates a fixed trace was replayed with an
	// operation of a different kind or region count.
	ErrCodeShapeMismatch TraceErrorCode = "SHAPE_MISMATCH"

	// ErrCodeTraceTooLong indicates a replay pass issued more operations
	// than the trace captured.
	ErrCodeTraceTooLong TraceErrorCode = "TRACE_TOO_LONG"

	// ErrCodeNotRecording indicates a record entry point was called on a
	// template that is no longer recording.
	ErrCodeNotRecording TraceErrorCode = "NOT_RECORDING"
)

// OpSignature is the replay-validity shape of one traced operation.
type OpSignature struct {
	Kind        op.Kind
	RegionCount int
}

func (s OpSignature) String() string {
	return fmt.Sprintf("%s/%d", s.Kind, s.RegionCount)
}

// Error implements the error interface.
func (e *TraceError) Error() string {
	if e.Code == ErrCodeShapeMismatch {
		return fmt.Sprintf("%s: %s (trace=%d, op=%d, expected=%s, observed=%s)",
			e.Code, e.Message, e.Trace, e.OpIndex, e.Expected, e.Observed)
	}
	return fmt.Sprintf("%s: %s (trace=%d, op=%d)", e.Code, e.Message, e.Trace, e.OpIndex)
}

// IsShapeMismatch returns true if the error is a replay shape mismatch.
// Uses errors.As to handle wrapped errors.
func IsShapeMismatch(err error) bool {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Code == ErrCodeShapeMismatch || te.Code == ErrCodeTraceTooLong
	}
	return false
}

func newShapeMismatchError(tid TraceID, index int, expected, observed OpSignature) *TraceError {
	return &TraceError{
		Code:     ErrCodeShapeMismatch,
		Message:  "operation does not match the fixed trace",
		Trace:    tid,
		OpIndex:  index,
		Expected: expected,
		Observed: observed,
	}
}
