package trace

import (
	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/region"
)

// Runtime is the surface the tracing core consumes from the surrounding
// runtime: the event table and the ability to issue data movement.
//
// The core never allocates instances or dispatches tasks itself; replay
// slices call back through this interface for every effectful
// instruction.
type Runtime interface {
	// Events is the table all synchronization goes through.
	Events() *event.Table

	// IssueCopy starts a copy over expr restricted to fields, gated on
	// precondition, and returns its completion event. A non-zero redop
	// makes it a reduction copy with the given fold mode.
	IssueCopy(expr region.IndexSpaceExpression, fields region.FieldMask,
		precondition event.ApEvent, redop region.ReductionOpID, fold bool) event.ApEvent

	// IssueFill fills expr's fields with value, gated on precondition,
	// and returns its completion event.
	IssueFill(expr region.IndexSpaceExpression, fields region.FieldMask,
		value []byte, precondition event.ApEvent) event.ApEvent
}
