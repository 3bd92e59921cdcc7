// Package op defines the operation vocabulary the tracing core consumes:
// operation kinds, identity, the Memoizable contract for operations that
// participate in physical templates, and concrete operation records used
// by the harness and the CLI to drive the core.
package op

import (
	"fmt"

	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/region"
)

// UniqueID identifies an operation for its entire lifetime.
type UniqueID uint64

// GenerationID disambiguates reuse of an operation object across trace
// passes. An (operation, generation) pair appears at most once per pass.
type GenerationID uint32

// TraceLocalID is an operation's stable position key within one trace.
// Templates index their rebindable operation table by this value, so it
// must be identical across record and every replay of the same trace.
type TraceLocalID uint64

// Kind is the operation-kind taxonomy the dependence memoizer validates
// replays against.
type Kind int

const (
	KindTask Kind = iota
	KindCopy
	KindFill
	KindFence
	// KindClose is an internal operation injected by the scheduler for
	// region-tree legality. Internal operations never keep their own
	// dependence lists in a trace; see the dynamic trace's flattening.
	KindClose
	KindTraceBegin
	KindTraceReplay
	KindTraceCapture
	KindTraceComplete
	KindTraceSummary
)

// String returns the kind's logging name.
func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindCopy:
		return "copy"
	case KindFill:
		return "fill"
	case KindFence:
		return "fence"
	case KindClose:
		return "close"
	case KindTraceBegin:
		return "trace_begin"
	case KindTraceReplay:
		return "trace_replay"
	case KindTraceCapture:
		return "trace_capture"
	case KindTraceComplete:
		return "trace_complete"
	case KindTraceSummary:
		return "trace_summary"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Requirement is one region requirement of an operation: what data it
// touches and how.
type Requirement struct {
	Expr  region.IndexSpaceExpression
	Usage region.Usage
	Mask  region.FieldMask
	View  region.InstanceView
	Eq    region.EquivalenceSet
}

// Operation is the minimal surface the logical trace needs from any
// operation in the stream.
type Operation interface {
	Kind() Kind
	RegionCount() int
	UniqueID() UniqueID
	// Internal reports whether the scheduler injected this operation for
	// legality rather than the application issuing it.
	Internal() bool
	// Requirements exposes the operation's region requirements for
	// analysis and summary materialization.
	Requirements() []Requirement
}

// Memoizable is the surface a physical template needs from an operation
// it records and replays.
type Memoizable interface {
	Operation
	TraceLocalID() TraceLocalID
	// MemoCompletion is the event that triggers when the operation's
	// effects are complete.
	MemoCompletion() event.ApEvent
	// ComputeSyncPrecondition is the event the operation must wait on
	// before its own effects may start.
	ComputeSyncPrecondition() event.ApEvent
	// CompleteReplay chains the operation's completion to the replayed
	// graph's event for it.
	CompleteReplay(ev event.ApEvent)
}

// StaticDependence is an application-declared dependence used by static
// traces: the earlier operation is named by its offset back from the
// current one.
type StaticDependence struct {
	// PreviousOffset is how many operations before the current one the
	// dependence source was issued.
	PreviousOffset uint32
	// PreviousReqIndex is the requirement index on the earlier operation.
	PreviousReqIndex int32
	// NextReqIndex is the requirement index on the current operation.
	NextReqIndex int32
	Validates    bool
	Kind         region.DependenceKind
	Mask         region.FieldMask
}
