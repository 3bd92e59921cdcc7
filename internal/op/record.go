package op

import (
	"fmt"
	"sync"

	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/region"
)

// Record is the concrete operation the harness, CLI, and tests drive the
// tracing core with. It implements Memoizable.
//
// A Record owns one completion user event per generation: normal
// execution triggers it when the operation's effects finish, and replay
// chains it to the template's event for the operation via CompleteReplay.
type Record struct {
	kind     Kind
	uid      UniqueID
	tlid     TraceLocalID
	internal bool
	reqs     []Requirement

	// FillValue is the constant written by fill operations.
	FillValue []byte
	// FillSource names the fill view the value comes from, when known.
	FillSource region.FillView
	// Redop and Fold select reduction semantics for copy operations.
	Redop region.ReductionOpID
	Fold  bool

	events *event.Table

	mu         sync.Mutex
	completion event.ApUserEvent
	syncPre    event.ApEvent
}

// NewRecord creates an operation record.
//
// tlid must be stable across passes of the same trace: the template's
// operation table is rebound by TraceLocalID on every replay.
func NewRecord(events *event.Table, kind Kind, uid UniqueID, tlid TraceLocalID, reqs ...Requirement) *Record {
	return &Record{
		kind:   kind,
		uid:    uid,
		tlid:   tlid,
		reqs:   reqs,
		events: events,
	}
}

// NewInternal creates an internal (scheduler-injected) operation record.
func NewInternal(events *event.Table, kind Kind, uid UniqueID, reqs ...Requirement) *Record {
	r := NewRecord(events, kind, uid, TraceLocalID(uid), reqs...)
	r.internal = true
	return r
}

// Kind implements Operation.
func (r *Record) Kind() Kind { return r.kind }

// RegionCount implements Operation.
func (r *Record) RegionCount() int { return len(r.reqs) }

// UniqueID implements Operation.
func (r *Record) UniqueID() UniqueID { return r.uid }

// Internal implements Operation.
func (r *Record) Internal() bool { return r.internal }

// Requirements implements Operation.
func (r *Record) Requirements() []Requirement { return r.reqs }

// TraceLocalID implements Memoizable.
func (r *Record) TraceLocalID() TraceLocalID { return r.tlid }

// SetSyncPrecondition installs the event this operation must wait on
// before its effects start. NoEvent (the default) means no wait.
func (r *Record) SetSyncPrecondition(ev event.ApEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncPre = ev
}

// ComputeSyncPrecondition implements Memoizable.
func (r *Record) ComputeSyncPrecondition() event.ApEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncPre
}

// MemoCompletion implements Memoizable. The completion user event is
// allocated on first use so unexecuted operations stay cheap.
func (r *Record) MemoCompletion() event.ApEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.completion.Exists() {
		r.completion = r.events.CreateUserEvent()
	}
	return r.completion.Event()
}

// CompleteReplay implements Memoizable: the operation's completion
// triggers once the replayed graph's event for it does.
func (r *Record) CompleteReplay(ev event.ApEvent) {
	r.mu.Lock()
	completion := r.completion
	if !completion.Exists() {
		r.completion = r.events.CreateUserEvent()
		completion = r.completion
	}
	r.mu.Unlock()
	r.events.Trigger(completion, ev)
}

// CompleteExecution triggers the completion event directly, as the
// scheduler does when the operation runs outside a replay.
func (r *Record) CompleteExecution() {
	r.CompleteReplay(event.NoEvent)
}

// Reset prepares the record for another trace pass: a fresh completion
// event, same identity.
func (r *Record) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion = 0
	r.syncPre = event.NoEvent
}

// String renders the operation for logs.
func (r *Record) String() string {
	return fmt.Sprintf("%s#%d", r.kind, r.uid)
}

// ReadReq builds a read-only requirement, a shorthand for tests and
// scenario translation.
func ReadReq(expr region.IndexSpaceExpression, mask region.FieldMask, view region.InstanceView, eq region.EquivalenceSet) Requirement {
	return Requirement{Expr: expr, Usage: region.Usage{Privilege: region.ReadOnly}, Mask: mask, View: view, Eq: eq}
}

// WriteReq builds a read-write requirement.
func WriteReq(expr region.IndexSpaceExpression, mask region.FieldMask, view region.InstanceView, eq region.EquivalenceSet) Requirement {
	return Requirement{Expr: expr, Usage: region.Usage{Privilege: region.ReadWrite}, Mask: mask, View: view, Eq: eq}
}
