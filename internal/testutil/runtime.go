// Package testutil provides deterministic stand-ins for the runtime
// surfaces the tracing core consumes: a simulated copy/fill issuer over
// the in-process event table and fixtures for region handles.
//
// Determinism matters here the same way it does in the engine itself:
// identical call sequences must produce identical identifiers so golden
// traces compare byte-for-byte.
package testutil

import (
	"sync"

	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/region"
)

// IssueRecord is one copy or fill the simulated runtime performed.
type IssueRecord struct {
	Fill         bool
	Expr         uint64
	Fields       region.FieldMask
	Precondition event.ApEvent
	Result       event.ApEvent
	Redop        region.ReductionOpID
}

// SimRuntime implements the runtime surface the tracing core calls back
// into. Copies and fills complete exactly when their precondition does,
// which keeps replay graphs deterministic and observable.
//
// Thread-safety: safe for concurrent use; replay slices issue copies in
// parallel.
type SimRuntime struct {
	events *event.Table

	mu     sync.Mutex
	issued []IssueRecord
}

// NewSimRuntime creates a simulated runtime over a fresh event table.
func NewSimRuntime() *SimRuntime {
	return &SimRuntime{events: event.NewTable()}
}

// Events returns the runtime's event table.
func (r *SimRuntime) Events() *event.Table { return r.events }

// IssueCopy simulates a copy: its completion chains on the
// precondition.
func (r *SimRuntime) IssueCopy(expr region.IndexSpaceExpression, fields region.FieldMask,
	precondition event.ApEvent, redop region.ReductionOpID, fold bool) event.ApEvent {
	e := r.chain(precondition)
	r.record(IssueRecord{Expr: expr.ID(), Fields: fields, Precondition: precondition, Result: e, Redop: redop})
	return e
}

// IssueFill simulates a fill, symmetric to IssueCopy.
func (r *SimRuntime) IssueFill(expr region.IndexSpaceExpression, fields region.FieldMask,
	value []byte, precondition event.ApEvent) event.ApEvent {
	e := r.chain(precondition)
	r.record(IssueRecord{Fill: true, Expr: expr.ID(), Fields: fields, Precondition: precondition, Result: e})
	return e
}

func (r *SimRuntime) chain(precondition event.ApEvent) event.ApEvent {
	if !precondition.Exists() {
		return r.events.NewTriggered()
	}
	return r.events.Merge(precondition)
}

func (r *SimRuntime) record(rec IssueRecord) {
	r.mu.Lock()
	r.issued = append(r.issued, rec)
	r.mu.Unlock()
}

// Issued returns a copy of everything issued so far.
func (r *SimRuntime) Issued() []IssueRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]IssueRecord, len(r.issued))
	copy(out, r.issued)
	return out
}

// IssueCount returns how many copies and fills ran.
func (r *SimRuntime) IssueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.issued)
}

// Fixture hands out region handles with deterministic identifiers.
// Not safe for concurrent use; build fixtures up front.
type Fixture struct {
	nextView uint64
	nextFill uint64
	nextEq   uint64
	nextExpr uint64
}

// NewFixture creates an empty fixture.
func NewFixture() *Fixture { return &Fixture{} }

// View allocates an instance view on the given tree.
func (f *Fixture) View(tree region.TreeID) region.InstanceView {
	f.nextView++
	return region.InstanceView{ID: f.nextView, Tree: tree}
}

// Fill allocates a fill view.
func (f *Fixture) Fill() region.FillView {
	f.nextFill++
	return region.FillView{ID: f.nextFill}
}

// Expr allocates an interval expression.
func (f *Fixture) Expr(lo, hi int64) *region.RectExpr {
	f.nextExpr++
	return region.NewRect(f.nextExpr, lo, hi)
}

// Eq allocates an equivalence set over the given interval.
func (f *Fixture) Eq(lo, hi int64) region.EquivalenceSet {
	f.nextEq++
	return region.EquivalenceSet{ID: f.nextEq, Expr: f.Expr(lo, hi)}
}
