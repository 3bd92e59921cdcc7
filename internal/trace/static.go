package trace

import (
	"log/slog"

	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
)

// StaticTrace is a trace whose dependences the application declares up
// front. Nothing is learned during execution: recorded declarations are
// translated on demand into DependenceRecords by indexing backwards into
// the operation list. A static trace is fixed from construction.
type StaticTrace struct {
	traceBase
	// applicationTrees restricts the trace to specific region trees; an
	// empty set means all trees.
	applicationTrees map[region.TreeID]struct{}
	// staticDeps holds the declared dependences of each operation in
	// registration order.
	staticDeps [][]op.StaticDependence
	// translated caches the records derived from staticDeps; the
	// derivation is pure, so the cache survives across passes.
	translated map[int][]DependenceRecord
}

// NewStaticTrace creates a static trace over the given region trees
// (nil or empty means all trees).
func NewStaticTrace(tid TraceID, trees []region.TreeID, logger *slog.Logger) *StaticTrace {
	set := make(map[region.TreeID]struct{}, len(trees))
	for _, t := range trees {
		set[t] = struct{}{}
	}
	return &StaticTrace{
		traceBase:        newTraceBase(tid, logger),
		applicationTrees: set,
		translated:       make(map[int][]DependenceRecord),
	}
}

// Static implements LogicalTrace.
func (t *StaticTrace) Static() bool { return true }

// Fixed implements LogicalTrace. Static traces never learn, so they are
// always fixed.
func (t *StaticTrace) Fixed() bool { return true }

// HandlesRegionTree implements LogicalTrace.
func (t *StaticTrace) HandlesRegionTree(tid region.TreeID) bool {
	if len(t.applicationTrees) == 0 {
		return true
	}
	_, ok := t.applicationTrees[tid]
	return ok
}

// RecordStaticDependences implements LogicalTrace. Declarations are
// positional: the i-th call describes the i-th registered operation.
func (t *StaticTrace) RecordStaticDependences(o op.Operation, deps []op.StaticDependence) {
	t.staticDeps = append(t.staticDeps, deps)
}

// RegisterOperation implements LogicalTrace.
func (t *StaticTrace) RegisterOperation(o op.Operation, gen op.GenerationID) error {
	key := opKey{o: o, gen: gen}
	index := len(t.operations)
	t.operations = append(t.operations, opEntry{o: o, gen: gen})
	t.registerFrontier(key)

	// Cover the frontier of every operation this one depends on.
	for _, rec := range t.Dependences(index) {
		earlier := t.operations[rec.OperationIdx]
		t.coverFrontier(opKey{o: earlier.o, gen: earlier.gen})
	}
	return nil
}

// RecordDependence implements LogicalTrace. Static traces ignore learned
// dependences; the application already declared everything.
func (t *StaticTrace) RecordDependence(op.Operation, op.GenerationID, op.Operation, op.GenerationID) {
}

// RecordRegionDependence implements LogicalTrace. Ignored, as above.
func (t *StaticTrace) RecordRegionDependence(op.Operation, op.GenerationID,
	op.Operation, op.GenerationID, int32, int32, region.DependenceKind, bool, region.FieldMask) {
}

// Dependences implements LogicalTrace: the lazily-translated records for
// the operation at index.
func (t *StaticTrace) Dependences(index int) []DependenceRecord {
	if recs, ok := t.translated[index]; ok {
		return recs
	}
	recs := t.translateDependenceRecords(index)
	t.translated[index] = recs
	return recs
}

// translateDependenceRecords turns the declared dependences of the
// operation at index into records by resolving each backwards offset
// against the operation list. Offsets reaching before the trace are
// dropped: they name operations the enclosing fence already orders.
func (t *StaticTrace) translateDependenceRecords(index int) []DependenceRecord {
	if index >= len(t.staticDeps) {
		return nil
	}
	var recs []DependenceRecord
	for _, sd := range t.staticDeps[index] {
		if sd.PreviousOffset == 0 || int(sd.PreviousOffset) > index {
			continue
		}
		earlier := index - int(sd.PreviousOffset)
		recs = mergeRecord(recs, DependenceRecord{
			OperationIdx: int32(earlier),
			PrevIdx:      sd.PreviousReqIndex,
			NextIdx:      sd.NextReqIndex,
			Validates:    sd.Validates,
			Kind:         sd.Kind,
			Mask:         sd.Mask,
		})
	}
	return recs
}
