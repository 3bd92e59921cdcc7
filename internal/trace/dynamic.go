package trace

import (
	"log/slog"

	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
)

// DynamicTrace learns the dependence structure of its operation stream
// on the first pass and validates later passes against the captured
// shape.
//
// State machine: tracing=true,fixed=false during the first pass; after
// EndTraceCapture tracing=false; after Fix the trace is fixed and every
// subsequent RegisterOperation validates the operation's kind and region
// count against the captured signature.
//
// Internal operations (close and friends) get special treatment: the
// scheduler may generate a different set of them each pass depending on
// region-tree state, so dependences that flow through an internal
// operation are flattened into transitive dependences between its
// non-internal neighbours and the internal operation itself is never
// part of the captured stream.
type DynamicTrace struct {
	traceBase
	fixed   bool
	tracing bool
	// opMap is the backwards lookup used while recording dependences.
	opMap map[opKey]int
	// internalDeps accumulates the incoming dependences of internal
	// operations so they can be forwarded when a non-internal operation
	// later depends on one.
	internalDeps map[opKey][]DependenceRecord
	// deps is the generalized dependence structure: for each captured
	// operation, the records it depends on.
	deps [][]DependenceRecord
	// opInfo is the replay-validity signature of each captured operation.
	opInfo []OpSignature
}

// NewDynamicTrace creates a dynamic trace ready for its capture pass.
func NewDynamicTrace(tid TraceID, logger *slog.Logger) *DynamicTrace {
	return &DynamicTrace{
		traceBase:    newTraceBase(tid, logger),
		tracing:      true,
		opMap:        make(map[opKey]int),
		internalDeps: make(map[opKey][]DependenceRecord),
	}
}

// Static implements LogicalTrace.
func (t *DynamicTrace) Static() bool { return false }

// Fixed implements LogicalTrace.
func (t *DynamicTrace) Fixed() bool { return t.fixed }

// Tracing reports whether the trace is in its first (capture) pass.
func (t *DynamicTrace) Tracing() bool { return t.tracing }

// HandlesRegionTree implements LogicalTrace: dynamic traces apply to
// every region tree.
func (t *DynamicTrace) HandlesRegionTree(region.TreeID) bool { return true }

// RecordStaticDependences implements LogicalTrace. Dynamic traces learn
// their dependences; declarations are ignored.
func (t *DynamicTrace) RecordStaticDependences(op.Operation, []op.StaticDependence) {}

// EndTraceCapture closes the first pass. Dependences recorded so far
// become the trace's permanent structure.
func (t *DynamicTrace) EndTraceCapture() {
	t.tracing = false
	t.opMap = make(map[opKey]int)
	t.internalDeps = make(map[opKey][]DependenceRecord)
}

// Fix freezes the trace. After fixing, every pass must present the same
// operation shapes in the same order.
func (t *DynamicTrace) Fix() {
	t.fixed = true
}

// RegisterOperation implements LogicalTrace.
func (t *DynamicTrace) RegisterOperation(o op.Operation, gen op.GenerationID) error {
	key := opKey{o: o, gen: gen}
	index := len(t.operations)

	if t.tracing {
		if o.Internal() {
			// Internal operations are tracked separately; their
			// dependences are forwarded, never captured positionally.
			t.internalDeps[key] = nil
			return nil
		}
		t.operations = append(t.operations, opEntry{o: o, gen: gen})
		t.opMap[key] = index
		t.deps = append(t.deps, nil)
		t.opInfo = append(t.opInfo, OpSignature{Kind: o.Kind(), RegionCount: o.RegionCount()})
		t.registerFrontier(key)
		return nil
	}

	// Replay pass: internal operations generate their own dependences.
	if o.Internal() {
		return nil
	}
	if index >= len(t.deps) {
		return &TraceError{
			Code:    ErrCodeTraceTooLong,
			Message: "replay issued more operations than the trace captured",
			Trace:   t.tid,
			OpIndex: index,
		}
	}
	observed := OpSignature{Kind: o.Kind(), RegionCount: o.RegionCount()}
	if expected := t.opInfo[index]; expected != observed {
		return newShapeMismatchError(t.tid, index, expected, observed)
	}

	t.operations = append(t.operations, opEntry{o: o, gen: gen})
	t.registerFrontier(key)
	for _, rec := range t.deps[index] {
		earlier := t.operations[rec.OperationIdx]
		t.coverFrontier(opKey{o: earlier.o, gen: earlier.gen})
	}
	return nil
}

// RecordDependence implements LogicalTrace.
func (t *DynamicTrace) RecordDependence(target op.Operation, tgen op.GenerationID,
	source op.Operation, sgen op.GenerationID) {
	if !t.tracing {
		return
	}
	tKey := opKey{o: target, gen: tgen}
	sKey := opKey{o: source, gen: sgen}

	switch {
	case !target.Internal() && !source.Internal():
		tIdx, tok := t.opMap[tKey]
		sIdx, sok := t.opMap[sKey]
		if !tok || !sok {
			return
		}
		t.insertDependence(tIdx, wholeOpRecord(sIdx))
		t.coverFrontier(sKey)

	case !target.Internal() && source.Internal():
		tIdx, ok := t.opMap[tKey]
		if !ok {
			return
		}
		for _, r := range t.internalDeps[sKey] {
			rec := r
			rec.NextIdx = -1
			rec.Validates = false
			t.insertDependence(tIdx, rec)
			t.coverFrontierIdx(int(r.OperationIdx))
		}

	case target.Internal() && !source.Internal():
		sIdx, ok := t.opMap[sKey]
		if !ok {
			return
		}
		t.internalDeps[tKey] = mergeRecord(t.internalDeps[tKey], wholeOpRecord(sIdx))

	default: // both internal
		for _, r := range t.internalDeps[sKey] {
			rec := r
			rec.NextIdx = -1
			rec.Validates = false
			t.internalDeps[tKey] = mergeRecord(t.internalDeps[tKey], rec)
		}
	}
}

// RecordRegionDependence implements LogicalTrace.
func (t *DynamicTrace) RecordRegionDependence(target op.Operation, tgen op.GenerationID,
	source op.Operation, sgen op.GenerationID,
	targetIdx, sourceIdx int32,
	dtype region.DependenceKind, validates bool, mask region.FieldMask) {
	if !t.tracing {
		return
	}
	tKey := opKey{o: target, gen: tgen}
	sKey := opKey{o: source, gen: sgen}

	switch {
	case !target.Internal() && !source.Internal():
		tIdx, tok := t.opMap[tKey]
		sIdx, sok := t.opMap[sKey]
		if !tok || !sok {
			return
		}
		t.insertDependence(tIdx, DependenceRecord{
			OperationIdx: int32(sIdx),
			PrevIdx:      sourceIdx,
			NextIdx:      targetIdx,
			Validates:    validates,
			Kind:         dtype,
			Mask:         mask,
		})
		t.coverFrontier(sKey)

	case !target.Internal() && source.Internal():
		// The dependence flows through an internal operation: forward
		// the internal operation's own dependences transitively onto the
		// target, restricted to the overlapping fields.
		tIdx, ok := t.opMap[tKey]
		if !ok {
			return
		}
		for _, r := range t.internalDeps[sKey] {
			overlap := r.Mask.Intersect(mask)
			if overlap.Empty() {
				continue
			}
			t.insertDependence(tIdx, DependenceRecord{
				OperationIdx: r.OperationIdx,
				PrevIdx:      r.PrevIdx,
				NextIdx:      targetIdx,
				Validates:    false,
				Kind:         r.Kind,
				Mask:         overlap,
			})
			t.coverFrontierIdx(int(r.OperationIdx))
		}

	case target.Internal() && !source.Internal():
		sIdx, ok := t.opMap[sKey]
		if !ok {
			return
		}
		t.internalDeps[tKey] = mergeRecord(t.internalDeps[tKey], DependenceRecord{
			OperationIdx: int32(sIdx),
			PrevIdx:      sourceIdx,
			NextIdx:      targetIdx,
			Validates:    validates,
			Kind:         dtype,
			Mask:         mask,
		})

	default: // both internal
		for _, r := range t.internalDeps[sKey] {
			overlap := r.Mask.Intersect(mask)
			if overlap.Empty() {
				continue
			}
			t.internalDeps[tKey] = mergeRecord(t.internalDeps[tKey], DependenceRecord{
				OperationIdx: r.OperationIdx,
				PrevIdx:      r.PrevIdx,
				NextIdx:      targetIdx,
				Validates:    false,
				Kind:         r.Kind,
				Mask:         overlap,
			})
		}
	}
}

// Dependences implements LogicalTrace.
func (t *DynamicTrace) Dependences(index int) []DependenceRecord {
	if index < 0 || index >= len(t.deps) {
		return nil
	}
	return t.deps[index]
}

// insertDependence merges a record into the incoming list of the
// operation at tIdx.
func (t *DynamicTrace) insertDependence(tIdx int, rec DependenceRecord) {
	t.deps[tIdx] = mergeRecord(t.deps[tIdx], rec)
}

func (t *DynamicTrace) coverFrontierIdx(idx int) {
	if idx < 0 || idx >= len(t.operations) {
		return
	}
	entry := t.operations[idx]
	t.coverFrontier(opKey{o: entry.o, gen: entry.gen})
}
