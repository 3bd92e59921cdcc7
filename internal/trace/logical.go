package trace

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
)

// TraceID identifies a logical trace within its context.
type TraceID uint32

// TracingState is the execution regime a trace is currently in.
type TracingState int

const (
	// LogicalOnly memoizes dependence analysis but not the physical graph.
	LogicalOnly TracingState = iota
	// PhysicalRecord additionally appends every physical action to a
	// template.
	PhysicalRecord
	// PhysicalReplay executes a stored template instead of re-running
	// the scheduler.
	PhysicalReplay
)

// String returns the state's logging name.
func (s TracingState) String() string {
	switch s {
	case LogicalOnly:
		return "logical_only"
	case PhysicalRecord:
		return "physical_record"
	case PhysicalReplay:
		return "physical_replay"
	default:
		return fmt.Sprintf("TracingState(%d)", int(s))
	}
}

// DependenceSink receives the outgoing dependences resolved when a trace
// ends. The completion fence implements it.
type DependenceSink interface {
	RegisterDependence(o op.Operation, gen op.GenerationID)
}

// LogicalTrace is the common contract of static and dynamic traces.
//
// A trace records the (operation, generation) stream of one marked
// region of the program, together with enough dependence structure to
// re-apply it on later passes without re-running dependence analysis.
type LogicalTrace interface {
	ID() TraceID
	Static() bool
	Fixed() bool
	State() TracingState
	SetState(s TracingState)

	// HandlesRegionTree reports whether operations on the given region
	// tree participate in this trace.
	HandlesRegionTree(tid region.TreeID) bool

	// RecordStaticDependences supplies application-declared dependences
	// for the next registered operation. Only static traces accept them.
	RecordStaticDependences(o op.Operation, deps []op.StaticDependence)

	// RegisterOperation appends (o, gen) to the current pass.
	// On a fixed dynamic trace this validates the operation's shape and
	// returns a TraceError on mismatch.
	RegisterOperation(o op.Operation, gen op.GenerationID) error

	// RecordDependence records a whole-operation dependence of target on
	// source (source was registered earlier).
	RecordDependence(target op.Operation, tgen op.GenerationID, source op.Operation, sgen op.GenerationID)

	// RecordRegionDependence records a fine-grained dependence of
	// target's requirement targetIdx on source's requirement sourceIdx.
	RecordRegionDependence(target op.Operation, tgen op.GenerationID,
		source op.Operation, sgen op.GenerationID,
		targetIdx, sourceIdx int32,
		dtype region.DependenceKind, validates bool, mask region.FieldMask)

	// RecordAliasedChildren marks aliased-but-non-interfering children
	// under a requirement so replays can re-establish the aliasing.
	RecordAliasedChildren(reqIndex, depth uint32, mask region.FieldMask)

	// ReplayAliasedChildren synthesizes the tree paths recorded by
	// RecordAliasedChildren, in deterministic order.
	ReplayAliasedChildren() []region.TreePath

	// Dependences returns the incoming dependence records of the
	// operation at the given trace position for the current pass.
	Dependences(index int) []DependenceRecord

	// Length returns the number of operations registered this pass.
	Length() int

	// OperationAt returns the operation registered at the given
	// position of the current pass.
	OperationAt(index int) (op.Operation, op.GenerationID, bool)

	// EndTraceExecution resolves every remaining frontier operation into
	// an outgoing dependence of fence and clears the pass state.
	EndTraceExecution(fence DependenceSink)

	// InvalidateTraceCache drops any cached template because state
	// outside the trace changed in a way recorded conditions cannot see.
	InvalidateTraceCache(invalidator op.Operation)

	RecordBlockingCall()
	ClearBlockingCall()
	HasBlockingCall() bool

	HasPhysicalTrace() bool
	PhysicalTrace() *PhysicalTrace
	// AttachPhysicalTrace installs the physical memoization side; it is
	// owned by this logical trace.
	AttachPhysicalTrace(pt *PhysicalTrace)
}

type opKey struct {
	o   op.Operation
	gen op.GenerationID
}

type opEntry struct {
	o   op.Operation
	gen op.GenerationID
}

type aliasKey struct {
	reqIndex uint32
	depth    uint32
}

// traceBase carries the state shared by static and dynamic traces.
type traceBase struct {
	tid        TraceID
	operations []opEntry
	aliased    map[aliasKey]region.FieldMask
	state      TracingState
	physical   *PhysicalTrace
	blocking   bool
	// frontiers holds registered operations no later trace operation
	// depends on; the completion fence depends on exactly these.
	frontiers map[opKey]struct{}
	logger    *slog.Logger
}

func newTraceBase(tid TraceID, logger *slog.Logger) traceBase {
	if logger == nil {
		logger = slog.Default()
	}
	return traceBase{
		tid:       tid,
		aliased:   make(map[aliasKey]region.FieldMask),
		frontiers: make(map[opKey]struct{}),
		logger:    logger,
	}
}

func (t *traceBase) ID() TraceID { return t.tid }
func (t *traceBase) State() TracingState { return t.state }
func (t *traceBase) SetState(s TracingState) {
	t.state = s
}

func (t *traceBase) RecordBlockingCall() { t.blocking = true }
func (t *traceBase) ClearBlockingCall()  { t.blocking = false }
func (t *traceBase) HasBlockingCall() bool { return t.blocking }

func (t *traceBase) HasPhysicalTrace() bool { return t.physical != nil }
func (t *traceBase) PhysicalTrace() *PhysicalTrace { return t.physical }
func (t *traceBase) AttachPhysicalTrace(pt *PhysicalTrace) {
	t.physical = pt
}

func (t *traceBase) RecordAliasedChildren(reqIndex, depth uint32, mask region.FieldMask) {
	if mask.Empty() {
		return
	}
	key := aliasKey{reqIndex: reqIndex, depth: depth}
	t.aliased[key] = t.aliased[key].Union(mask)
}

func (t *traceBase) ReplayAliasedChildren() []region.TreePath {
	paths := make([]region.TreePath, 0, len(t.aliased))
	for key, mask := range t.aliased {
		paths = append(paths, region.TreePath{ReqIndex: key.reqIndex, Depth: key.depth, Mask: mask})
	}
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].ReqIndex != paths[j].ReqIndex {
			return paths[i].ReqIndex < paths[j].ReqIndex
		}
		return paths[i].Depth < paths[j].Depth
	})
	return paths
}

// Length returns the number of operations registered this pass.
func (t *traceBase) Length() int { return len(t.operations) }

// OperationAt returns the operation registered at index this pass.
func (t *traceBase) OperationAt(index int) (op.Operation, op.GenerationID, bool) {
	if index < 0 || index >= len(t.operations) {
		return nil, 0, false
	}
	entry := t.operations[index]
	return entry.o, entry.gen, true
}

// registerFrontier marks a newly registered operation as a frontier
// until something later in the trace depends on it.
func (t *traceBase) registerFrontier(key opKey) {
	t.frontiers[key] = struct{}{}
}

// coverFrontier removes an operation from the frontier set because a
// later operation depends on it.
func (t *traceBase) coverFrontier(key opKey) {
	delete(t.frontiers, key)
}

func (t *traceBase) EndTraceExecution(fence DependenceSink) {
	for key := range t.frontiers {
		fence.RegisterDependence(key.o, key.gen)
	}
	t.frontiers = make(map[opKey]struct{})
	t.operations = t.operations[:0]
}

func (t *traceBase) InvalidateTraceCache(invalidator op.Operation) {
	if t.physical == nil {
		return
	}
	var uid op.UniqueID
	if invalidator != nil {
		uid = invalidator.UniqueID()
	}
	t.logger.Debug("trace cache invalidated", "trace", t.tid, "invalidator", uid)
	t.physical.ClearCachedTemplate()
}
