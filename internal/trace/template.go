package trace

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
)

// CachedMapping is the mapper output remembered for one memoized task:
// replays reuse it instead of re-invoking the mapper.
type CachedMapping struct {
	Variant     uint32
	Priority    int32
	TargetProcs []uint32
	// Instances are the chosen physical instance identifiers, one per
	// region requirement.
	Instances []uint64
}

// SummaryEntry is one requirement/instance pair whose post-trace state a
// summary operation materializes into the op stream after a replay.
type SummaryEntry struct {
	Requirement op.Requirement
	ParentIndex int
}

// viewUser is one recorded access to an instance view. The user field is
// the event slot of the accessing operation's term event, which doubles
// as a stable ordering id inside the template.
type viewUser struct {
	usage region.Usage
	user  int
	expr  region.IndexSpaceExpression
	mask  region.FieldMask
}

// viewAccess is one entry of the chronological access log that
// generateConditions scans to derive pre and post conditions.
type viewAccess struct {
	view  region.InstanceView
	eq    region.EquivalenceSet
	usage region.Usage
	mask  region.FieldMask
	expr  region.IndexSpaceExpression
	// invalidates marks writes that destroy other instances' validity.
	// Task writes and fills do; copy destinations replicate data and
	// leave their siblings valid.
	invalidates bool
}

// PhysicalTemplate is a recorded recipe for reconstructing a physical
// task graph: a sequence of instructions plus the interpreter state
// (event slots and rebindable operations) they execute against.
//
// A template has two lives. While recording, every physical action the
// scheduler takes is appended through a record entry point; event values
// are converted to slots so nothing record-time leaks into the recipe.
// After Finalize the template is immutable except for the per-replay
// interpreter state bound by Initialize.
type PhysicalTemplate struct {
	trace *PhysicalTrace

	// mu guards the fields a concurrent precondition check may read
	// while the analysis goroutine is still recording.
	mu         sync.Mutex
	recording  bool
	replayable bool
	whyNot     string

	fenceCompletionID int
	replayParallelism int

	// fenceCompletion is the replay-time binding of slot 0.
	fenceCompletion event.ApEvent

	events     []event.ApEvent
	userEvents []event.ApUserEvent
	// eventMap is the record-time lookup from live events to slots;
	// useless after recording ends.
	eventMap map[event.ApEvent]int

	instructions []Instruction
	slices       [][]Instruction
	sliceTasks   [][]op.TraceLocalID

	// operations is rebound at the start of every replay.
	operations  map[op.TraceLocalID]op.Memoizable
	memoEntries map[op.TraceLocalID]int

	cachedMappings map[op.TraceLocalID]CachedMapping

	pre, post                                        *ConditionSet
	preReductions, postReductions, consumedReductions *ViewSet
	preFillViews, postFillViews                      *region.MaskSet[region.FillView]

	accessLog  []viewAccess
	viewUsers  map[region.InstanceView][]viewUser
	viewGroups map[region.TreeID]map[region.InstanceView]struct{}
	opViews    map[op.TraceLocalID]*region.MaskSet[region.InstanceView]

	summaryInfo []SummaryEntry

	// frontiers maps producer event slots to crossing slots. Initialize
	// preassigns each crossing slot: on a recurrent replay it carries
	// the previous replay's producer value so elided fences chain
	// iterations; otherwise it degrades to the fence completion.
	frontiers map[int]int
}

// NewPhysicalTemplate starts recording a template whose slot 0 holds the
// fence event the trace began with.
func NewPhysicalTemplate(trace *PhysicalTrace, fenceEvent event.ApEvent, replayParallelism int) *PhysicalTemplate {
	if replayParallelism < 1 {
		replayParallelism = 1
	}
	t := &PhysicalTemplate{
		trace:             trace,
		recording:         true,
		replayable:        true,
		fenceCompletionID: 0,
		replayParallelism: replayParallelism,
		fenceCompletion:   fenceEvent,
		eventMap:          make(map[event.ApEvent]int),
		operations:        make(map[op.TraceLocalID]op.Memoizable),
		memoEntries:       make(map[op.TraceLocalID]int),
		cachedMappings:    make(map[op.TraceLocalID]CachedMapping),
		pre:               NewConditionSet(),
		post:              NewConditionSet(),
		preReductions:     NewViewSet(),
		postReductions:    NewViewSet(),
		consumedReductions: NewViewSet(),
		preFillViews:      region.NewMaskSet[region.FillView](),
		postFillViews:     region.NewMaskSet[region.FillView](),
		viewUsers:         make(map[region.InstanceView][]viewUser),
		viewGroups:        make(map[region.TreeID]map[region.InstanceView]struct{}),
		opViews:           make(map[op.TraceLocalID]*region.MaskSet[region.InstanceView]),
		frontiers:         make(map[int]int),
	}
	slot := t.convertEvent(fenceEvent)
	if slot != t.fenceCompletionID {
		panic("trace: fence completion must own slot 0")
	}
	t.instructions = append(t.instructions, &AssignFenceCompletion{lhs: slot})
	return t
}

// IsRecording reports whether the template is still recording.
func (t *PhysicalTemplate) IsRecording() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recording
}

// IsReplaying reports whether the template has finished recording.
func (t *PhysicalTemplate) IsReplaying() bool { return !t.IsRecording() }

// IsReplayable reports whether the finalized template may be replayed.
func (t *PhysicalTemplate) IsReplayable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replayable
}

// WhyNotReplayable returns the first disqualifying reason, for logs.
func (t *PhysicalTemplate) WhyNotReplayable() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.whyNot
}

func (t *PhysicalTemplate) mustRecord() {
	if !t.IsRecording() {
		panic("trace: record entry point called on a template that is not recording")
	}
}

// convertEvent allocates a fresh slot for e. Recording is single
// assignment: an event is converted at most once, at the instruction
// that produces it.
func (t *PhysicalTemplate) convertEvent(e event.ApEvent) int {
	slot := len(t.events)
	t.events = append(t.events, e)
	t.userEvents = append(t.userEvents, 0)
	if e.Exists() {
		if _, ok := t.eventMap[e]; ok {
			panic(fmt.Sprintf("trace: event %d converted twice", e))
		}
		t.eventMap[e] = slot
	}
	return slot
}

// findEvent resolves a consumed event to its slot. Events produced
// outside the trace are ordered by the fence, so they resolve to slot 0.
func (t *PhysicalTemplate) findEvent(e event.ApEvent) int {
	if !e.Exists() {
		return t.fenceCompletionID
	}
	if slot, ok := t.eventMap[e]; ok {
		return slot
	}
	return t.fenceCompletionID
}

// newSlot allocates an event slot with no record-time value, used by the
// optimizer for crossing events and synthesized merges.
func (t *PhysicalTemplate) newSlot() int {
	slot := len(t.events)
	t.events = append(t.events, event.NoEvent)
	t.userEvents = append(t.userEvents, 0)
	return slot
}

func memoID(m op.Memoizable) op.TraceLocalID {
	if m == nil {
		return 0
	}
	return m.TraceLocalID()
}

// RecordGetTermEvent records that the graph observes memo's completion
// event. This is also what enters memo into the template's operation
// table.
func (t *PhysicalTemplate) RecordGetTermEvent(memo op.Memoizable) {
	t.mustRecord()
	tlid := memo.TraceLocalID()
	lhs := t.convertEvent(memo.MemoCompletion())
	t.operations[tlid] = memo
	t.memoEntries[tlid] = lhs
	t.instructions = append(t.instructions, &GetTermEvent{lhs: lhs, owner: tlid})
}

// RecordCreateApUserEvent records the allocation of a user event.
func (t *PhysicalTemplate) RecordCreateApUserEvent(u event.ApUserEvent, owner op.Memoizable) {
	t.mustRecord()
	lhs := t.convertEvent(u.Event())
	t.userEvents[lhs] = u
	t.instructions = append(t.instructions, &CreateApUserEvent{lhs: lhs, owner: memoID(owner)})
}

// RecordTriggerEvent records triggering user event u with src.
func (t *PhysicalTemplate) RecordTriggerEvent(u event.ApUserEvent, src event.ApEvent, owner op.Memoizable) {
	t.mustRecord()
	t.instructions = append(t.instructions, &TriggerEvent{
		lhs:   t.findEvent(u.Event()),
		rhs:   t.findEvent(src),
		owner: memoID(owner),
	})
}

// RecordMergeEvents records that lhs was produced by merging rhs.
// The record stores slots, never the live event values.
func (t *PhysicalTemplate) RecordMergeEvents(lhs event.ApEvent, rhs []event.ApEvent, owner op.Memoizable) {
	t.mustRecord()
	seen := make(map[int]bool, len(rhs))
	slots := make([]int, 0, len(rhs))
	for _, e := range rhs {
		slot := t.findEvent(e)
		if !seen[slot] {
			seen[slot] = true
			slots = append(slots, slot)
		}
	}
	sort.Ints(slots)
	lhsSlot := t.convertEvent(lhs)
	t.instructions = append(t.instructions, &MergeEvent{lhs: lhsSlot, rhs: slots, owner: memoID(owner)})
}

// RecordIssueCopy records a copy issued over expr.
func (t *PhysicalTemplate) RecordIssueCopy(memo op.Memoizable, lhs event.ApEvent,
	expr region.IndexSpaceExpression, fields region.FieldMask,
	precondition event.ApEvent, redop region.ReductionOpID, fold bool) {
	t.mustRecord()
	pre := t.findEvent(precondition)
	lhsSlot := t.convertEvent(lhs)
	t.instructions = append(t.instructions, &IssueCopy{
		lhs:          lhsSlot,
		expr:         expr,
		fields:       fields,
		precondition: pre,
		redop:        redop,
		fold:         fold,
		owner:        memoID(memo),
	})
}

// RecordIssueFill records a fill issued over expr.
func (t *PhysicalTemplate) RecordIssueFill(memo op.Memoizable, lhs event.ApEvent,
	expr region.IndexSpaceExpression, fields region.FieldMask,
	value []byte, precondition event.ApEvent) {
	t.mustRecord()
	pre := t.findEvent(precondition)
	lhsSlot := t.convertEvent(lhs)
	t.instructions = append(t.instructions, &IssueFill{
		lhs:          lhsSlot,
		expr:         expr,
		fields:       fields,
		value:        append([]byte(nil), value...),
		precondition: pre,
		owner:        memoID(memo),
	})
}

// RecordSetOpSyncEvent records that lhs came from memo's sync
// precondition computation.
func (t *PhysicalTemplate) RecordSetOpSyncEvent(lhs event.ApEvent, memo op.Memoizable) {
	t.mustRecord()
	tlid := memo.TraceLocalID()
	t.operations[tlid] = memo
	lhsSlot := t.convertEvent(lhs)
	t.instructions = append(t.instructions, &SetOpSyncEvent{lhs: lhsSlot, owner: tlid})
}

// RecordCompleteReplay records that memo completes with events[rhs].
func (t *PhysicalTemplate) RecordCompleteReplay(memo op.Memoizable, rhs event.ApEvent) {
	t.mustRecord()
	t.instructions = append(t.instructions, &CompleteReplay{
		owner: memo.TraceLocalID(),
		rhs:   t.findEvent(rhs),
	})
}

// RecordMapperOutput remembers the mapper's decisions for memo so
// replays can skip mapping.
func (t *PhysicalTemplate) RecordMapperOutput(memo op.Memoizable, mapping CachedMapping) {
	t.mustRecord()
	t.cachedMappings[memo.TraceLocalID()] = mapping
}

// GetMapperOutput returns the cached mapping for memo, if any.
func (t *PhysicalTemplate) GetMapperOutput(memo op.Memoizable) (CachedMapping, bool) {
	m, ok := t.cachedMappings[memo.TraceLocalID()]
	return m, ok
}

// RecordSummaryInfo remembers a requirement whose post-trace state the
// summary operation materializes after replays.
func (t *PhysicalTemplate) RecordSummaryInfo(req op.Requirement, parentIndex int) {
	t.mustRecord()
	t.summaryInfo = append(t.summaryInfo, SummaryEntry{Requirement: req, ParentIndex: parentIndex})
}

// SummaryInfo returns the recorded summary entries.
func (t *PhysicalTemplate) SummaryInfo() []SummaryEntry { return t.summaryInfo }

// RecordOpView records that memo accesses view through requirement idx
// with the given usage and mask. When updateValidity is set the access
// participates in pre/post condition derivation.
func (t *PhysicalTemplate) RecordOpView(memo op.Memoizable, idx int,
	view region.InstanceView, usage region.Usage, mask region.FieldMask, updateValidity bool) {
	t.mustRecord()
	tlid := memo.TraceLocalID()
	entry, ok := t.memoEntries[tlid]
	if !ok {
		panic("trace: RecordOpView before RecordGetTermEvent for the same operation")
	}
	reqs := memo.Requirements()
	if idx < 0 || idx >= len(reqs) {
		panic(fmt.Sprintf("trace: requirement index %d out of range", idx))
	}
	req := reqs[idx]

	ov := t.opViews[tlid]
	if ov == nil {
		ov = region.NewMaskSet[region.InstanceView]()
		t.opViews[tlid] = ov
	}
	ov.Insert(view, mask)

	t.viewUsers[view] = append(t.viewUsers[view], viewUser{usage: usage, user: entry, expr: req.Expr, mask: mask})
	group := t.viewGroups[view.Tree]
	if group == nil {
		group = make(map[region.InstanceView]struct{})
		t.viewGroups[view.Tree] = group
	}
	group[view] = struct{}{}

	if updateValidity {
		t.accessLog = append(t.accessLog, viewAccess{
			view: view, eq: req.Eq, usage: usage, mask: mask, expr: req.Expr,
			invalidates: usage.Writes(),
		})
	}
}

// RecordCopyViews records the views a recorded copy or fill (identified
// by its lhs event) reads or writes. Copies have no term-event entry, so
// the copy's own event slot serves as its ordering id. invalidates
// distinguishes fills (new content, siblings stale) from plain copies
// (replicated content, siblings stay valid).
func (t *PhysicalTemplate) RecordCopyViews(lhs event.ApEvent, view region.InstanceView,
	eq region.EquivalenceSet, usage region.Usage, mask region.FieldMask,
	expr region.IndexSpaceExpression, invalidates bool) {
	t.mustRecord()
	user := t.findEvent(lhs)
	t.viewUsers[view] = append(t.viewUsers[view], viewUser{usage: usage, user: user, expr: expr, mask: mask})
	group := t.viewGroups[view.Tree]
	if group == nil {
		group = make(map[region.InstanceView]struct{})
		t.viewGroups[view.Tree] = group
	}
	group[view] = struct{}{}
	t.accessLog = append(t.accessLog, viewAccess{
		view: view, eq: eq, usage: usage, mask: mask, expr: expr,
		invalidates: invalidates && usage.Writes(),
	})
}

// RecordFillView records a fill view the template establishes
// (establishes=true) or consumes from before the trace.
func (t *PhysicalTemplate) RecordFillView(fill region.FillView, mask region.FieldMask, establishes bool) {
	t.mustRecord()
	if establishes {
		t.postFillViews.Insert(fill, mask)
		return
	}
	missing := mask.Subtract(t.postFillViews.Mask(fill))
	if !missing.Empty() {
		t.preFillViews.Insert(fill, missing)
	}
}

// generateConditions derives the pre and post condition sets from the
// chronological access log: the inverse of the validity accumulation the
// scheduler performed while the template recorded.
func (t *PhysicalTemplate) generateConditions() {
	written := make(map[region.EquivalenceSet]region.FieldMask)
	// reducers tracks in-template reduction contributions per
	// equivalence set until a reader consumes them.
	type reducer struct {
		view region.InstanceView
		mask region.FieldMask
	}
	reducers := make(map[region.EquivalenceSet][]reducer)

	for _, a := range t.accessLog {
		if a.usage.IsReduction() {
			pending := a.mask.Subtract(written[a.eq])
			if !pending.Empty() {
				t.preReductions.Insert(a.view, a.eq, pending)
			}
			t.postReductions.Insert(a.view, a.eq, a.mask)
			reducers[a.eq] = append(reducers[a.eq], reducer{view: a.view, mask: a.mask})
			continue
		}
		if a.usage.Reads() {
			need := a.mask.Subtract(written[a.eq])
			if !need.Empty() {
				t.pre.Insert(a.view, a.eq, need)
			}
			// Reading folds any outstanding reductions on these fields.
			for _, r := range reducers[a.eq] {
				overlap := r.mask.Intersect(a.mask)
				if !overlap.Empty() {
					t.consumedReductions.Insert(r.view, a.eq, overlap)
				}
			}
		}
		if a.usage.Writes() {
			if a.invalidates {
				if group, ok := t.viewGroups[a.view.Tree]; ok {
					for other := range group {
						if other != a.view {
							t.post.Invalidate(other, a.eq, a.mask)
						}
					}
				}
			}
			written[a.eq] = written[a.eq].Union(a.mask)
		}
		t.post.Insert(a.view, a.eq, a.mask)
	}
}

// checkReplayable decides whether the finalized template may ever be
// replayed.
func (t *PhysicalTemplate) checkReplayable(hasBlockingCall bool) (bool, string) {
	if hasBlockingCall {
		return false, "blocking call observed during trace"
	}
	if t.pre.HasRefinements() || t.post.HasRefinements() {
		return false, "condition sets mix equivalence-set refinement levels"
	}
	if !t.pre.ViewSet.SubsumedBy(&t.post.ViewSet) {
		return false, "postcondition does not subsume precondition"
	}
	if !t.preReductions.SubsumedBy(t.consumedReductions) {
		return false, "external reductions are not consumed by the template"
	}
	return true, ""
}

// Finalize ends recording: conditions are generated, replayability is
// decided, and a replayable template is optimized. world provides the
// version snapshot the preconditions are anchored to.
func (t *PhysicalTemplate) Finalize(world *World, hasBlockingCall bool) {
	t.mu.Lock()
	t.recording = false
	t.mu.Unlock()

	t.generateConditions()
	ok, reason := t.checkReplayable(hasBlockingCall)

	t.mu.Lock()
	t.replayable = ok
	t.whyNot = reason
	t.mu.Unlock()

	if !ok {
		return
	}
	t.pre.MakeReady(world)
	t.post.MakeReady(world)
	t.optimize()
}

// CheckPreconditions reports whether the template's preconditions hold
// in the current world, making it legal to replay now.
func (t *PhysicalTemplate) CheckPreconditions(world *World) bool {
	if !t.IsReplayable() {
		return false
	}
	return t.pre.Require(world)
}

// EnsurePostconditions installs the template's postconditions into the
// world, as the summary operation does after a replay.
func (t *PhysicalTemplate) EnsurePostconditions(world *World) {
	t.post.Ensure(world)
}

// Initialize prepares the interpreter state for one replay.
//
// Crossing slots are preassigned here: on a recurrent replay they carry
// the previous replay's producer events so elided fences chain
// iterations; otherwise they fall back to the fence completion. Slot 0
// is bound before any slice starts, so replay slices never race on it.
func (t *PhysicalTemplate) Initialize(fenceCompletion event.ApEvent, recurrent bool) {
	next := make([]event.ApEvent, len(t.events))
	for producer, crossing := range t.frontiers {
		if recurrent {
			next[crossing] = t.events[producer]
		} else {
			next[crossing] = fenceCompletion
		}
	}
	next[t.fenceCompletionID] = fenceCompletion
	t.events = next
	t.userEvents = make([]event.ApUserEvent, len(t.events))
	t.fenceCompletion = fenceCompletion
	t.operations = make(map[op.TraceLocalID]op.Memoizable)
}

// RegisterOperation rebinds a replayed operation into the template's
// operation table as the scheduler encounters it.
func (t *PhysicalTemplate) RegisterOperation(memo op.Memoizable) {
	t.operations[memo.TraceLocalID()] = memo
}

// ExecuteAll replays the template: one worker per slice, synchronizing
// only through the event table. It returns the replay's completion
// event, the merge of every frontier producer.
func (t *PhysicalTemplate) ExecuteAll(rt Runtime) event.ApEvent {
	if len(t.slices) == 0 {
		// Never optimized (or trivially empty): run serially.
		for _, inst := range t.instructions {
			inst.Execute(t, rt)
		}
	} else {
		var wg sync.WaitGroup
		for i := range t.slices {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				t.executeSlice(rt, idx)
			}(i)
		}
		wg.Wait()
	}
	return t.completion(rt)
}

// executeSlice runs one slice's instructions in order, without locking:
// cross-slice dependences exist only through preassigned event slots.
func (t *PhysicalTemplate) executeSlice(rt Runtime, idx int) {
	for _, inst := range t.slices[idx] {
		inst.Execute(t, rt)
	}
}

// completion merges the frontier producers' current events.
func (t *PhysicalTemplate) completion(rt Runtime) event.ApEvent {
	if len(t.frontiers) == 0 {
		return t.fenceCompletion
	}
	producers := make([]int, 0, len(t.frontiers))
	for p := range t.frontiers {
		producers = append(producers, p)
	}
	sort.Ints(producers)
	evs := make([]event.ApEvent, len(producers))
	for i, p := range producers {
		evs[i] = t.events[p]
	}
	return rt.Events().Merge(evs...)
}

// DeferDeletion arranges for onDeleted to run once every in-flight use
// of the template has completed.
func (t *PhysicalTemplate) DeferDeletion(rt Runtime, onDeleted func()) {
	rt.Events().OnTrigger(t.completion(rt), onDeleted)
}

// mergeSlots merges the current values of the given slots.
func (t *PhysicalTemplate) mergeSlots(rt Runtime, slots []int) event.ApEvent {
	if len(slots) == 0 {
		return event.NoEvent
	}
	evs := make([]event.ApEvent, len(slots))
	for i, s := range slots {
		evs[i] = t.events[s]
	}
	return rt.Events().Merge(evs...)
}

// Instructions returns the optimized instruction list.
func (t *PhysicalTemplate) Instructions() []Instruction { return t.instructions }

// Dump renders the template deterministically: the instruction listing,
// the slice partition, and the condition sets.
func (t *PhysicalTemplate) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "template replayable=%t instructions=%d events=%d slices=%d\n",
		t.IsReplayable(), len(t.instructions), len(t.events), len(t.slices))
	for i, inst := range t.instructions {
		fmt.Fprintf(&b, "  [%2d] %s\n", i, inst)
	}
	for s, slice := range t.slices {
		fmt.Fprintf(&b, "slice %d:\n", s)
		for _, inst := range slice {
			fmt.Fprintf(&b, "  %s\n", inst)
		}
	}
	if len(t.frontiers) > 0 {
		producers := make([]int, 0, len(t.frontiers))
		for p := range t.frontiers {
			producers = append(producers, p)
		}
		sort.Ints(producers)
		parts := make([]string, len(producers))
		for i, p := range producers {
			parts[i] = fmt.Sprintf("%d->%d", p, t.frontiers[p])
		}
		fmt.Fprintf(&b, "frontiers: %s\n", strings.Join(parts, " "))
	}
	if !t.pre.Empty() {
		fmt.Fprintf(&b, "pre:\n%s\n", indent(t.pre.Dump()))
	}
	if !t.post.Empty() {
		fmt.Fprintf(&b, "post:\n%s\n", indent(t.post.Dump()))
	}
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
