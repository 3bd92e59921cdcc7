package trace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
)

// InstructionKind enumerates the nine primitives a physical template is
// built from.
type InstructionKind int

const (
	KindGetTermEvent InstructionKind = iota
	KindCreateApUserEvent
	KindTriggerEvent
	KindMergeEvent
	KindIssueCopy
	KindIssueFill
	KindSetOpSyncEvent
	KindAssignFenceCompletion
	KindCompleteReplay
)

// Instruction is one primitive of a recorded physical graph.
//
// Instructions reference runtime state exclusively through indices:
// event slots into the template's events table and TraceLocalIDs into
// its rebindable operation table. Executing an instruction reads its
// input slots and writes at most one output slot.
type Instruction interface {
	Kind() InstructionKind
	// Execute interprets the instruction against the template's replay
	// state.
	Execute(t *PhysicalTemplate, rt Runtime)
	// String renders the instruction for template dumps.
	String() string

	// inputs returns the event slots the instruction consumes.
	inputs() []int
	// output returns the event slot the instruction defines, or -1.
	output() int
	// substInputs rewrites consumed slots through the substitution map.
	substInputs(sub map[int]int)
	// ownerID is the trace-local operation this instruction belongs to
	// (zero for synthetic instructions).
	ownerID() op.TraceLocalID
}

func substSlot(sub map[int]int, slot int) int {
	if repl, ok := sub[slot]; ok {
		return repl
	}
	return slot
}

// GetTermEvent: events[lhs] = operations[owner].MemoCompletion().
type GetTermEvent struct {
	lhs   int
	owner op.TraceLocalID
}

func (i *GetTermEvent) Kind() InstructionKind { return KindGetTermEvent }
func (i *GetTermEvent) Execute(t *PhysicalTemplate, rt Runtime) {
	t.events[i.lhs] = t.operations[i.owner].MemoCompletion()
}
func (i *GetTermEvent) String() string {
	return fmt.Sprintf("events[%d] = ops[%d].completion", i.lhs, i.owner)
}
func (i *GetTermEvent) inputs() []int { return nil }
func (i *GetTermEvent) output() int { return i.lhs }
func (i *GetTermEvent) substInputs(map[int]int)   {}
func (i *GetTermEvent) ownerID() op.TraceLocalID { return i.owner }

// CreateApUserEvent: events[lhs] = a fresh user event.
type CreateApUserEvent struct {
	lhs   int
	owner op.TraceLocalID
}

func (i *CreateApUserEvent) Kind() InstructionKind { return KindCreateApUserEvent }
func (i *CreateApUserEvent) Execute(t *PhysicalTemplate, rt Runtime) {
	u := rt.Events().CreateUserEvent()
	t.userEvents[i.lhs] = u
	t.events[i.lhs] = u.Event()
}
func (i *CreateApUserEvent) String() string {
	return fmt.Sprintf("events[%d] = create_ap_user_event()", i.lhs)
}
func (i *CreateApUserEvent) inputs() []int { return nil }
func (i *CreateApUserEvent) output() int { return i.lhs }
func (i *CreateApUserEvent) substInputs(map[int]int)  {}
func (i *CreateApUserEvent) ownerID() op.TraceLocalID { return i.owner }

// TriggerEvent: trigger(user_events[lhs], events[rhs]).
type TriggerEvent struct {
	lhs   int
	rhs   int
	owner op.TraceLocalID
}

func (i *TriggerEvent) Kind() InstructionKind { return KindTriggerEvent }
func (i *TriggerEvent) Execute(t *PhysicalTemplate, rt Runtime) {
	rt.Events().Trigger(t.userEvents[i.lhs], t.events[i.rhs])
}
func (i *TriggerEvent) String() string {
	return fmt.Sprintf("trigger(user_events[%d], events[%d])", i.lhs, i.rhs)
}
func (i *TriggerEvent) inputs() []int { return []int{i.lhs, i.rhs} }
func (i *TriggerEvent) output() int { return -1 }
func (i *TriggerEvent) substInputs(sub map[int]int) {
	// The lhs names a user-event slot, not a data dependence; only the
	// source event is substitutable.
	i.rhs = substSlot(sub, i.rhs)
}
func (i *TriggerEvent) ownerID() op.TraceLocalID { return i.owner }

// MergeEvent: events[lhs] = merge(events[rhs...]).
type MergeEvent struct {
	lhs   int
	rhs   []int
	owner op.TraceLocalID
}

func (i *MergeEvent) Kind() InstructionKind { return KindMergeEvent }
func (i *MergeEvent) Execute(t *PhysicalTemplate, rt Runtime) {
	t.events[i.lhs] = t.mergeSlots(rt, i.rhs)
}
func (i *MergeEvent) String() string {
	parts := make([]string, len(i.rhs))
	for n, r := range i.rhs {
		parts[n] = fmt.Sprintf("events[%d]", r)
	}
	return fmt.Sprintf("events[%d] = merge(%s)", i.lhs, strings.Join(parts, ", "))
}
func (i *MergeEvent) inputs() []int { return i.rhs }
func (i *MergeEvent) output() int { return i.lhs }
func (i *MergeEvent) substInputs(sub map[int]int) {
	seen := make(map[int]bool, len(i.rhs))
	out := i.rhs[:0]
	for _, r := range i.rhs {
		r = substSlot(sub, r)
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	i.rhs = out
	sort.Ints(i.rhs)
}
func (i *MergeEvent) ownerID() op.TraceLocalID { return i.owner }

// AssignFenceCompletion: events[lhs] = the replay's fence completion.
type AssignFenceCompletion struct {
	lhs int
}

func (i *AssignFenceCompletion) Kind() InstructionKind { return KindAssignFenceCompletion }
func (i *AssignFenceCompletion) Execute(t *PhysicalTemplate, rt Runtime) {
	t.events[i.lhs] = t.fenceCompletion
}
func (i *AssignFenceCompletion) String() string {
	return fmt.Sprintf("events[%d] = fence_completion", i.lhs)
}
func (i *AssignFenceCompletion) inputs() []int { return nil }
func (i *AssignFenceCompletion) output() int { return i.lhs }
func (i *AssignFenceCompletion) substInputs(map[int]int)  {}
func (i *AssignFenceCompletion) ownerID() op.TraceLocalID { return 0 }

// IssueCopy: events[lhs] = copy over expr gated on events[precondition].
type IssueCopy struct {
	lhs          int
	expr         region.IndexSpaceExpression
	fields       region.FieldMask
	precondition int
	redop        region.ReductionOpID
	fold         bool
	owner        op.TraceLocalID
}

func (i *IssueCopy) Kind() InstructionKind { return KindIssueCopy }
func (i *IssueCopy) Execute(t *PhysicalTemplate, rt Runtime) {
	t.events[i.lhs] = rt.IssueCopy(i.expr, i.fields, t.events[i.precondition], i.redop, i.fold)
}
func (i *IssueCopy) String() string {
	return fmt.Sprintf("events[%d] = copy(expr%d, fields=%s, pre=events[%d], redop=%d, fold=%t)",
		i.lhs, i.expr.ID(), i.fields, i.precondition, i.redop, i.fold)
}
func (i *IssueCopy) inputs() []int { return []int{i.precondition} }
func (i *IssueCopy) output() int { return i.lhs }
func (i *IssueCopy) substInputs(sub map[int]int) {
	i.precondition = substSlot(sub, i.precondition)
}
func (i *IssueCopy) ownerID() op.TraceLocalID { return i.owner }

// IssueFill: events[lhs] = fill over expr gated on events[precondition].
type IssueFill struct {
	lhs          int
	expr         region.IndexSpaceExpression
	fields       region.FieldMask
	value        []byte
	precondition int
	owner        op.TraceLocalID
}

func (i *IssueFill) Kind() InstructionKind { return KindIssueFill }
func (i *IssueFill) Execute(t *PhysicalTemplate, rt Runtime) {
	t.events[i.lhs] = rt.IssueFill(i.expr, i.fields, i.value, t.events[i.precondition])
}
func (i *IssueFill) String() string {
	return fmt.Sprintf("events[%d] = fill(expr%d, fields=%s, pre=events[%d])",
		i.lhs, i.expr.ID(), i.fields, i.precondition)
}
func (i *IssueFill) inputs() []int { return []int{i.precondition} }
func (i *IssueFill) output() int { return i.lhs }
func (i *IssueFill) substInputs(sub map[int]int) {
	i.precondition = substSlot(sub, i.precondition)
}
func (i *IssueFill) ownerID() op.TraceLocalID { return i.owner }

// SetOpSyncEvent: events[lhs] = operations[owner].ComputeSyncPrecondition().
type SetOpSyncEvent struct {
	lhs   int
	owner op.TraceLocalID
}

func (i *SetOpSyncEvent) Kind() InstructionKind { return KindSetOpSyncEvent }
func (i *SetOpSyncEvent) Execute(t *PhysicalTemplate, rt Runtime) {
	t.events[i.lhs] = t.operations[i.owner].ComputeSyncPrecondition()
}
func (i *SetOpSyncEvent) String() string {
	return fmt.Sprintf("events[%d] = ops[%d].sync_precondition", i.lhs, i.owner)
}
func (i *SetOpSyncEvent) inputs() []int { return nil }
func (i *SetOpSyncEvent) output() int { return i.lhs }
func (i *SetOpSyncEvent) substInputs(map[int]int)  {}
func (i *SetOpSyncEvent) ownerID() op.TraceLocalID { return i.owner }

// CompleteReplay: operations[owner].CompleteReplay(events[rhs]).
type CompleteReplay struct {
	owner op.TraceLocalID
	rhs   int
}

func (i *CompleteReplay) Kind() InstructionKind { return KindCompleteReplay }
func (i *CompleteReplay) Execute(t *PhysicalTemplate, rt Runtime) {
	t.operations[i.owner].CompleteReplay(t.events[i.rhs])
}
func (i *CompleteReplay) String() string {
	return fmt.Sprintf("ops[%d].complete_replay(events[%d])", i.owner, i.rhs)
}
func (i *CompleteReplay) inputs() []int { return []int{i.rhs} }
func (i *CompleteReplay) output() int { return -1 }
func (i *CompleteReplay) substInputs(sub map[int]int) {
	i.rhs = substSlot(sub, i.rhs)
}
func (i *CompleteReplay) ownerID() op.TraceLocalID { return i.owner }
