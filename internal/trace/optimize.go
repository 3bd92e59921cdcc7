package trace

import (
	"fmt"
	"sort"

	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
)

// optimize rewrites the recorded instruction graph. Pass order matters:
// fences are elided before merges flatten, reduction runs on the
// flattened merges, copy propagation cleans up the singletons the
// earlier passes leave behind, and only then is the graph sliced.
func (t *PhysicalTemplate) optimize() {
	gen := t.buildGen()
	t.elideFences(gen)
	gen = t.buildGen()
	t.propagateMerges(gen)
	t.transitiveReduction()
	gen = t.buildGen()
	t.propagateCopies(gen)
	gen = t.buildGen()
	t.prepareParallelReplay(gen)
	t.pushCompleteReplays()
}

// buildGen maps each event slot to the index of the instruction defining
// it, or -1 for slots preassigned before execution (fence crossings).
func (t *PhysicalTemplate) buildGen() []int {
	gen := make([]int, len(t.events))
	for i := range gen {
		gen[i] = -1
	}
	for idx, inst := range t.instructions {
		if out := inst.output(); out >= 0 {
			gen[out] = idx
		}
	}
	return gen
}

// elideFences replaces preconditions that are only the fence completion
// with crossing events carrying the previous replay's frontier, so a
// recurrent replay pipelines into the one before it instead of draining
// at the fence. Initialize degrades the crossing slots to the fence
// completion when the replay is not recurrent, which keeps the rewrite
// unconditionally sound.
func (t *PhysicalTemplate) elideFences(gen []int) {
	consumed := make(map[int]bool)
	for _, inst := range t.instructions {
		// CompleteReplay forwards an event out of the template; it is
		// the crossing point, not an in-template consumer.
		if _, ok := inst.(*CompleteReplay); ok {
			continue
		}
		for _, in := range inst.inputs() {
			consumed[in] = true
		}
	}

	// Frontier producers: events the template defines that nothing in
	// the template consumes. These are what the next iteration chains on.
	var producers []int
	for _, inst := range t.instructions {
		out := inst.output()
		if out > t.fenceCompletionID && !consumed[out] {
			producers = append(producers, out)
		}
	}
	if len(producers) == 0 {
		return
	}
	sort.Ints(producers)

	crossings := make(map[int]int, len(producers))
	for _, p := range producers {
		c := t.newSlot()
		t.frontiers[p] = c
		crossings[p] = c
	}

	// slotViews inverts viewUsers: which views each ordering slot
	// touches, and how.
	type slotAccess struct {
		view region.InstanceView
		u    viewUser
	}
	slotViews := make(map[int][]slotAccess)
	for view, users := range t.viewUsers {
		for _, u := range users {
			slotViews[u.user] = append(slotViews[u.user], slotAccess{view: view, u: u})
		}
	}
	conflicts := func(a, b []slotAccess) bool {
		for _, ua := range a {
			for _, ub := range b {
				if ua.view != ub.view {
					continue
				}
				if ua.u.mask.Disjoint(ub.u.mask) {
					continue
				}
				if ua.u.expr != nil && ub.u.expr != nil && !ua.u.expr.Intersects(ub.u.expr) {
					continue
				}
				return true
			}
		}
		return false
	}

	// relevant picks the frontier producers the previous iteration's
	// instruction at slot L must be ordered after; with no view
	// information the whole frontier is the conservative answer.
	relevant := func(L int) []int {
		mine := slotViews[L]
		if len(mine) == 0 {
			return producers
		}
		var out []int
		for _, p := range producers {
			theirs := slotViews[p]
			if len(theirs) == 0 || conflicts(mine, theirs) {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return producers
		}
		return out
	}

	// subFor maps a producer subset to the slot to wait on, inserting a
	// merge of the crossing events when the subset has several.
	var inserted []Instruction
	subCache := make(map[string]int)
	subFor := func(ps []int) int {
		if len(ps) == 1 {
			return crossings[ps[0]]
		}
		key := fmt.Sprint(ps)
		if slot, ok := subCache[key]; ok {
			return slot
		}
		slot := t.newSlot()
		rhs := make([]int, len(ps))
		for i, p := range ps {
			rhs[i] = crossings[p]
		}
		inserted = append(inserted, &MergeEvent{lhs: slot, rhs: rhs})
		subCache[key] = slot
		return slot
	}

	for _, inst := range t.instructions {
		switch v := inst.(type) {
		case *IssueCopy:
			if v.precondition == t.fenceCompletionID {
				v.precondition = subFor(relevant(v.lhs))
			}
		case *IssueFill:
			if v.precondition == t.fenceCompletionID {
				v.precondition = subFor(relevant(v.lhs))
			}
		case *MergeEvent:
			if len(v.rhs) == 1 && v.rhs[0] == t.fenceCompletionID {
				v.rhs[0] = subFor(relevant(v.lhs))
			}
		}
	}

	if len(inserted) > 0 {
		// Insert right after the fence assignment so every consumer
		// still follows its definition.
		rest := make([]Instruction, 0, len(t.instructions)-1+len(inserted))
		rest = append(rest, inserted...)
		rest = append(rest, t.instructions[1:]...)
		t.instructions = append(t.instructions[:1], rest...)
	}
}

// propagateMerges flattens nested merges: an operand that is itself a
// merge is replaced by that merge's operands. A single in-order pass
// suffices because operands are always defined earlier.
func (t *PhysicalTemplate) propagateMerges(gen []int) {
	for idx, inst := range t.instructions {
		m, ok := inst.(*MergeEvent)
		if !ok {
			continue
		}
		changed := false
		flat := make([]int, 0, len(m.rhs))
		for _, r := range m.rhs {
			if g := gen[r]; g >= 0 && g < idx {
				if inner, ok := t.instructions[g].(*MergeEvent); ok {
					flat = append(flat, inner.rhs...)
					changed = true
					continue
				}
			}
			flat = append(flat, r)
		}
		if !changed {
			continue
		}
		seen := make(map[int]bool, len(flat))
		dedup := flat[:0]
		for _, r := range flat {
			if !seen[r] {
				seen[r] = true
				dedup = append(dedup, r)
			}
		}
		sort.Ints(dedup)
		m.rhs = dedup
	}
}

// transitiveReduction removes merge operands already dominated by
// another operand of the same merge through the happens-before graph.
// The happens-before closure of the result equals that of the input.
func (t *PhysicalTemplate) transitiveReduction() {
	gen := t.buildGen()

	// preds[slot] = slots the defining instruction of slot waits on.
	preds := func(slot int) []int {
		g := gen[slot]
		if g < 0 {
			return nil
		}
		return t.instructions[g].inputs()
	}

	// reaches reports whether from happens-before to (strictly).
	memo := make(map[[2]int]bool)
	var reaches func(from, to int) bool
	reaches = func(from, to int) bool {
		if from == to {
			return true
		}
		key := [2]int{from, to}
		if v, ok := memo[key]; ok {
			return v
		}
		memo[key] = false // cycle guard; the graph is acyclic by construction
		result := false
		for _, p := range preds(to) {
			if reaches(from, p) {
				result = true
				break
			}
		}
		memo[key] = result
		return result
	}

	for _, inst := range t.instructions {
		m, ok := inst.(*MergeEvent)
		if !ok || len(m.rhs) < 2 {
			continue
		}
		kept := make([]int, 0, len(m.rhs))
		for _, r := range m.rhs {
			dominated := false
			for _, other := range m.rhs {
				if other != r && reaches(r, other) {
					dominated = true
					break
				}
			}
			if !dominated {
				kept = append(kept, r)
			}
		}
		m.rhs = kept
	}
}

// propagateCopies rewrites consumers of singleton merges to use the
// operand directly and deletes the dead merges.
func (t *PhysicalTemplate) propagateCopies(gen []int) {
	sub := make(map[int]int)
	for _, inst := range t.instructions {
		if m, ok := inst.(*MergeEvent); ok && len(m.rhs) == 1 {
			sub[m.lhs] = m.rhs[0]
		}
	}
	if len(sub) == 0 {
		return
	}
	// Resolve chains of singletons to their final source.
	resolve := func(slot int) int {
		for {
			next, ok := sub[slot]
			if !ok {
				return slot
			}
			slot = next
		}
	}
	resolved := make(map[int]int, len(sub))
	for from := range sub {
		resolved[from] = resolve(from)
	}

	kept := t.instructions[:0]
	for _, inst := range t.instructions {
		if m, ok := inst.(*MergeEvent); ok {
			if _, dead := resolved[m.lhs]; dead {
				continue
			}
		}
		inst.substInputs(resolved)
		kept = append(kept, inst)
	}
	t.instructions = kept

	// Frontier producers eliminated with their merges chain through the
	// surviving source instead.
	for producer, crossing := range t.frontiers {
		if final, ok := resolved[producer]; ok {
			delete(t.frontiers, producer)
			t.frontiers[final] = crossing
		}
	}
}

// prepareParallelReplay partitions the instructions into
// replayParallelism slices. The partition follows connected components
// of the event graph, so cross-slice handoff happens only through slots
// preassigned before the slices start (the fence completion and the
// crossing events); no slice ever reads a slot another slice writes.
func (t *PhysicalTemplate) prepareParallelReplay(gen []int) {
	ambient := make(map[int]bool)
	ambient[t.fenceCompletionID] = true
	for _, crossing := range t.frontiers {
		ambient[crossing] = true
	}

	uf := newUnionFind(len(t.events))
	touched := func(inst Instruction) []int {
		var slots []int
		for _, in := range inst.inputs() {
			if !ambient[in] {
				slots = append(slots, in)
			}
		}
		if out := inst.output(); out >= 0 && !ambient[out] {
			slots = append(slots, out)
		}
		return slots
	}
	for _, inst := range t.instructions {
		slots := touched(inst)
		for i := 1; i < len(slots); i++ {
			uf.union(slots[0], slots[i])
		}
	}

	t.slices = make([][]Instruction, t.replayParallelism)
	t.sliceTasks = make([][]op.TraceLocalID, t.replayParallelism)

	assignment := make(map[int]int) // component root -> slice index
	nextSlice := 0

	for _, inst := range t.instructions {
		if _, ok := inst.(*AssignFenceCompletion); ok {
			// Slot 0 is bound by Initialize before slices run; the
			// instruction stays in the listing but not in any slice.
			continue
		}
		slots := touched(inst)
		slice := 0
		if len(slots) > 0 {
			root := uf.find(slots[0])
			if s, ok := assignment[root]; ok {
				slice = s
			} else {
				slice = nextSlice % t.replayParallelism
				assignment[root] = slice
				nextSlice++
			}
		}
		t.slices[slice] = append(t.slices[slice], inst)
		if cr, ok := inst.(*CompleteReplay); ok {
			t.sliceTasks[slice] = append(t.sliceTasks[slice], cr.owner)
		}
	}
}

// pushCompleteReplays moves every CompleteReplay to the tail of its
// slice so user continuation events trigger as late as possible.
func (t *PhysicalTemplate) pushCompleteReplays() {
	for i, slice := range t.slices {
		var body, completes []Instruction
		for _, inst := range slice {
			if _, ok := inst.(*CompleteReplay); ok {
				completes = append(completes, inst)
			} else {
				body = append(body, inst)
			}
		}
		t.slices[i] = append(body, completes...)
	}
}

// unionFind is a minimal disjoint-set over event slots.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
