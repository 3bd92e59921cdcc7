package trace

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/retrace/internal/region"
)

// ViewSet is a set of (instance view, equivalence set, field mask)
// conditions.
//
// For any (view, eq) key the stored mask is the union of inserted bits
// minus invalidated bits. The set answers domination and subsumption
// queries used to decide whether a recorded template still matches the
// current program state.
type ViewSet struct {
	conditions map[region.InstanceView]map[region.EquivalenceSet]region.FieldMask
}

// NewViewSet creates an empty view set.
func NewViewSet() *ViewSet {
	return &ViewSet{conditions: make(map[region.InstanceView]map[region.EquivalenceSet]region.FieldMask)}
}

// Insert unions mask into the entry for (view, eq).
func (s *ViewSet) Insert(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) {
	if mask.Empty() {
		return
	}
	byEq := s.conditions[view]
	if byEq == nil {
		byEq = make(map[region.EquivalenceSet]region.FieldMask)
		s.conditions[view] = byEq
	}
	byEq[eq] = byEq[eq].Union(mask)
}

// Invalidate subtracts mask from the entry for (view, eq), dropping the
// entry when its mask goes empty.
func (s *ViewSet) Invalidate(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) {
	byEq, ok := s.conditions[view]
	if !ok {
		return
	}
	rest := byEq[eq].Subtract(mask)
	if rest.Empty() {
		delete(byEq, eq)
		if len(byEq) == 0 {
			delete(s.conditions, view)
		}
		return
	}
	byEq[eq] = rest
}

// InvalidateView drops every condition on the given view.
func (s *ViewSet) InvalidateView(view region.InstanceView) {
	delete(s.conditions, view)
}

// Dominates reports whether the set covers every field bit of
// *nonDominated for (view, eq). When it returns false, *nonDominated is
// reduced to the uncovered residual. An entry covers the query when its
// equivalence set is the query's or encloses the query's expression.
func (s *ViewSet) Dominates(view region.InstanceView, eq region.EquivalenceSet, nonDominated *region.FieldMask) bool {
	byEq, ok := s.conditions[view]
	if !ok {
		return nonDominated.Empty()
	}
	residual := *nonDominated
	for storedEq, mask := range byEq {
		if storedEq == eq || (storedEq.Expr != nil && eq.Expr != nil && storedEq.Expr.Contains(eq.Expr)) {
			residual = residual.Subtract(mask)
			if residual.Empty() {
				break
			}
		}
	}
	*nonDominated = residual
	return residual.Empty()
}

// SubsumedBy reports whether every entry of s is dominated by other.
func (s *ViewSet) SubsumedBy(other *ViewSet) bool {
	for view, byEq := range s.conditions {
		for eq, mask := range byEq {
			residual := mask
			if !other.Dominates(view, eq, &residual) {
				return false
			}
		}
	}
	return true
}

// HasRefinements reports whether any entry's equivalence set is a strict
// refinement of another entry's on the same view with overlapping
// fields. Mixed refinement levels cannot be re-validated cheaply and
// disqualify replay.
func (s *ViewSet) HasRefinements() bool {
	for _, byEq := range s.conditions {
		for eq1, mask1 := range byEq {
			for eq2, mask2 := range byEq {
				if eq1 == eq2 || mask1.Disjoint(mask2) {
					continue
				}
				if eq1.RefinementOf(eq2) {
					return true
				}
			}
		}
	}
	return false
}

// Empty reports whether the set has no conditions.
func (s *ViewSet) Empty() bool { return len(s.conditions) == 0 }

// Range calls fn for every condition. Iteration order is unspecified.
func (s *ViewSet) Range(fn func(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) bool) {
	for view, byEq := range s.conditions {
		for eq, mask := range byEq {
			if !fn(view, eq, mask) {
				return
			}
		}
	}
}

// Dump renders the conditions deterministically for logs and goldens.
func (s *ViewSet) Dump() string {
	var lines []string
	s.Range(func(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) bool {
		lines = append(lines, fmt.Sprintf("%s %s fields=%s", view, eq, mask))
		return true
	})
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// VersionInfo is the materialized version snapshot of one equivalence
// set, captured at MakeReady and compared at Require.
type VersionInfo struct {
	Number uint64
}

// ConditionSet is a ViewSet plus the cached version information needed
// to check the conditions quickly at replay time.
type ConditionSet struct {
	ViewSet
	cached   bool
	versions map[region.EquivalenceSet]VersionInfo
}

// NewConditionSet creates an empty condition set.
func NewConditionSet() *ConditionSet {
	return &ConditionSet{
		ViewSet:  ViewSet{conditions: make(map[region.InstanceView]map[region.EquivalenceSet]region.FieldMask)},
		versions: make(map[region.EquivalenceSet]VersionInfo),
	}
}

// MakeReady materializes the version info of every equivalence set named
// by the conditions so Require can compare cheaply.
func (c *ConditionSet) MakeReady(w *World) {
	if c.cached {
		return
	}
	c.Range(func(_ region.InstanceView, eq region.EquivalenceSet, _ region.FieldMask) bool {
		c.versions[eq] = VersionInfo{Number: w.Version(eq)}
		return true
	})
	c.cached = true
}

// Require reports whether every condition currently holds: the world is
// at the recorded version for each equivalence set and each view still
// holds valid data for the recorded fields.
func (c *ConditionSet) Require(w *World) bool {
	holds := true
	c.Range(func(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) bool {
		if v, ok := c.versions[eq]; ok && v.Number != w.Version(eq) {
			holds = false
			return false
		}
		if !w.Covers(view, eq, mask) {
			holds = false
			return false
		}
		return true
	})
	return holds
}

// Ensure re-establishes the conditions in the world before the template
// runs: recorded views become valid for their fields and the cached
// versions become current.
func (c *ConditionSet) Ensure(w *World) {
	c.Range(func(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) bool {
		w.MarkValid(view, eq, mask)
		return true
	})
	c.Range(func(_ region.InstanceView, eq region.EquivalenceSet, _ region.FieldMask) bool {
		c.versions[eq] = VersionInfo{Number: w.Version(eq)}
		return true
	})
}

// World is the current valid-view state the condition sets are checked
// against. It is the tracing core's window onto the surrounding
// runtime's region state: which views hold valid data for which fields,
// and a version per equivalence set that external mutations bump.
//
// Thread-safety: guarded by a mutex; precondition checks may race with
// the analysis goroutine mutating state.
type World struct {
	mu       sync.Mutex
	valid    map[region.InstanceView]map[region.EquivalenceSet]region.FieldMask
	versions map[region.EquivalenceSet]uint64
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{
		valid:    make(map[region.InstanceView]map[region.EquivalenceSet]region.FieldMask),
		versions: make(map[region.EquivalenceSet]uint64),
	}
}

// MarkValid records that view holds valid data for mask within eq.
func (w *World) MarkValid(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	byEq := w.valid[view]
	if byEq == nil {
		byEq = make(map[region.EquivalenceSet]region.FieldMask)
		w.valid[view] = byEq
	}
	byEq[eq] = byEq[eq].Union(mask)
}

// InvalidateOthers drops mask from every view of the same tree except
// keep: the effect of an exclusive write.
func (w *World) InvalidateOthers(keep region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for view, byEq := range w.valid {
		if view == keep || view.Tree != keep.Tree {
			continue
		}
		rest := byEq[eq].Subtract(mask)
		if rest.Empty() {
			delete(byEq, eq)
			if len(byEq) == 0 {
				delete(w.valid, view)
			}
			continue
		}
		byEq[eq] = rest
	}
}

// InvalidateView drops every validity record of view. External
// deallocation or reuse of an instance looks like this.
func (w *World) InvalidateView(view region.InstanceView) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.valid, view)
}

// Covers reports whether view holds valid data for all of mask in eq.
func (w *World) Covers(view region.InstanceView, eq region.EquivalenceSet, mask region.FieldMask) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mask.SubsetOf(w.valid[view][eq])
}

// Version returns the mutation version of eq.
func (w *World) Version(eq region.EquivalenceSet) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.versions[eq]
}

// BumpVersion records an external mutation of eq (a new subregion, a
// refinement): recorded conditions on eq stop holding.
func (w *World) BumpVersion(eq region.EquivalenceSet) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.versions[eq]++
}
