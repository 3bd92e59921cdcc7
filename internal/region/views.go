package region

import "fmt"

// TreeID identifies a region tree.
type TreeID uint32

// InstanceView is a handle to one physical instance of region data.
//
// Views are identity-comparable: two InstanceView values with the same ID
// name the same instance. The core stores views, never instance contents.
type InstanceView struct {
	ID   uint64
	Tree TreeID
}

// String renders the view for dumps and logs.
func (v InstanceView) String() string {
	return fmt.Sprintf("view%d(tree%d)", v.ID, v.Tree)
}

// FillView is a handle to a constant fill value that can stand in for
// instance data.
type FillView struct {
	ID uint64
}

// String renders the fill view for dumps and logs.
func (v FillView) String() string { return fmt.Sprintf("fill%d", v.ID) }

// EquivalenceSet is a handle to a region-tree partition within which all
// points share the same valid instances for the traced fields. The
// expression records the partition's extent so refinement between two
// sets is decidable.
type EquivalenceSet struct {
	ID   uint64
	Expr IndexSpaceExpression
}

// RefinementOf reports whether e covers a strict sub-space of other.
// A recorded condition that mixes an equivalence set with one of its
// refinements cannot be re-validated cheaply and disqualifies replay.
func (e EquivalenceSet) RefinementOf(other EquivalenceSet) bool {
	if e.ID == other.ID || e.Expr == nil || other.Expr == nil {
		return false
	}
	return other.Expr.Contains(e.Expr) && !e.Expr.Contains(other.Expr)
}

// String renders the equivalence set for dumps and logs.
func (e EquivalenceSet) String() string { return fmt.Sprintf("eq%d", e.ID) }

// TreePath is a synthesized path to an aliased-but-non-interfering
// sub-tree: the requirement it hangs off, the depth of the common
// ancestor, and the fields over which the children alias.
type TreePath struct {
	ReqIndex uint32
	Depth    uint32
	Mask     FieldMask
}
