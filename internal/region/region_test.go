package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldMask_SetOps(t *testing.T) {
	a := MaskOf(0, 2, 5)
	b := MaskOf(2, 7)

	assert.Equal(t, MaskOf(0, 2, 5, 7), a.Union(b))
	assert.Equal(t, MaskOf(2), a.Intersect(b))
	assert.Equal(t, MaskOf(0, 5), a.Subtract(b))
	assert.True(t, MaskOf(2).SubsetOf(a))
	assert.False(t, b.SubsetOf(a))
	assert.True(t, MaskOf(1, 3).Disjoint(a))
	assert.False(t, a.Disjoint(b))
}

func TestFieldMask_Fields(t *testing.T) {
	m := MaskOf(63, 0, 17)
	assert.Equal(t, []uint{0, 17, 63}, m.Fields())
	assert.Equal(t, 3, m.Count())
	assert.Equal(t, "{0,17,63}", m.String())
	assert.Equal(t, "{}", FieldMask(0).String())
}

func TestFieldMask_OutOfRange_Panics(t *testing.T) {
	assert.Panics(t, func() { MaskOf(64) })
}

func TestMaskSet_InsertRemove(t *testing.T) {
	s := NewMaskSet[InstanceView]()
	v := InstanceView{ID: 1}

	require.True(t, s.Insert(v, MaskOf(0, 1)))
	assert.False(t, s.Insert(v, MaskOf(1)), "subset insert should not change the set")
	assert.True(t, s.Insert(v, MaskOf(3)))
	assert.Equal(t, MaskOf(0, 1, 3), s.Mask(v))

	s.Remove(v, MaskOf(1))
	assert.Equal(t, MaskOf(0, 3), s.Mask(v))

	s.Remove(v, MaskOf(0, 3))
	assert.True(t, s.Empty(), "entry should vanish when its mask goes empty")
}

func TestMaskSet_EmptyMaskInsert_NoOp(t *testing.T) {
	s := NewMaskSet[InstanceView]()
	assert.False(t, s.Insert(InstanceView{ID: 1}, 0))
	assert.True(t, s.Empty())
}

func TestUsage_Compatible(t *testing.T) {
	ro := Usage{Privilege: ReadOnly}
	rw := Usage{Privilege: ReadWrite}
	red1 := Usage{Privilege: Reduce, Redop: 1}
	red2 := Usage{Privilege: Reduce, Redop: 2}

	assert.True(t, Compatible(ro, ro))
	assert.True(t, Compatible(red1, red1))
	assert.False(t, Compatible(red1, red2), "different reduction ops interfere")
	assert.False(t, Compatible(ro, rw))
	assert.False(t, Compatible(rw, rw))
}

func TestDependenceBetween(t *testing.T) {
	ro := Usage{Privilege: ReadOnly}
	rw := Usage{Privilege: ReadWrite}
	wo := Usage{Privilege: WriteOnly}

	assert.Equal(t, NoDependence, DependenceBetween(ro, ro))
	assert.Equal(t, TrueDependence, DependenceBetween(rw, ro))
	assert.Equal(t, AntiDependence, DependenceBetween(ro, wo))
	assert.Equal(t, AtomicDependence,
		DependenceBetween(Usage{Privilege: ReadWrite, Coherence: Atomic},
			Usage{Privilege: ReadWrite, Coherence: Atomic}))
}

func TestRectExpr_IntersectContain(t *testing.T) {
	a := NewRect(1, 0, 9)
	b := NewRect(2, 5, 14)
	c := NewRect(3, 10, 14)
	empty := NewRect(4, 1, 0)

	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c))
	assert.False(t, a.Intersects(empty))
	assert.True(t, a.Contains(NewRect(5, 2, 7)))
	assert.False(t, a.Contains(b))
	assert.True(t, a.Contains(empty))
}

func TestEquivalenceSet_RefinementOf(t *testing.T) {
	whole := EquivalenceSet{ID: 1, Expr: NewRect(1, 0, 99)}
	part := EquivalenceSet{ID: 2, Expr: NewRect(2, 0, 49)}

	assert.True(t, part.RefinementOf(whole))
	assert.False(t, whole.RefinementOf(part))
	assert.False(t, whole.RefinementOf(whole))
}
