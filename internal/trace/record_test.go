package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/region"
)

func rec(opIdx, prev, next int32, kind region.DependenceKind, mask region.FieldMask) DependenceRecord {
	return DependenceRecord{OperationIdx: opIdx, PrevIdx: prev, NextIdx: next, Kind: kind, Mask: mask}
}

func TestMergeRecord_MergesEqualShape(t *testing.T) {
	list := mergeRecord(nil, rec(0, 0, 0, region.TrueDependence, region.MaskOf(0)))
	list = mergeRecord(list, rec(0, 0, 0, region.TrueDependence, region.MaskOf(1)))

	require.Len(t, list, 1)
	assert.Equal(t, region.MaskOf(0, 1), list[0].Mask)
}

func TestMergeRecord_KeepsDifferentShapes(t *testing.T) {
	list := mergeRecord(nil, rec(0, 0, 0, region.TrueDependence, region.MaskOf(0)))
	list = mergeRecord(list, rec(0, 0, 0, region.AntiDependence, region.MaskOf(0)))
	list = mergeRecord(list, rec(1, 0, 0, region.TrueDependence, region.MaskOf(0)))

	assert.Len(t, list, 3)
}

func TestMergeRecord_Idempotent(t *testing.T) {
	// merge_in(merge_in(L, r), r) == merge_in(L, r) for any L and r.
	records := []DependenceRecord{
		rec(0, -1, -1, region.TrueDependence, region.MaskOf(0)),
		rec(1, 0, 1, region.AntiDependence, region.MaskOf(2, 3)),
		rec(0, 0, 0, region.TrueDependence, region.MaskOf(5)),
	}
	var list []DependenceRecord
	for _, r := range records {
		list = mergeRecord(list, r)
	}
	for _, r := range records {
		once := mergeRecord(append([]DependenceRecord(nil), list...), r)
		twice := mergeRecord(append([]DependenceRecord(nil), once...), r)
		assert.Equal(t, once, twice, "merging %v twice must equal merging once", r)
	}
}

func TestMergeRecord_NoTwoMergeableCoexist(t *testing.T) {
	var list []DependenceRecord
	for i := 0; i < 10; i++ {
		list = mergeRecord(list, rec(2, 1, 0, region.TrueDependence, region.MaskOf(uint(i))))
	}
	require.Len(t, list, 1)
	for i := range list {
		for j := range list {
			if i != j {
				assert.False(t, list[i].mergeable(list[j]))
			}
		}
	}
}
