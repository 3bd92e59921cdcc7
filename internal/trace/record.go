package trace

import (
	"fmt"

	"github.com/roach88/retrace/internal/region"
)

// DependenceRecord is one remembered dependence of a traced operation on
// an earlier operation in the same trace.
//
// OperationIdx names the earlier operation by its position in the trace.
// PrevIdx/NextIdx are requirement indices on the earlier and later
// operation respectively; -1 means the dependence covers the whole
// operation rather than a single requirement.
type DependenceRecord struct {
	OperationIdx int32
	PrevIdx      int32
	NextIdx      int32
	Validates    bool
	Kind         region.DependenceKind
	Mask         region.FieldMask
}

// wholeOpRecord builds a whole-operation dependence on the earlier
// operation at opIdx.
func wholeOpRecord(opIdx int) DependenceRecord {
	return DependenceRecord{
		OperationIdx: int32(opIdx),
		PrevIdx:      -1,
		NextIdx:      -1,
		Kind:         region.TrueDependence,
	}
}

// mergeable reports whether two records differ only in their masks.
// Only such records may be merged.
func (r DependenceRecord) mergeable(o DependenceRecord) bool {
	return r.OperationIdx == o.OperationIdx &&
		r.PrevIdx == o.PrevIdx &&
		r.NextIdx == o.NextIdx &&
		r.Validates == o.Validates &&
		r.Kind == o.Kind
}

// String renders the record for dumps and the diagnostics log.
func (r DependenceRecord) String() string {
	return fmt.Sprintf("dep(op=%d, prev=%d, next=%d, validates=%t, kind=%s, mask=%s)",
		r.OperationIdx, r.PrevIdx, r.NextIdx, r.Validates, r.Kind, r.Mask)
}

// mergeRecord adds rec to list, merging into an existing mergeable entry
// by unioning masks. The returned list never holds two mergeable records,
// which makes the merge idempotent: adding the same record twice leaves
// the list unchanged after the first add.
func mergeRecord(list []DependenceRecord, rec DependenceRecord) []DependenceRecord {
	for i := range list {
		if list[i].mergeable(rec) {
			list[i].Mask = list[i].Mask.Union(rec.Mask)
			return list
		}
	}
	return append(list, rec)
}
