package region

import "fmt"

// DependenceKind classifies an edge between two operations that touch
// overlapping region data.
type DependenceKind int

const (
	// NoDependence means the accesses never interfere.
	NoDependence DependenceKind = iota
	// TrueDependence is read-after-write.
	TrueDependence
	// AntiDependence is write-after-read.
	AntiDependence
	// AtomicDependence orders two atomic accesses.
	AtomicDependence
	// SimultaneousDependence relates accesses that may run together
	// under simultaneous coherence.
	SimultaneousDependence
)

// String returns the kind's canonical name.
func (k DependenceKind) String() string {
	switch k {
	case NoDependence:
		return "no"
	case TrueDependence:
		return "true"
	case AntiDependence:
		return "anti"
	case AtomicDependence:
		return "atomic"
	case SimultaneousDependence:
		return "simultaneous"
	default:
		return fmt.Sprintf("DependenceKind(%d)", int(k))
	}
}

// Privilege is the access mode of a region requirement.
type Privilege int

const (
	NoAccess Privilege = iota
	ReadOnly
	ReadWrite
	WriteOnly
	Reduce
)

// Coherence is the concurrency annotation of a region requirement.
type Coherence int

const (
	Exclusive Coherence = iota
	Atomic
	Simultaneous
)

// ReductionOpID identifies a reduction operator. Zero means none.
type ReductionOpID uint32

// Usage describes how one requirement accesses a region: privilege,
// coherence, and the reduction operator when the privilege is Reduce.
type Usage struct {
	Privilege Privilege
	Coherence Coherence
	Redop     ReductionOpID
}

// Reads reports whether the usage observes existing data.
func (u Usage) Reads() bool {
	return u.Privilege == ReadOnly || u.Privilege == ReadWrite
}

// Writes reports whether the usage mutates data.
func (u Usage) Writes() bool {
	return u.Privilege == ReadWrite || u.Privilege == WriteOnly
}

// IsReduction reports whether the usage is a reduction.
func (u Usage) IsReduction() bool { return u.Privilege == Reduce }

// Compatible reports whether two users of the same data may run
// concurrently: both read-only, or both reductions with the same
// operator. Everything else needs an ordering edge when masks and
// expressions overlap.
func Compatible(u1, u2 Usage) bool {
	if u1.Privilege == ReadOnly && u2.Privilege == ReadOnly {
		return true
	}
	if u1.IsReduction() && u2.IsReduction() && u1.Redop == u2.Redop {
		return true
	}
	return false
}

// DependenceBetween derives the dependence kind from an earlier usage to
// a later one over overlapping fields.
func DependenceBetween(earlier, later Usage) DependenceKind {
	if Compatible(earlier, later) {
		return NoDependence
	}
	if earlier.Coherence == Atomic && later.Coherence == Atomic {
		return AtomicDependence
	}
	if earlier.Coherence == Simultaneous && later.Coherence == Simultaneous {
		return SimultaneousDependence
	}
	if earlier.Writes() && (later.Reads() || later.IsReduction()) {
		return TrueDependence
	}
	if later.Writes() {
		return AntiDependence
	}
	return TrueDependence
}
