// Package scenario defines the CUE-authored scenario format that drives
// the tracing engine from the CLI and the conformance harness.
//
// A scenario names a set of regions (each backed by one instance view,
// one equivalence set, and one interval expression) and an ordered list
// of operations over them. The harness replays the operation list for a
// number of passes, letting the engine capture, record, and replay the
// trace.
package scenario

import (
	"fmt"
	"sort"
)

// Supported access modes for a requirement.
const (
	AccessRead   = "read"
	AccessWrite  = "write"
	AccessReduce = "reduce"
)

// Supported operation kinds.
const (
	KindTask  = "task"
	KindCopy  = "copy"
	KindFill  = "fill"
	KindClose = "close"
)

// RegionDef declares one region: its tree and index interval.
type RegionDef struct {
	Tree uint32
	Lo   int64
	Hi   int64
}

// ReqDef is one region requirement of an operation.
type ReqDef struct {
	Region string
	Access string
	Fields []uint
	// Redop selects the reduction operator for reduce access.
	Redop uint32
}

// OpStep is one operation of the scenario.
type OpStep struct {
	Kind string
	// Local is the operation's stable trace-local id; required for
	// every kind except close.
	Local uint64
	Reqs  []ReqDef
	// Value is the fill constant for fill operations.
	Value string
	// Blocking marks a step after which user code performs a blocking
	// wait; a trace recorded around one can never be replayed.
	Blocking bool
}

// Scenario is a compiled scenario definition.
type Scenario struct {
	Name        string
	Description string
	Trace       uint32
	// Passes is how many times the trace runs; the first pass captures,
	// the second records, later passes replay.
	Passes  int
	Regions map[string]RegionDef
	Ops     []OpStep
}

// RegionNames returns the declared region names sorted, for
// deterministic fixture construction.
func (s *Scenario) RegionNames() []string {
	names := make([]string, 0, len(s.Regions))
	for name := range s.Regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks internal consistency: region references resolve,
// kinds and accesses are known, and trace-local ids are unique.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario: name is required")
	}
	if s.Passes < 1 {
		return fmt.Errorf("scenario %s: passes must be at least 1", s.Name)
	}
	if len(s.Ops) == 0 {
		return fmt.Errorf("scenario %s: at least one operation is required", s.Name)
	}
	seen := make(map[uint64]bool)
	for i, step := range s.Ops {
		switch step.Kind {
		case KindTask, KindCopy, KindFill, KindClose:
		default:
			return fmt.Errorf("scenario %s: op %d: unknown kind %q", s.Name, i, step.Kind)
		}
		if step.Kind != KindClose {
			if step.Local == 0 {
				return fmt.Errorf("scenario %s: op %d: local id is required", s.Name, i)
			}
			if seen[step.Local] {
				return fmt.Errorf("scenario %s: op %d: duplicate local id %d", s.Name, i, step.Local)
			}
			seen[step.Local] = true
		}
		if step.Kind == KindCopy && len(step.Reqs) != 2 {
			return fmt.Errorf("scenario %s: op %d: copy needs a source and a destination requirement", s.Name, i)
		}
		if step.Kind == KindFill && len(step.Reqs) != 1 {
			return fmt.Errorf("scenario %s: op %d: fill needs exactly one requirement", s.Name, i)
		}
		for j, req := range step.Reqs {
			if _, ok := s.Regions[req.Region]; !ok {
				return fmt.Errorf("scenario %s: op %d req %d: unknown region %q", s.Name, i, j, req.Region)
			}
			switch req.Access {
			case AccessRead, AccessWrite, AccessReduce:
			default:
				return fmt.Errorf("scenario %s: op %d req %d: unknown access %q", s.Name, i, j, req.Access)
			}
			if len(req.Fields) == 0 {
				return fmt.Errorf("scenario %s: op %d req %d: fields are required", s.Name, i, j)
			}
		}
	}
	return nil
}
