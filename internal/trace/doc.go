// Package trace implements the trace memoization core of the runtime:
// logical dependence capture, physical template recording, template
// optimization, and the replay interpreter.
//
// # Shape of the core
//
// A marked region of the op stream is owned by a LogicalTrace. The
// first pass captures dependences (DynamicTrace) or translates declared
// ones (StaticTrace). Once the logical structure is fixed, a
// PhysicalTrace can record the scheduler's physical actions into a
// PhysicalTemplate: a sequence of instructions over event slots and
// rebindable operations. A finalized template whose conditions still
// hold is replayed by interpreting its slices in parallel instead of
// re-running dependence analysis and mapping.
//
// # Determinism
//
// Replay correctness rests on positional consistency, not identifier
// values: instructions reference event slots and trace-local operation
// ids, never live runtime state. Recording is single assignment per
// slot, which is what makes the rewriting passes in optimize.go sound.
package trace
