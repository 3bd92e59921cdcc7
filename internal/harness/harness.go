// Package harness is the conformance harness for the tracing engine.
//
// It executes CUE-defined scenarios pass by pass against a fresh
// simulated runtime, collects what the engine did (pass states,
// captured dependences, the optimized template listing), and renders
// the outcome deterministically for golden-file comparison.
//
// Every run uses its own event table and fixture, so identical
// scenarios produce identical renderings byte for byte.
package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
	"github.com/roach88/retrace/internal/scenario"
	"github.com/roach88/retrace/internal/store"
	"github.com/roach88/retrace/internal/testutil"
	"github.com/roach88/retrace/internal/trace"
)

// DefaultReplayParallelism keeps harness templates at two slices so
// golden listings stay small and readable.
const DefaultReplayParallelism = 2

// Option configures a Harness.
type Option func(*Harness)

// WithStore makes the harness log every run to the diagnostics store.
func WithStore(st *store.Store) Option {
	return func(h *Harness) { h.store = st }
}

// WithReplayParallelism sets the slice count for recorded templates.
func WithReplayParallelism(n int) Option {
	return func(h *Harness) { h.parallelism = n }
}

// WithNonreplayableWarningThreshold forwards the warning threshold to
// the engine.
func WithNonreplayableWarningThreshold(n int) Option {
	return func(h *Harness) { h.warnThreshold = n }
}

// WithRunTokens sets the run-token generator. Tests use FixedGenerator
// for deterministic run IDs.
func WithRunTokens(gen TokenGenerator) Option {
	return func(h *Harness) { h.tokens = gen }
}

// WithLogger sets the harness logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness executes scenarios.
type Harness struct {
	logger        *slog.Logger
	store         *store.Store
	tokens        TokenGenerator
	parallelism   int
	warnThreshold int
}

// New creates a harness with UUIDv7 run tokens and the default
// parallelism.
func New(opts ...Option) *Harness {
	h := &Harness{
		logger:        slog.Default(),
		tokens:        UUIDv7Generator{},
		parallelism:   DefaultReplayParallelism,
		warnThreshold: trace.DefaultNonreplayableWarningThreshold,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PassResult is what one trace pass did.
type PassResult struct {
	Index      int
	State      trace.TracingState
	Operations int
}

// Result is the outcome of running a scenario.
type Result struct {
	RunID              string
	Scenario           string
	Passes             []PassResult
	TemplateDump       string
	Replayable         bool
	NonreplayableCount int
	Dependences        []store.DependenceRow
}

// ReplayedPasses counts the passes that executed as template replays.
func (r *Result) ReplayedPasses() int {
	n := 0
	for _, p := range r.Passes {
		if p.State == trace.PhysicalReplay {
			n++
		}
	}
	return n
}

type regionBinding struct {
	view region.InstanceView
	eq   region.EquivalenceSet
	expr region.IndexSpaceExpression
}

// Run executes the scenario and returns its rendered outcome.
func (h *Harness) Run(ctx context.Context, scn *scenario.Scenario) (*Result, error) {
	if err := scn.Validate(); err != nil {
		return nil, err
	}

	rt := testutil.NewSimRuntime()
	tctx := trace.NewContext(rt,
		trace.WithLogger(h.logger),
		trace.WithPhysicalTraceOptions(
			trace.WithReplayParallelism(h.parallelism),
			trace.WithNonreplayableWarningThreshold(h.warnThreshold),
		),
	)

	bindings, fieldUnion := h.bindRegions(scn)

	// Seed the world: every region starts with valid data, the way real
	// programs initialize instances before tracing over them.
	for _, name := range scn.RegionNames() {
		b := bindings[name]
		seed := tctx.NewTask(0, op.Requirement{
			Expr:  b.expr,
			Usage: region.Usage{Privilege: region.ReadWrite},
			Mask:  fieldUnion[name],
			View:  b.view,
			Eq:    b.eq,
		})
		if err := tctx.Issue(seed); err != nil {
			return nil, fmt.Errorf("scenario %s: seed region %s: %w", scn.Name, name, err)
		}
	}

	result := &Result{
		RunID:    h.tokens.Generate(),
		Scenario: scn.Name,
	}

	tid := trace.TraceID(scn.Trace)
	var lastRecorded *trace.PhysicalTemplate

	for pass := 1; pass <= scn.Passes; pass++ {
		ops, blocking, err := h.buildOps(tctx, scn, bindings)
		if err != nil {
			return nil, err
		}
		if err := tctx.BeginTrace(tid, true); err != nil {
			return nil, fmt.Errorf("scenario %s pass %d: %w", scn.Name, pass, err)
		}

		lt, _ := tctx.Trace(tid)
		if lt.HasPhysicalTrace() && lt.State() == trace.PhysicalRecord {
			lastRecorded = lt.PhysicalTrace().CurrentTemplate()
		}

		for i, o := range ops {
			if err := tctx.Issue(o); err != nil {
				return nil, fmt.Errorf("scenario %s pass %d op %d: %w", scn.Name, pass, i, err)
			}
			if blocking[i] {
				tctx.RecordBlockingCall()
			}
		}
		if err := tctx.EndTrace(); err != nil {
			return nil, fmt.Errorf("scenario %s pass %d: %w", scn.Name, pass, err)
		}

		opCount := 0
		for _, o := range ops {
			if !o.Internal() {
				opCount++
			}
		}
		result.Passes = append(result.Passes, PassResult{Index: pass, State: lt.State(), Operations: opCount})

		if pass == 1 {
			result.Dependences = renderDependences(lt, opCount)
		}
	}

	lt, _ := tctx.Trace(tid)
	if lt != nil && lt.HasPhysicalTrace() {
		pt := lt.PhysicalTrace()
		result.Replayable = pt.HasAnyTemplates()
		result.NonreplayableCount = pt.NonreplayableCount()
	}
	if lastRecorded != nil {
		result.TemplateDump = lastRecorded.Dump()
	}

	if h.store != nil {
		if err := h.persist(ctx, result); err != nil {
			return nil, err
		}
	}
	h.logger.Info("scenario finished",
		"scenario", scn.Name,
		"run", result.RunID,
		"passes", len(result.Passes),
		"replayable", result.Replayable,
	)
	return result, nil
}

// bindRegions allocates fixture handles for each declared region in
// sorted order, and computes the per-region union of accessed fields.
func (h *Harness) bindRegions(scn *scenario.Scenario) (map[string]regionBinding, map[string]region.FieldMask) {
	fx := testutil.NewFixture()
	bindings := make(map[string]regionBinding, len(scn.Regions))
	for _, name := range scn.RegionNames() {
		def := scn.Regions[name]
		bindings[name] = regionBinding{
			view: fx.View(region.TreeID(def.Tree)),
			eq:   fx.Eq(def.Lo, def.Hi),
			expr: fx.Expr(def.Lo, def.Hi),
		}
	}
	union := make(map[string]region.FieldMask, len(scn.Regions))
	for _, step := range scn.Ops {
		for _, req := range step.Reqs {
			union[req.Region] = union[req.Region].Union(region.MaskOf(req.Fields...))
		}
	}
	return bindings, union
}

// buildOps turns scenario steps into fresh operation records for one
// pass. Trace-local ids come from the scenario, so they are stable
// across passes the way replay requires.
func (h *Harness) buildOps(tctx *trace.Context, scn *scenario.Scenario, bindings map[string]regionBinding) ([]*op.Record, []bool, error) {
	ops := make([]*op.Record, 0, len(scn.Ops))
	blocking := make([]bool, len(scn.Ops))
	for i, step := range scn.Ops {
		reqs := make([]op.Requirement, 0, len(step.Reqs))
		for _, rd := range step.Reqs {
			b := bindings[rd.Region]
			usage := region.Usage{}
			switch rd.Access {
			case scenario.AccessRead:
				usage.Privilege = region.ReadOnly
			case scenario.AccessWrite:
				usage.Privilege = region.ReadWrite
			case scenario.AccessReduce:
				usage.Privilege = region.Reduce
				usage.Redop = region.ReductionOpID(rd.Redop)
			}
			reqs = append(reqs, op.Requirement{
				Expr:  b.expr,
				Usage: usage,
				Mask:  region.MaskOf(rd.Fields...),
				View:  b.view,
				Eq:    b.eq,
			})
		}

		var o *op.Record
		switch step.Kind {
		case scenario.KindTask:
			o = tctx.NewTask(op.TraceLocalID(step.Local), reqs...)
		case scenario.KindCopy:
			o = tctx.NewCopy(op.TraceLocalID(step.Local), reqs[0], reqs[1])
		case scenario.KindFill:
			o = tctx.NewFill(op.TraceLocalID(step.Local), reqs[0], []byte(step.Value))
		case scenario.KindClose:
			o = tctx.NewClose(reqs...)
		default:
			return nil, nil, fmt.Errorf("scenario %s: unknown op kind %q", scn.Name, step.Kind)
		}
		blocking[i] = step.Blocking
		ops = append(ops, o)
	}
	return ops, blocking, nil
}

func renderDependences(lt trace.LogicalTrace, opCount int) []store.DependenceRow {
	var rows []store.DependenceRow
	for i := 0; i < opCount; i++ {
		for ord, rec := range lt.Dependences(i) {
			rows = append(rows, store.DependenceRow{OpIndex: i, Ord: ord, Record: rec.String()})
		}
	}
	return rows
}

func (h *Harness) persist(ctx context.Context, result *Result) error {
	fingerprint, err := store.Fingerprint(result.Scenario, result.TemplateDump)
	if err != nil {
		return err
	}
	run := store.RunRecord{
		ID:                 result.RunID,
		Scenario:           result.Scenario,
		Fingerprint:        fingerprint,
		Replayable:         result.Replayable,
		NonreplayableCount: result.NonreplayableCount,
		Dependences:        result.Dependences,
	}
	for _, p := range result.Passes {
		run.Passes = append(run.Passes, store.PassRecord{Index: p.Index, State: p.State.String(), Operations: p.Operations})
	}
	if result.TemplateDump != "" {
		for _, line := range splitLines(result.TemplateDump) {
			run.Instructions = append(run.Instructions, line)
		}
	}
	if err := h.store.WriteRun(ctx, run); err != nil {
		return fmt.Errorf("persist run %s: %w", result.RunID, err)
	}
	return nil
}
