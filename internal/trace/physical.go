package trace

import (
	"log/slog"
	"sync"

	"github.com/roach88/retrace/internal/event"
)

// DefaultReplayParallelism is the number of slices a template is
// partitioned into for parallel replay.
const DefaultReplayParallelism = 4

// DefaultNonreplayableWarningThreshold is the count of non-replayable
// captures after which a warning is logged.
const DefaultNonreplayableWarningThreshold = 5

// TraceOption configures a PhysicalTrace.
type TraceOption func(*PhysicalTrace)

// WithReplayParallelism sets the number of parallel replay slices.
// Values below 1 are clamped to 1.
func WithReplayParallelism(n int) TraceOption {
	return func(pt *PhysicalTrace) {
		if n < 1 {
			n = 1
		}
		pt.replayParallelism = n
	}
}

// WithNonreplayableWarningThreshold sets how many non-replayable
// captures are tolerated before a warning is emitted.
func WithNonreplayableWarningThreshold(n int) TraceOption {
	return func(pt *PhysicalTrace) {
		if n < 1 {
			n = 1
		}
		pt.warnThreshold = n
	}
}

// PhysicalTrace is the per-logical-trace cache of physical templates.
//
// It owns the templates it stores; the logical trace owns it. Templates
// are selected for replay on a first-match basis over their
// preconditions.
type PhysicalTrace struct {
	rt      Runtime
	logical LogicalTrace
	world   *World
	logger  *slog.Logger

	replayParallelism int
	warnThreshold     int

	// mu guards the template list and counters against concurrent
	// precondition checks.
	mu                 sync.Mutex
	current            *PhysicalTemplate
	templates          []*PhysicalTemplate
	nonreplayableCount int

	previousTemplateCompletion event.ApEvent
}

// NewPhysicalTrace creates the physical memoization side of a logical
// trace.
func NewPhysicalTrace(rt Runtime, logical LogicalTrace, world *World, logger *slog.Logger, opts ...TraceOption) *PhysicalTrace {
	if logger == nil {
		logger = slog.Default()
	}
	pt := &PhysicalTrace{
		rt:                rt,
		logical:           logical,
		world:             world,
		logger:            logger,
		replayParallelism: DefaultReplayParallelism,
		warnThreshold:     DefaultNonreplayableWarningThreshold,
	}
	for _, opt := range opts {
		opt(pt)
	}
	return pt
}

// StartNewTemplate begins recording a fresh template anchored on the
// trace's begin fence.
func (pt *PhysicalTrace) StartNewTemplate(fenceEvent event.ApEvent) *PhysicalTemplate {
	tpl := NewPhysicalTemplate(pt, fenceEvent, pt.replayParallelism)
	pt.mu.Lock()
	pt.current = tpl
	pt.mu.Unlock()
	return tpl
}

// CurrentTemplate returns the hot template, if any.
func (pt *PhysicalTrace) CurrentTemplate() *PhysicalTemplate {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.current
}

// HasAnyTemplates reports whether any replayable template is stored.
func (pt *PhysicalTrace) HasAnyTemplates() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.templates) > 0
}

// NonreplayableCount returns how many captures were rejected.
func (pt *PhysicalTrace) NonreplayableCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.nonreplayableCount
}

// ClearCachedTemplate drops the hot template pointer. Called when
// mutation outside the trace invalidates cached selection.
func (pt *PhysicalTrace) ClearCachedTemplate() {
	pt.mu.Lock()
	pt.current = nil
	pt.mu.Unlock()
}

// CheckTemplatePreconditions returns the first stored template whose
// preconditions hold in the current world, making it the hot template.
// Nil means no template may replay now.
func (pt *PhysicalTrace) CheckTemplatePreconditions() *PhysicalTemplate {
	pt.mu.Lock()
	candidates := make([]*PhysicalTemplate, len(pt.templates))
	copy(candidates, pt.templates)
	pt.mu.Unlock()

	for _, tpl := range candidates {
		if tpl.CheckPreconditions(pt.world) {
			pt.mu.Lock()
			pt.current = tpl
			pt.mu.Unlock()
			return tpl
		}
	}
	return nil
}

// FixTrace finalizes a recorded template: replayable templates are
// stored, the rest are counted and deleted once no longer referenced.
func (pt *PhysicalTrace) FixTrace(tpl *PhysicalTemplate, hasBlockingCall bool) {
	tpl.Finalize(pt.world, hasBlockingCall)

	if tpl.IsReplayable() {
		pt.mu.Lock()
		pt.templates = append(pt.templates, tpl)
		count := len(pt.templates)
		pt.mu.Unlock()
		pt.logger.Info("template fixed",
			"trace", pt.logical.ID(),
			"templates", count,
			"instructions", len(tpl.Instructions()),
		)
		return
	}

	pt.mu.Lock()
	pt.current = nil
	pt.nonreplayableCount++
	count := pt.nonreplayableCount
	pt.mu.Unlock()

	pt.logger.Debug("template not replayable",
		"trace", pt.logical.ID(),
		"reason", tpl.WhyNotReplayable(),
	)
	if count == pt.warnThreshold+1 {
		pt.logger.Warn("trace keeps producing non-replayable templates",
			"trace", pt.logical.ID(),
			"count", count,
			"last_reason", tpl.WhyNotReplayable(),
		)
	}
	tpl.DeferDeletion(pt.rt, func() {
		pt.logger.Debug("non-replayable template deleted", "trace", pt.logical.ID())
	})
}

// InitializeTemplate prepares the hot template for one replay.
func (pt *PhysicalTrace) InitializeTemplate(fenceCompletion event.ApEvent, recurrent bool) {
	tpl := pt.CurrentTemplate()
	if tpl == nil {
		panic("trace: InitializeTemplate without a selected template")
	}
	tpl.Initialize(fenceCompletion, recurrent)
}

// RecordPreviousTemplateCompletion remembers the completion of the most
// recent execution of this trace for recurrent chaining.
func (pt *PhysicalTrace) RecordPreviousTemplateCompletion(e event.ApEvent) {
	pt.mu.Lock()
	pt.previousTemplateCompletion = e
	pt.mu.Unlock()
}

// PreviousTemplateCompletion returns the last recorded completion.
func (pt *PhysicalTrace) PreviousTemplateCompletion() event.ApEvent {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.previousTemplateCompletion
}
