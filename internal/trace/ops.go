package trace

import (
	"fmt"
	"log/slog"

	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
)

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLogger sets the context's structured logger.
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *Context) { c.logger = l }
}

// WithPhysicalTraceOptions forwards options to every physical trace the
// context creates.
func WithPhysicalTraceOptions(opts ...TraceOption) ContextOption {
	return func(c *Context) { c.traceOpts = opts }
}

// Context is the inner context that owns traces and the op stream.
//
// It plays the scheduler's part for the tracing core: operations issued
// between BeginTrace and EndTrace are registered with the logical trace,
// analyzed for dependences on the capture pass, and — depending on the
// trace state — executed directly, recorded into a template, or handed
// to a replaying template.
//
// All mutations happen on the single analysis goroutine; only the event
// table and the replay slices it fans out run concurrently.
type Context struct {
	rt        Runtime
	world     *World
	ids       *op.IDAllocator
	logger    *slog.Logger
	traceOpts []TraceOption

	traces  map[TraceID]LogicalTrace
	current LogicalTrace
	passGen op.GenerationID

	// currentFence orders everything after the last trace or untraced
	// operation; beginFence pins it at trace begin.
	currentFence event.ApEvent
	beginFence   event.ApEvent

	recordingTpl *PhysicalTemplate
	replayingTpl *PhysicalTemplate
	// lastTemplate is the template the previous trace execution used;
	// re-entering the same trace with it still hot makes the replay
	// recurrent. Any untraced operation in between breaks recurrence.
	lastTemplate *PhysicalTemplate

	blockingObserved bool

	// effects maps each issued operation of the current pass to the
	// event later operations chain on.
	effects map[opKey]event.ApEvent
	issued  []opEntry
}

// NewContext creates a context over the given runtime.
func NewContext(rt Runtime, opts ...ContextOption) *Context {
	c := &Context{
		rt:     rt,
		world:  NewWorld(),
		ids:    op.NewIDAllocator(),
		logger: slog.Default(),
		traces: make(map[TraceID]LogicalTrace),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Runtime returns the runtime the context drives.
func (c *Context) Runtime() Runtime { return c.rt }

// World returns the context's valid-view state.
func (c *Context) World() *World { return c.world }

// CurrentFence returns the event everything issued next is ordered
// after.
func (c *Context) CurrentFence() event.ApEvent { return c.currentFence }

// Trace returns the logical trace registered under tid, if any.
func (c *Context) Trace(tid TraceID) (LogicalTrace, bool) {
	lt, ok := c.traces[tid]
	return lt, ok
}

// NewTask builds a task operation owned by this context.
func (c *Context) NewTask(tlid op.TraceLocalID, reqs ...op.Requirement) *op.Record {
	return op.NewRecord(c.rt.Events(), op.KindTask, c.ids.Next(), tlid, reqs...)
}

// NewCopy builds a copy operation; requirement 0 is the source and
// requirement 1 the destination.
func (c *Context) NewCopy(tlid op.TraceLocalID, src, dst op.Requirement) *op.Record {
	return op.NewRecord(c.rt.Events(), op.KindCopy, c.ids.Next(), tlid, src, dst)
}

// NewFill builds a fill operation over one written requirement.
func (c *Context) NewFill(tlid op.TraceLocalID, dst op.Requirement, value []byte) *op.Record {
	r := op.NewRecord(c.rt.Events(), op.KindFill, c.ids.Next(), tlid, dst)
	r.FillValue = append([]byte(nil), value...)
	return r
}

// NewClose builds an internal close operation.
func (c *Context) NewClose(reqs ...op.Requirement) *op.Record {
	return op.NewInternal(c.rt.Events(), op.KindClose, c.ids.Next(), reqs...)
}

// lifecycleOp is the shared identity of the five operations the context
// injects into the op stream around a trace.
type lifecycleOp struct {
	kind op.Kind
	uid  op.UniqueID
}

func (c *Context) newLifecycleOp(kind op.Kind) lifecycleOp {
	return lifecycleOp{kind: kind, uid: c.ids.Next()}
}

func (l lifecycleOp) Kind() op.Kind { return l.kind }
func (l lifecycleOp) RegionCount() int { return 0 }
func (l lifecycleOp) UniqueID() op.UniqueID { return l.uid }
func (l lifecycleOp) Internal() bool { return false }
func (l lifecycleOp) Requirements() []op.Requirement { return nil }

// BeginOp pins the begin point of a trace: it is a mapping fence.
type BeginOp struct {
	lifecycleOp
	fence event.ApEvent
}

// ReplayOp selects a template whose preconditions hold; on success the
// trace switches to PhysicalReplay, otherwise a new template starts
// recording.
type ReplayOp struct {
	lifecycleOp
	trace LogicalTrace
}

func (r *ReplayOp) trigger(c *Context, pt *PhysicalTrace) {
	tpl := pt.CheckTemplatePreconditions()
	if tpl == nil {
		r.trace.SetState(PhysicalRecord)
		c.recordingTpl = pt.StartNewTemplate(c.beginFence)
		c.logger.Info("no template matches, recording",
			"trace", r.trace.ID(),
			"nonreplayable", pt.NonreplayableCount(),
		)
		return
	}

	recurrent := c.lastTemplate == tpl
	fenceCompletion := c.beginFence
	if recurrent && pt.PreviousTemplateCompletion().Exists() {
		fenceCompletion = pt.PreviousTemplateCompletion()
	}
	r.trace.SetState(PhysicalReplay)
	c.replayingTpl = tpl
	pt.InitializeTemplate(fenceCompletion, recurrent)

	paths := r.trace.ReplayAliasedChildren()
	c.logger.Info("replay selected",
		"trace", r.trace.ID(),
		"recurrent", recurrent,
		"aliased_paths", len(paths),
	)
}

// CaptureOp marks the end of a recording pass: the template is
// finalized, optimized, and stored if replayable.
type CaptureOp struct {
	lifecycleOp
	tpl *PhysicalTemplate
}

func (o *CaptureOp) trigger(c *Context, lt LogicalTrace, pt *PhysicalTrace) {
	pt.FixTrace(o.tpl, c.blockingObserved || lt.HasBlockingCall())
	if o.tpl.IsReplayable() {
		c.lastTemplate = o.tpl
	}
}

// CompleteOp registers as the new current fence: it depends on every
// frontier operation of the trace (and the replay completion, if any).
type CompleteOp struct {
	lifecycleOp
	events []event.ApEvent
}

// fenceSink resolves frontier operations to their effect events.
type fenceSink struct {
	ctx    *Context
	events []event.ApEvent
}

func (f *fenceSink) RegisterDependence(target op.Operation, gen op.GenerationID) {
	if e, ok := f.ctx.effects[opKey{o: target, gen: gen}]; ok && e.Exists() {
		f.events = append(f.events, e)
	}
}

// SummaryOp materializes the replayed trace's summary effects into the
// op stream so downstream operations observe the same region state a
// fresh execution would have produced.
type SummaryOp struct {
	lifecycleOp
	tpl *PhysicalTemplate
}

func (o *SummaryOp) trigger(c *Context) {
	o.tpl.EnsurePostconditions(c.world)
	for _, entry := range o.tpl.SummaryInfo() {
		req := entry.Requirement
		if req.Usage.Writes() {
			c.world.InvalidateOthers(req.View, req.Eq, req.Mask)
			c.world.MarkValid(req.View, req.Eq, req.Mask)
		}
	}
	c.logger.Debug("summary materialized", "entries", len(o.tpl.SummaryInfo()))
}

// BeginTrace starts (or re-enters) the trace registered under tid.
// With memoize set the trace attempts physical capture and replay once
// its logical structure is fixed.
func (c *Context) BeginTrace(tid TraceID, memoize bool) error {
	if c.current != nil {
		return fmt.Errorf("begin trace %d: nested traces are not supported", tid)
	}
	lt, ok := c.traces[tid]
	if !ok {
		lt = NewDynamicTrace(tid, c.logger)
		c.traces[tid] = lt
	}
	return c.enterTrace(lt, memoize)
}

// BeginStaticTrace starts (or re-enters) a static trace over the given
// region trees. Static traces replay application-declared dependences
// and stay logical-only.
func (c *Context) BeginStaticTrace(tid TraceID, trees []region.TreeID) error {
	if c.current != nil {
		return fmt.Errorf("begin static trace %d: nested traces are not supported", tid)
	}
	lt, ok := c.traces[tid]
	if !ok {
		lt = NewStaticTrace(tid, trees, c.logger)
		c.traces[tid] = lt
	}
	if !lt.Static() {
		return fmt.Errorf("begin static trace %d: trace is dynamic", tid)
	}
	return c.enterTrace(lt, false)
}

func (c *Context) enterTrace(lt LogicalTrace, memoize bool) error {
	c.current = lt
	c.passGen++
	c.blockingObserved = false
	lt.ClearBlockingCall()
	c.effects = make(map[opKey]event.ApEvent)
	c.issued = nil
	c.beginFence = c.currentFence
	c.recordingTpl = nil
	c.replayingTpl = nil

	begin := &BeginOp{lifecycleOp: c.newLifecycleOp(op.KindTraceBegin), fence: c.beginFence}
	c.logger.Debug("trace begin", "trace", lt.ID(), "op", begin.UniqueID(), "pass_gen", c.passGen)

	lt.SetState(LogicalOnly)

	dyn, isDyn := lt.(*DynamicTrace)
	if memoize && isDyn && !dyn.Tracing() {
		if !lt.HasPhysicalTrace() {
			lt.AttachPhysicalTrace(NewPhysicalTrace(c.rt, lt, c.world, c.logger, c.traceOpts...))
		}
		replay := &ReplayOp{lifecycleOp: c.newLifecycleOp(op.KindTraceReplay), trace: lt}
		replay.trigger(c, lt.PhysicalTrace())
	}
	return nil
}

// IssueStatic supplies the application-declared dependences of o and
// issues it. Only meaningful inside a static trace.
func (c *Context) IssueStatic(o *op.Record, deps []op.StaticDependence) error {
	if c.current != nil {
		c.current.RecordStaticDependences(o, deps)
	}
	return c.Issue(o)
}

// Issue submits an operation to the stream. Inside a trace the
// operation is registered, analyzed (on the capture pass), and then
// executed, recorded, or bound for replay according to the trace state.
func (c *Context) Issue(o *op.Record) error {
	if c.current == nil {
		// Untraced operations break recurrence and complete at the
		// current fence.
		c.lastTemplate = nil
		o.CompleteReplay(c.currentFence)
		c.applyWorldEffects(o)
		c.currentFence = o.MemoCompletion()
		return nil
	}

	lt := c.current
	gen := c.passGen
	if err := lt.RegisterOperation(o, gen); err != nil {
		c.logger.Error("operation rejected by trace",
			"trace", lt.ID(),
			"op", o.UniqueID(),
			"error", err,
		)
		return err
	}

	if dyn, ok := lt.(*DynamicTrace); ok && dyn.Tracing() {
		c.analyze(lt, o, gen)
	}
	c.issued = append(c.issued, opEntry{o: o, gen: gen})

	switch lt.State() {
	case PhysicalReplay:
		c.replayingTpl.RegisterOperation(o)
	case PhysicalRecord:
		c.recordAndExecute(lt, o, gen)
	default:
		c.executeLogical(lt, o, gen)
	}
	return nil
}

// RecordBlockingCall notes that user code performed a blocking wait.
// A trace capturing when this happens cannot be replayed.
func (c *Context) RecordBlockingCall() {
	c.blockingObserved = true
	if c.current != nil {
		c.current.RecordBlockingCall()
	}
}

// InvalidateTraceCache drops the cached template of tid after external
// mutation (for example new subregions) invalidated its conditions.
func (c *Context) InvalidateTraceCache(tid TraceID, invalidator op.Operation) {
	if lt, ok := c.traces[tid]; ok {
		lt.InvalidateTraceCache(invalidator)
	}
}

// EndTrace closes the current trace scope, running the capture and
// completion fences.
func (c *Context) EndTrace() error {
	lt := c.current
	if lt == nil {
		return fmt.Errorf("end trace: no trace in progress")
	}
	defer func() { c.current = nil }()

	state := lt.State()
	pt := lt.PhysicalTrace()

	if state == PhysicalRecord {
		capture := &CaptureOp{lifecycleOp: c.newLifecycleOp(op.KindTraceCapture), tpl: c.recordingTpl}
		capture.trigger(c, lt, pt)
	}

	complete := &CompleteOp{lifecycleOp: c.newLifecycleOp(op.KindTraceComplete)}
	sink := &fenceSink{ctx: c}

	switch state {
	case PhysicalReplay:
		tpl := c.replayingTpl
		completion := tpl.ExecuteAll(c.rt)
		summary := &SummaryOp{lifecycleOp: c.newLifecycleOp(op.KindTraceSummary), tpl: tpl}
		summary.trigger(c)
		pt.RecordPreviousTemplateCompletion(completion)
		c.lastTemplate = tpl
		lt.EndTraceExecution(sink)
		complete.events = append(sink.events, completion)
		c.currentFence = c.rt.Events().Merge(complete.events...)
		c.logger.Info("trace replayed", "trace", lt.ID(), "completion", completion)

	case PhysicalRecord:
		lt.EndTraceExecution(sink)
		complete.events = sink.events
		completion := c.mergeOrFence(sink.events)
		pt.RecordPreviousTemplateCompletion(completion)
		c.currentFence = completion
		c.logger.Info("trace recorded", "trace", lt.ID(), "completion", completion)

	default:
		if dyn, ok := lt.(*DynamicTrace); ok && dyn.Tracing() {
			dyn.EndTraceCapture()
			dyn.Fix()
			c.logger.Info("trace captured", "trace", lt.ID())
		}
		lt.EndTraceExecution(sink)
		complete.events = sink.events
		c.currentFence = c.mergeOrFence(sink.events)
	}
	return nil
}

func (c *Context) mergeOrFence(evs []event.ApEvent) event.ApEvent {
	switch len(evs) {
	case 0:
		return c.beginFence
	case 1:
		return evs[0]
	default:
		return c.rt.Events().Merge(evs...)
	}
}

// predecessorEvents resolves the incoming dependences of the operation
// at index to the effect events recorded for them this pass.
func (c *Context) predecessorEvents(lt LogicalTrace, index int) []event.ApEvent {
	var evs []event.ApEvent
	seen := make(map[event.ApEvent]bool)
	for _, rec := range lt.Dependences(index) {
		po, pgen, ok := lt.OperationAt(int(rec.OperationIdx))
		if !ok {
			continue
		}
		if e, ok := c.effects[opKey{o: po, gen: pgen}]; ok && e.Exists() && !seen[e] {
			seen[e] = true
			evs = append(evs, e)
		}
	}
	return evs
}

// preconditionOf merges an operation's predecessors with the begin
// fence semantics: no predecessors means the operation waits on the
// fence alone.
func (c *Context) preconditionOf(lt LogicalTrace, o *op.Record) event.ApEvent {
	if o.Internal() {
		return c.beginFence
	}
	evs := c.predecessorEvents(lt, lt.Length()-1)
	switch len(evs) {
	case 0:
		return c.beginFence
	case 1:
		return evs[0]
	default:
		return c.rt.Events().Merge(evs...)
	}
}

// executeLogical runs an operation in a logical-only pass: effects chain
// through the event table, nothing is recorded.
func (c *Context) executeLogical(lt LogicalTrace, o *op.Record, gen op.GenerationID) {
	pre := c.preconditionOf(lt, o)
	key := opKey{o: o, gen: gen}

	switch o.Kind() {
	case op.KindCopy:
		dst := o.Requirements()[len(o.Requirements())-1]
		e := c.rt.IssueCopy(dst.Expr, dst.Mask, pre, o.Redop, o.Fold)
		o.CompleteReplay(e)
		c.effects[key] = e
	case op.KindFill:
		dst := o.Requirements()[0]
		e := c.rt.IssueFill(dst.Expr, dst.Mask, o.FillValue, pre)
		o.CompleteReplay(e)
		c.effects[key] = e
	default:
		o.CompleteReplay(pre)
		c.effects[key] = o.MemoCompletion()
	}
	c.applyWorldEffects(o)
}

// recordAndExecute runs an operation while appending every physical
// action to the recording template.
func (c *Context) recordAndExecute(lt LogicalTrace, o *op.Record, gen op.GenerationID) {
	tpl := c.recordingTpl
	key := opKey{o: o, gen: gen}

	if o.Internal() {
		// Internal operations are regenerated per pass; they leave no
		// mark on the template.
		o.CompleteReplay(c.beginFence)
		c.effects[key] = c.beginFence
		return
	}

	isTask := o.Kind() != op.KindCopy && o.Kind() != op.KindFill
	if isTask {
		tpl.RecordGetTermEvent(o)
	}

	evs := c.predecessorEvents(lt, lt.Length()-1)
	var pre event.ApEvent
	switch len(evs) {
	case 0:
		pre = c.beginFence
	case 1:
		pre = evs[0]
	default:
		pre = c.rt.Events().Merge(evs...)
		tpl.RecordMergeEvents(pre, evs, o)
	}

	if sync := o.ComputeSyncPrecondition(); sync.Exists() {
		tpl.RecordSetOpSyncEvent(sync, o)
		merged := c.rt.Events().Merge(pre, sync)
		tpl.RecordMergeEvents(merged, []event.ApEvent{pre, sync}, o)
		pre = merged
	}

	switch o.Kind() {
	case op.KindCopy:
		reqs := o.Requirements()
		dst := reqs[len(reqs)-1]
		e := c.rt.IssueCopy(dst.Expr, dst.Mask, pre, o.Redop, o.Fold)
		tpl.RecordIssueCopy(o, e, dst.Expr, dst.Mask, pre, o.Redop, o.Fold)
		for _, req := range reqs {
			tpl.RecordCopyViews(e, req.View, req.Eq, req.Usage, req.Mask, req.Expr, false)
		}
		tpl.RecordCompleteReplay(o, e)
		o.CompleteReplay(e)
		c.effects[key] = e

	case op.KindFill:
		dst := o.Requirements()[0]
		e := c.rt.IssueFill(dst.Expr, dst.Mask, o.FillValue, pre)
		tpl.RecordIssueFill(o, e, dst.Expr, dst.Mask, o.FillValue, pre)
		tpl.RecordCopyViews(e, dst.View, dst.Eq, dst.Usage, dst.Mask, dst.Expr, true)
		if o.FillSource.ID != 0 {
			tpl.RecordFillView(o.FillSource, dst.Mask, true)
		}
		tpl.RecordCompleteReplay(o, e)
		o.CompleteReplay(e)
		c.effects[key] = e

	default:
		for i, req := range o.Requirements() {
			tpl.RecordOpView(o, i, req.View, req.Usage, req.Mask, true)
			tpl.RecordSummaryInfo(req, i)
		}
		instances := make([]uint64, 0, len(o.Requirements()))
		for _, req := range o.Requirements() {
			instances = append(instances, req.View.ID)
		}
		tpl.RecordMapperOutput(o, CachedMapping{Variant: 1, Instances: instances})
		tpl.RecordCompleteReplay(o, pre)
		o.CompleteReplay(pre)
		c.effects[key] = o.MemoCompletion()
	}
	c.applyWorldEffects(o)
}

// applyWorldEffects updates the valid-view state the way executing the
// operation would. Copy destinations replicate data, so they never
// invalidate sibling instances; task writes and fills do.
func (c *Context) applyWorldEffects(o *op.Record) {
	invalidates := o.Kind() != op.KindCopy
	for _, req := range o.Requirements() {
		if req.Usage.Writes() {
			if invalidates {
				c.world.InvalidateOthers(req.View, req.Eq, req.Mask)
			}
			c.world.MarkValid(req.View, req.Eq, req.Mask)
		}
	}
}

// analyze performs the naive dependence analysis of the capture pass:
// every earlier operation of the pass whose requirements interfere with
// the new operation's produces a region dependence record.
func (c *Context) analyze(lt LogicalTrace, cur *op.Record, curGen op.GenerationID) {
	for _, prev := range c.issued {
		for i, preq := range prev.o.Requirements() {
			for j, creq := range cur.Requirements() {
				if preq.Mask.Disjoint(creq.Mask) {
					continue
				}
				if preq.Expr == nil || creq.Expr == nil || !preq.Expr.Intersects(creq.Expr) {
					continue
				}
				kind := region.DependenceBetween(preq.Usage, creq.Usage)
				if kind == region.NoDependence {
					continue
				}
				lt.RecordRegionDependence(cur, curGen, prev.o, prev.gen,
					int32(j), int32(i), kind, false, preq.Mask.Intersect(creq.Mask))
			}
		}
	}
}
