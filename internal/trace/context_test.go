package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
	"github.com/roach88/retrace/internal/testutil"
)

type contextEnv struct {
	rt  *testutil.SimRuntime
	f   *testutil.Fixture
	ctx *Context
}

func newContextEnv(opts ...ContextOption) *contextEnv {
	rt := testutil.NewSimRuntime()
	return &contextEnv{rt: rt, f: testutil.NewFixture(), ctx: NewContext(rt, opts...)}
}

// runPass drives one full trace pass over the given operations,
// resetting them first so completions are fresh.
func (e *contextEnv) runPass(t *testing.T, tid TraceID, memoize bool, ops ...*op.Record) {
	t.Helper()
	for _, o := range ops {
		o.Reset()
	}
	require.NoError(t, e.ctx.BeginTrace(tid, memoize))
	for _, o := range ops {
		require.NoError(t, e.ctx.Issue(o))
	}
	require.NoError(t, e.ctx.EndTrace())
}

func (e *contextEnv) physical(t *testing.T, tid TraceID) *PhysicalTrace {
	t.Helper()
	lt, ok := e.ctx.Trace(tid)
	require.True(t, ok)
	require.True(t, lt.HasPhysicalTrace())
	return lt.PhysicalTrace()
}

func TestContext_RecordThenReplay(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)

	taskA := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))
	taskB := env.ctx.NewTask(2, op.ReadReq(expr, region.MaskOf(0), view, eq))

	// Pass 1 captures the logical structure.
	env.runPass(t, 7, true, taskA, taskB)
	lt, _ := env.ctx.Trace(7)
	assert.True(t, lt.Fixed())
	assert.False(t, lt.HasPhysicalTrace(), "pass 1 stays logical-only")

	// Pass 2 records a template.
	env.runPass(t, 7, true, taskA, taskB)
	pt := env.physical(t, 7)
	require.True(t, pt.HasAnyTemplates())
	assert.Equal(t, 0, pt.NonreplayableCount())

	// Pass 3 replays it.
	env.runPass(t, 7, true, taskA, taskB)
	assert.Equal(t, PhysicalReplay, lt.State())
	assert.True(t, env.rt.Events().HasTriggered(taskA.MemoCompletion()))
	assert.True(t, env.rt.Events().HasTriggered(taskB.MemoCompletion()))
	assert.True(t, env.rt.Events().HasTriggered(env.ctx.CurrentFence()))
}

func TestContext_DependenceReplayedAcrossPasses(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)

	taskA := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))
	taskB := env.ctx.NewTask(2, op.ReadReq(expr, region.MaskOf(0), view, eq))

	env.runPass(t, 1, false, taskA, taskB)

	lt, _ := env.ctx.Trace(1)
	dyn := lt.(*DynamicTrace)
	deps := dyn.Dependences(1)
	require.Len(t, deps, 1)
	assert.Equal(t, int32(0), deps[0].OperationIdx)
	assert.Equal(t, region.TrueDependence, deps[0].Kind)
	assert.Equal(t, region.MaskOf(0), deps[0].Mask)

	// The captured dependence is reproduced on replay passes.
	env.runPass(t, 1, false, taskA, taskB)
	assert.Equal(t, deps, dyn.Dependences(1))
}

func TestContext_ShapeMismatchSurfacesOnReplay(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)

	taskA := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))
	taskB := env.ctx.NewTask(2, op.ReadReq(expr, region.MaskOf(0), view, eq))
	env.runPass(t, 3, false, taskA, taskB)

	// Replaying with an operation of a different shape is a trace-use
	// error.
	wide := env.ctx.NewTask(3,
		op.ReadReq(expr, region.MaskOf(0), view, eq),
		op.WriteReq(expr, region.MaskOf(1), view, eq))
	wide.Reset()
	taskA.Reset()
	require.NoError(t, env.ctx.BeginTrace(3, false))
	require.NoError(t, env.ctx.Issue(taskA))
	err := env.ctx.Issue(wide)
	require.Error(t, err)
	assert.True(t, IsShapeMismatch(err))
	require.NoError(t, env.ctx.EndTrace())
}

func TestContext_PreconditionMissRecordsSecondTemplate(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)

	reader := env.ctx.NewTask(1, op.ReadReq(expr, region.MaskOf(0), view, eq))
	writer := env.ctx.NewTask(2, op.WriteReq(expr, region.MaskOf(0), view, eq))

	// Initialize the view outside any trace so the first read has
	// valid data to consume.
	init := env.ctx.NewTask(100, op.WriteReq(expr, region.MaskOf(0), view, eq))
	require.NoError(t, env.ctx.Issue(init))

	env.runPass(t, 9, true, reader, writer) // capture
	env.runPass(t, 9, true, reader, writer) // record
	pt := env.physical(t, 9)
	require.True(t, pt.HasAnyTemplates())
	require.Len(t, pt.templates, 1)

	env.runPass(t, 9, true, reader, writer) // replay
	lt, _ := env.ctx.Trace(9)
	require.Equal(t, PhysicalReplay, lt.State())

	// External invalidation of the instance view: the precondition no
	// longer holds, so the next pass records a second template.
	env.ctx.World().InvalidateView(view)
	env.runPass(t, 9, true, reader, writer)
	assert.Equal(t, PhysicalRecord, lt.State())
	assert.Len(t, pt.templates, 2)

	// The new template's conditions were re-anchored; replay works
	// again.
	env.runPass(t, 9, true, reader, writer)
	assert.Equal(t, PhysicalReplay, lt.State())
}

func TestContext_BlockingCallMakesTemplateNonReplayable(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)

	task := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))

	env.runPass(t, 5, true, task) // capture

	// Record pass with a blocking wait in user code.
	task.Reset()
	require.NoError(t, env.ctx.BeginTrace(5, true))
	require.NoError(t, env.ctx.Issue(task))
	env.ctx.RecordBlockingCall()
	require.NoError(t, env.ctx.EndTrace())

	pt := env.physical(t, 5)
	assert.False(t, pt.HasAnyTemplates(), "blocking traces are never stored")
	assert.Equal(t, 1, pt.NonreplayableCount())
}

func TestContext_NonreplayableWarningThresholdCounts(t *testing.T) {
	env := newContextEnv(WithPhysicalTraceOptions(WithNonreplayableWarningThreshold(2)))
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)
	task := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))

	env.runPass(t, 4, true, task) // capture

	for i := 0; i < 3; i++ {
		task.Reset()
		require.NoError(t, env.ctx.BeginTrace(4, true))
		require.NoError(t, env.ctx.Issue(task))
		env.ctx.RecordBlockingCall()
		require.NoError(t, env.ctx.EndTrace())
	}
	pt := env.physical(t, 4)
	assert.Equal(t, 3, pt.NonreplayableCount())
}

func TestContext_RecurrentReplayChains(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)

	task := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))

	env.runPass(t, 2, true, task) // capture
	env.runPass(t, 2, true, task) // record
	pt := env.physical(t, 2)
	first := pt.PreviousTemplateCompletion()
	require.True(t, first.Exists())

	env.runPass(t, 2, true, task) // replay (recurrent after record)
	second := pt.PreviousTemplateCompletion()
	assert.NotEqual(t, first, second, "each replay records a fresh completion")
	assert.NotNil(t, env.ctx.lastTemplate)

	// An untraced operation in between breaks recurrence.
	other := env.ctx.NewTask(50, op.WriteReq(env.f.Expr(20, 29), region.MaskOf(0), env.f.View(2), env.f.Eq(20, 29)))
	require.NoError(t, env.ctx.Issue(other))
	assert.Nil(t, env.ctx.lastTemplate)

	env.runPass(t, 2, true, task) // still replays, just not recurrent
	lt, _ := env.ctx.Trace(2)
	assert.Equal(t, PhysicalReplay, lt.State())
}

func TestContext_CopyChainRecordsIssueCopies(t *testing.T) {
	env := newContextEnv()
	srcView := env.f.View(1)
	dstView := env.f.View(1)
	expr := env.f.Expr(0, 9)
	eq := env.f.Eq(0, 9)

	init := env.ctx.NewTask(99, op.WriteReq(expr, region.MaskOf(0), srcView, eq))
	require.NoError(t, env.ctx.Issue(init))

	copyOp := env.ctx.NewCopy(1,
		op.ReadReq(expr, region.MaskOf(0), srcView, eq),
		op.WriteReq(expr, region.MaskOf(0), dstView, eq))

	env.runPass(t, 6, true, copyOp) // capture
	issuedAfterCapture := env.rt.IssueCount()
	assert.Greater(t, issuedAfterCapture, 0, "logical pass still issues the copy")

	env.runPass(t, 6, true, copyOp) // record
	env.runPass(t, 6, true, copyOp) // replay
	assert.Greater(t, env.rt.IssueCount(), issuedAfterCapture,
		"replay re-issues the recorded copy through the runtime")
	assert.True(t, env.rt.Events().HasTriggered(copyOp.MemoCompletion()))
}

func TestContext_StaticTraceReplaysDeclaredDependences(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)

	taskA := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))
	taskB := env.ctx.NewTask(2, op.ReadReq(expr, region.MaskOf(0), view, eq))
	dep := []op.StaticDependence{{
		PreviousOffset:   1,
		PreviousReqIndex: 0,
		NextReqIndex:     0,
		Kind:             region.TrueDependence,
		Mask:             region.MaskOf(0),
	}}

	require.NoError(t, env.ctx.BeginStaticTrace(11, []region.TreeID{1}))
	require.NoError(t, env.ctx.IssueStatic(taskA, nil))
	require.NoError(t, env.ctx.IssueStatic(taskB, dep))
	require.NoError(t, env.ctx.EndTrace())

	assert.True(t, env.rt.Events().HasTriggered(taskB.MemoCompletion()))

	lt, _ := env.ctx.Trace(11)
	assert.True(t, lt.Static())
	assert.True(t, lt.HandlesRegionTree(1))
	assert.False(t, lt.HandlesRegionTree(2))

	// Re-entering replays the same translated dependences.
	taskA.Reset()
	taskB.Reset()
	require.NoError(t, env.ctx.BeginStaticTrace(11, nil))
	require.NoError(t, env.ctx.Issue(taskA))
	require.NoError(t, env.ctx.Issue(taskB))
	require.NoError(t, env.ctx.EndTrace())
	assert.True(t, env.rt.Events().HasTriggered(taskB.MemoCompletion()))
}

func TestContext_InvalidateTraceCacheClearsHotTemplate(t *testing.T) {
	env := newContextEnv()
	expr := env.f.Expr(0, 9)
	view := env.f.View(1)
	eq := env.f.Eq(0, 9)
	task := env.ctx.NewTask(1, op.WriteReq(expr, region.MaskOf(0), view, eq))

	env.runPass(t, 8, true, task)
	env.runPass(t, 8, true, task)
	pt := env.physical(t, 8)
	require.NotNil(t, pt.CurrentTemplate())

	env.ctx.InvalidateTraceCache(8, task)
	assert.Nil(t, pt.CurrentTemplate())

	// Templates themselves survive; selection just re-runs.
	assert.True(t, pt.HasAnyTemplates())
}

func TestContext_NestedTraceRejected(t *testing.T) {
	env := newContextEnv()
	require.NoError(t, env.ctx.BeginTrace(1, false))
	assert.Error(t, env.ctx.BeginTrace(2, false))
	require.NoError(t, env.ctx.EndTrace())
	assert.Error(t, env.ctx.EndTrace(), "double end has no trace in progress")
}
