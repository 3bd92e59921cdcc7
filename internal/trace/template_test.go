package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/op"
	"github.com/roach88/retrace/internal/region"
	"github.com/roach88/retrace/internal/testutil"
)

func TestTemplate_RecordReplay_TaskChain(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	fence := tbl.NewTriggered()
	tpl := NewPhysicalTemplate(nil, fence, 1)

	taskA := op.NewRecord(tbl, op.KindTask, 1, 1)
	taskB := op.NewRecord(tbl, op.KindTask, 2, 2)

	tpl.RecordGetTermEvent(taskA)
	tpl.RecordGetTermEvent(taskB)
	tpl.RecordCompleteReplay(taskA, fence)
	tpl.RecordCompleteReplay(taskB, taskA.MemoCompletion())

	tpl.Finalize(NewWorld(), false)
	require.True(t, tpl.IsReplayable(), "why not: %s", tpl.WhyNotReplayable())
	assert.False(t, tpl.IsRecording())

	taskA.Reset()
	taskB.Reset()
	tpl.Initialize(tbl.NewTriggered(), false)
	tpl.RegisterOperation(taskA)
	tpl.RegisterOperation(taskB)

	done := tpl.ExecuteAll(rt)
	assert.True(t, tbl.HasTriggered(taskA.MemoCompletion()))
	assert.True(t, tbl.HasTriggered(taskB.MemoCompletion()))
	assert.True(t, tbl.HasTriggered(done))
}

func TestTemplate_ReplayOrdering_PendingFence(t *testing.T) {
	// With an untriggered fence completion, nothing in the replay may
	// complete until the fence does.
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)

	taskA := op.NewRecord(tbl, op.KindTask, 1, 1)
	tpl.RecordGetTermEvent(taskA)
	tpl.RecordCompleteReplay(taskA, event.NoEvent) // completes at the fence

	tpl.Finalize(NewWorld(), false)
	require.True(t, tpl.IsReplayable())

	taskA.Reset()
	pending := tbl.CreateUserEvent()
	tpl.Initialize(pending.Event(), false)
	tpl.RegisterOperation(taskA)

	done := tpl.ExecuteAll(rt)
	assert.False(t, tbl.HasTriggered(taskA.MemoCompletion()))
	assert.False(t, tbl.HasTriggered(done))

	tbl.Trigger(pending, event.NoEvent)
	assert.True(t, tbl.HasTriggered(taskA.MemoCompletion()))
	assert.True(t, tbl.HasTriggered(done))
}

func TestTemplate_BlockingCall_NotReplayable(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tpl := NewPhysicalTemplate(nil, rt.Events().NewTriggered(), 1)

	tpl.Finalize(NewWorld(), true)
	assert.False(t, tpl.IsReplayable())
	assert.Contains(t, tpl.WhyNotReplayable(), "blocking")
}

func TestTemplate_PostMustSubsumePre(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	f := testutil.NewFixture()
	expr := f.Expr(0, 9)
	viewV := f.View(1)
	viewW := f.View(1) // same tree: writing W invalidates V
	eq := f.Eq(0, 9)

	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
	reader := op.NewRecord(tbl, op.KindTask, 1, 1, op.ReadReq(expr, region.MaskOf(0), viewV, eq))
	writer := op.NewRecord(tbl, op.KindTask, 2, 2, op.WriteReq(expr, region.MaskOf(0), viewW, eq))

	tpl.RecordGetTermEvent(reader)
	tpl.RecordOpView(reader, 0, viewV, reader.Requirements()[0].Usage, region.MaskOf(0), true)
	tpl.RecordGetTermEvent(writer)
	tpl.RecordOpView(writer, 0, viewW, writer.Requirements()[0].Usage, region.MaskOf(0), true)

	tpl.Finalize(NewWorld(), false)
	assert.False(t, tpl.IsReplayable(),
		"reading a view the template invalidates cannot form a stable cycle")
	assert.Contains(t, tpl.WhyNotReplayable(), "subsume")
}

func TestTemplate_ReductionMustBeConsumed(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	f := testutil.NewFixture()
	expr := f.Expr(0, 9)
	red := f.View(1)
	eq := f.Eq(0, 9)

	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
	reducer := op.NewRecord(tbl, op.KindTask, 1, 1, op.Requirement{
		Expr:  expr,
		Usage: region.Usage{Privilege: region.Reduce, Redop: 1},
		Mask:  region.MaskOf(0),
		View:  red,
		Eq:    eq,
	})
	tpl.RecordGetTermEvent(reducer)
	tpl.RecordOpView(reducer, 0, red, reducer.Requirements()[0].Usage, region.MaskOf(0), true)

	tpl.Finalize(NewWorld(), false)
	assert.False(t, tpl.IsReplayable(),
		"a reduction into pre-trace state that the template never folds leaks")
	assert.Contains(t, tpl.WhyNotReplayable(), "reduction")
}

func TestTemplate_ReductionConsumedInside_IsReplayable(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	f := testutil.NewFixture()
	expr := f.Expr(0, 9)
	inst := f.View(1)
	red := f.View(1)
	eq := f.Eq(0, 9)

	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
	writer := op.NewRecord(tbl, op.KindTask, 1, 1, op.WriteReq(expr, region.MaskOf(0), inst, eq))
	reducer := op.NewRecord(tbl, op.KindTask, 2, 2, op.Requirement{
		Expr:  expr,
		Usage: region.Usage{Privilege: region.Reduce, Redop: 1},
		Mask:  region.MaskOf(0),
		View:  red,
		Eq:    eq,
	})
	reader := op.NewRecord(tbl, op.KindTask, 3, 3, op.ReadReq(expr, region.MaskOf(0), inst, eq))

	tpl.RecordGetTermEvent(writer)
	tpl.RecordOpView(writer, 0, inst, writer.Requirements()[0].Usage, region.MaskOf(0), true)
	tpl.RecordGetTermEvent(reducer)
	tpl.RecordOpView(reducer, 0, red, reducer.Requirements()[0].Usage, region.MaskOf(0), true)
	tpl.RecordGetTermEvent(reader)
	tpl.RecordOpView(reader, 0, inst, reader.Requirements()[0].Usage, region.MaskOf(0), true)

	tpl.Finalize(NewWorld(), false)
	assert.True(t, tpl.IsReplayable(), "why not: %s", tpl.WhyNotReplayable())
}

func TestTemplate_PreconditionsTrackWorld(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	f := testutil.NewFixture()
	expr := f.Expr(0, 9)
	view := f.View(1)
	eq := f.Eq(0, 9)

	world := NewWorld()
	world.MarkValid(view, eq, region.MaskOf(0))

	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
	reader := op.NewRecord(tbl, op.KindTask, 1, 1, op.ReadReq(expr, region.MaskOf(0), view, eq))
	tpl.RecordGetTermEvent(reader)
	tpl.RecordOpView(reader, 0, view, reader.Requirements()[0].Usage, region.MaskOf(0), true)

	tpl.Finalize(world, false)
	require.True(t, tpl.IsReplayable(), "why not: %s", tpl.WhyNotReplayable())
	assert.True(t, tpl.CheckPreconditions(world))

	world.InvalidateView(view)
	assert.False(t, tpl.CheckPreconditions(world))

	world.MarkValid(view, eq, region.MaskOf(0))
	assert.True(t, tpl.CheckPreconditions(world))

	world.BumpVersion(eq)
	assert.False(t, tpl.CheckPreconditions(world), "external mutation invalidates the conditions")
}

func TestTemplate_MapperOutputCache(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
	task := op.NewRecord(tbl, op.KindTask, 1, 1)

	_, ok := tpl.GetMapperOutput(task)
	assert.False(t, ok)

	tpl.RecordMapperOutput(task, CachedMapping{Variant: 3, Instances: []uint64{7, 8}})
	m, ok := tpl.GetMapperOutput(task)
	require.True(t, ok)
	assert.Equal(t, uint32(3), m.Variant)
	assert.Equal(t, []uint64{7, 8}, m.Instances)
}

func TestTemplate_RecordAfterFinalize_Panics(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
	tpl.Finalize(NewWorld(), false)

	task := op.NewRecord(tbl, op.KindTask, 1, 1)
	assert.Panics(t, func() { tpl.RecordGetTermEvent(task) })
}

func TestTemplate_OpViewBeforeTermEvent_Panics(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	f := testutil.NewFixture()
	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
	view := f.View(1)
	task := op.NewRecord(tbl, op.KindTask, 1, 1,
		op.ReadReq(f.Expr(0, 9), region.MaskOf(0), view, f.Eq(0, 9)))

	assert.Panics(t, func() {
		tpl.RecordOpView(task, 0, view, task.Requirements()[0].Usage, region.MaskOf(0), true)
	})
}

func TestTemplate_UserEventInstructions(t *testing.T) {
	rt := testutil.NewSimRuntime()
	tbl := rt.Events()
	tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)

	u := tbl.CreateUserEvent()
	tpl.RecordCreateApUserEvent(u, nil)
	tpl.RecordTriggerEvent(u, event.NoEvent, nil)

	tpl.Finalize(NewWorld(), false)
	require.True(t, tpl.IsReplayable())

	tpl.Initialize(tbl.NewTriggered(), false)
	done := tpl.ExecuteAll(rt)
	assert.True(t, tbl.HasTriggered(done))
}

func TestTemplate_DumpIsDeterministic(t *testing.T) {
	build := func() string {
		rt := testutil.NewSimRuntime()
		tbl := rt.Events()
		tpl := NewPhysicalTemplate(nil, tbl.NewTriggered(), 1)
		taskA := op.NewRecord(tbl, op.KindTask, 1, 1)
		tpl.RecordGetTermEvent(taskA)
		tpl.RecordCompleteReplay(taskA, event.NoEvent)
		tpl.Finalize(NewWorld(), false)
		return tpl.Dump()
	}
	first := build()
	assert.Equal(t, first, build())
	assert.Contains(t, first, "ops[1].completion")
}
