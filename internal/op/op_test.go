package op

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retrace/internal/event"
	"github.com/roach88/retrace/internal/region"
)

func TestIDAllocator_Increments(t *testing.T) {
	a := NewIDAllocator()
	assert.Equal(t, UniqueID(1), a.Next())
	assert.Equal(t, UniqueID(2), a.Next())
	assert.Equal(t, UniqueID(2), a.Current())
}

func TestIDAllocator_At(t *testing.T) {
	a := NewIDAllocatorAt(100)
	assert.Equal(t, UniqueID(101), a.Next())
}

func TestIDAllocator_Unique(t *testing.T) {
	a := NewIDAllocator()
	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	ids := make(chan UniqueID, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- a.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[UniqueID]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestRecord_Identity(t *testing.T) {
	tbl := event.NewTable()
	view := region.InstanceView{ID: 1}
	eq := region.EquivalenceSet{ID: 1, Expr: region.NewRect(1, 0, 9)}
	r := NewRecord(tbl, KindTask, 7, 3,
		WriteReq(region.NewRect(1, 0, 9), region.MaskOf(0), view, eq))

	assert.Equal(t, KindTask, r.Kind())
	assert.Equal(t, UniqueID(7), r.UniqueID())
	assert.Equal(t, TraceLocalID(3), r.TraceLocalID())
	assert.Equal(t, 1, r.RegionCount())
	assert.False(t, r.Internal())
	assert.Equal(t, "task#7", r.String())
}

func TestRecord_CompletionChaining(t *testing.T) {
	tbl := event.NewTable()
	r := NewRecord(tbl, KindTask, 1, 1)

	completion := r.MemoCompletion()
	require.True(t, completion.Exists())
	assert.Equal(t, completion, r.MemoCompletion(), "completion event is stable")
	assert.False(t, tbl.HasTriggered(completion))

	src := tbl.CreateUserEvent()
	r.CompleteReplay(src.Event())
	assert.False(t, tbl.HasTriggered(completion))

	tbl.Trigger(src, event.NoEvent)
	assert.True(t, tbl.HasTriggered(completion))
}

func TestRecord_CompleteExecution(t *testing.T) {
	tbl := event.NewTable()
	r := NewRecord(tbl, KindTask, 1, 1)
	r.CompleteExecution()
	assert.True(t, tbl.HasTriggered(r.MemoCompletion()))
}

func TestRecord_Reset_NewCompletion(t *testing.T) {
	tbl := event.NewTable()
	r := NewRecord(tbl, KindTask, 1, 1)
	first := r.MemoCompletion()
	r.CompleteExecution()

	r.Reset()
	second := r.MemoCompletion()
	assert.NotEqual(t, first, second)
	assert.False(t, tbl.HasTriggered(second))
}

func TestRecord_SyncPrecondition(t *testing.T) {
	tbl := event.NewTable()
	r := NewRecord(tbl, KindTask, 1, 1)
	assert.Equal(t, event.NoEvent, r.ComputeSyncPrecondition())

	e := tbl.NewTriggered()
	r.SetSyncPrecondition(e)
	assert.Equal(t, e, r.ComputeSyncPrecondition())
}

func TestNewInternal(t *testing.T) {
	tbl := event.NewTable()
	r := NewInternal(tbl, KindClose, 9)
	assert.True(t, r.Internal())
	assert.Equal(t, KindClose, r.Kind())
}
