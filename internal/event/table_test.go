package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoEvent_AlwaysTriggered(t *testing.T) {
	tbl := NewTable()
	assert.True(t, tbl.HasTriggered(NoEvent))
	assert.False(t, NoEvent.Exists())

	select {
	case <-tbl.Done(NoEvent):
	default:
		t.Fatal("Done(NoEvent) should be closed")
	}
}

func TestCreateUserEvent_Untriggered(t *testing.T) {
	tbl := NewTable()
	u := tbl.CreateUserEvent()
	require.True(t, u.Exists())
	assert.False(t, tbl.HasTriggered(u.Event()))
}

func TestTrigger_Immediate(t *testing.T) {
	tbl := NewTable()
	u := tbl.CreateUserEvent()
	tbl.Trigger(u, NoEvent)
	assert.True(t, tbl.HasTriggered(u.Event()))
}

func TestTrigger_Chained(t *testing.T) {
	tbl := NewTable()
	u1 := tbl.CreateUserEvent()
	u2 := tbl.CreateUserEvent()

	// u2 triggers when u1 does.
	tbl.Trigger(u2, u1.Event())
	assert.False(t, tbl.HasTriggered(u2.Event()))

	tbl.Trigger(u1, NoEvent)
	assert.True(t, tbl.HasTriggered(u1.Event()))
	assert.True(t, tbl.HasTriggered(u2.Event()))
}

func TestTrigger_Double_Panics(t *testing.T) {
	tbl := NewTable()
	u := tbl.CreateUserEvent()
	tbl.Trigger(u, NoEvent)
	assert.Panics(t, func() { tbl.Trigger(u, NoEvent) })
}

func TestMerge_Empty_IsNoEvent(t *testing.T) {
	tbl := NewTable()
	assert.Equal(t, NoEvent, tbl.Merge())
	assert.Equal(t, NoEvent, tbl.Merge(NoEvent, NoEvent))
}

func TestMerge_AllTriggered(t *testing.T) {
	tbl := NewTable()
	e := tbl.NewTriggered()
	m := tbl.Merge(e)
	require.True(t, m.Exists())
	assert.True(t, tbl.HasTriggered(m))
}

func TestMerge_WaitsForAll(t *testing.T) {
	tbl := NewTable()
	u1 := tbl.CreateUserEvent()
	u2 := tbl.CreateUserEvent()
	m := tbl.Merge(u1.Event(), u2.Event())

	assert.False(t, tbl.HasTriggered(m))
	tbl.Trigger(u1, NoEvent)
	assert.False(t, tbl.HasTriggered(m))
	tbl.Trigger(u2, NoEvent)
	assert.True(t, tbl.HasTriggered(m))
}

func TestMerge_IgnoresNoEvent(t *testing.T) {
	tbl := NewTable()
	u := tbl.CreateUserEvent()
	m := tbl.Merge(NoEvent, u.Event(), NoEvent)

	assert.False(t, tbl.HasTriggered(m))
	tbl.Trigger(u, NoEvent)
	assert.True(t, tbl.HasTriggered(m))
}

func TestOnTrigger_AlreadyTriggered_RunsInline(t *testing.T) {
	tbl := NewTable()
	e := tbl.NewTriggered()
	ran := false
	tbl.OnTrigger(e, func() { ran = true })
	assert.True(t, ran)
}

func TestOnTrigger_RunsOnCascade(t *testing.T) {
	tbl := NewTable()
	u := tbl.CreateUserEvent()
	m := tbl.Merge(u.Event())

	ran := false
	tbl.OnTrigger(m, func() { ran = true })
	assert.False(t, ran)

	tbl.Trigger(u, NoEvent)
	assert.True(t, ran)
}

func TestDone_UnblocksWaiters(t *testing.T) {
	tbl := NewTable()
	u := tbl.CreateUserEvent()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-tbl.Done(u.Event())
	}()

	tbl.Trigger(u, NoEvent)
	wg.Wait()
	assert.True(t, tbl.HasTriggered(u.Event()))
}

func TestIdentifiers_Deterministic(t *testing.T) {
	// Two tables performing the same call sequence assign the same
	// identifiers. Replay depends on positional consistency, not values.
	run := func() []ApEvent {
		tbl := NewTable()
		u := tbl.CreateUserEvent()
		e := tbl.NewTriggered()
		m := tbl.Merge(u.Event(), e)
		return []ApEvent{u.Event(), e, m}
	}
	assert.Equal(t, run(), run())
}
