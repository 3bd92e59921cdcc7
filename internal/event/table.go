package event

import (
	"fmt"
	"sync"
)

// Table owns every event in a runtime instance.
//
// Identifiers are assigned from a monotonic counter, so two runs that
// perform the same sequence of table calls observe the same identifiers.
// Replay correctness never depends on identifier values, only on the
// trigger edges registered here.
//
// Thread-safety: all methods are safe for concurrent use. Replay slices
// running in parallel synchronize exclusively through this table.
type Table struct {
	mu      sync.Mutex
	next    uint64
	records map[ApEvent]*record
}

// record tracks the trigger state of a single event.
//
// pending counts untriggered preconditions. An event fires when pending
// reaches zero (merge events) or when it is explicitly triggered through
// an already-triggered source (user events).
type record struct {
	triggered bool
	pending   int
	outs      []ApEvent
	done      chan struct{}
	callbacks []func()
}

// NewTable creates an empty event table.
func NewTable() *Table {
	return &Table{
		next:    1,
		records: make(map[ApEvent]*record),
	}
}

func (t *Table) allocate() (ApEvent, *record) {
	e := ApEvent(t.next)
	t.next++
	r := &record{done: make(chan struct{})}
	t.records[e] = r
	return e, r
}

func (t *Table) lookup(e ApEvent) *record {
	r, ok := t.records[e]
	if !ok {
		panic(fmt.Sprintf("event: unknown event %d", e))
	}
	return r
}

// CreateUserEvent allocates a fresh untriggered user event.
func (t *Table) CreateUserEvent() ApUserEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.allocate()
	return ApUserEvent(e)
}

// NewTriggered allocates an event that has already triggered.
// Used for completions that are known at creation time.
func (t *Table) NewTriggered() ApEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, r := t.allocate()
	t.fire(e, r)
	return e
}

// Trigger arranges for user to trigger once src has triggered.
// A src of NoEvent triggers user immediately.
//
// Triggering an already-triggered user event panics: it indicates a
// double-trigger bug in the caller, never a recoverable condition.
func (t *Table) Trigger(user ApUserEvent, src ApEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.lookup(user.Event())
	if r.triggered {
		panic(fmt.Sprintf("event: double trigger of user event %d", user))
	}
	if !src.Exists() {
		t.fire(user.Event(), r)
		return
	}
	sr := t.lookup(src)
	if sr.triggered {
		t.fire(user.Event(), r)
		return
	}
	r.pending = 1
	sr.outs = append(sr.outs, user.Event())
}

// Merge returns an event that triggers when every precondition has
// triggered. NoEvent preconditions are ignored; an empty (or all-NoEvent)
// set yields NoEvent.
func (t *Table) Merge(preconditions ...ApEvent) ApEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := 0
	var deps []*record
	for _, p := range preconditions {
		if !p.Exists() {
			continue
		}
		pr := t.lookup(p)
		deps = append(deps, pr)
		if !pr.triggered {
			pending++
		}
	}
	if len(deps) == 0 {
		return NoEvent
	}

	e, r := t.allocate()
	if pending == 0 {
		t.fire(e, r)
		return e
	}
	r.pending = pending
	for _, pr := range deps {
		if !pr.triggered {
			pr.outs = append(pr.outs, e)
		}
	}
	return e
}

// HasTriggered reports whether e has triggered. NoEvent has always
// triggered.
func (t *Table) HasTriggered(e ApEvent) bool {
	if !e.Exists() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(e).triggered
}

// Done returns a channel closed when e triggers.
// NoEvent yields an already-closed channel.
func (t *Table) Done(e ApEvent) <-chan struct{} {
	if !e.Exists() {
		return closedChan
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(e).done
}

// OnTrigger registers fn to run when e triggers. If e has already
// triggered, fn runs before OnTrigger returns. Callbacks run without the
// table lock held and may call back into the table.
func (t *Table) OnTrigger(e ApEvent, fn func()) {
	if !e.Exists() {
		fn()
		return
	}
	t.mu.Lock()
	r := t.lookup(e)
	if r.triggered {
		t.mu.Unlock()
		fn()
		return
	}
	r.callbacks = append(r.callbacks, fn)
	t.mu.Unlock()
}

// fire marks e triggered and propagates to dependents.
// Caller holds t.mu. Callbacks are collected and run after the cascade so
// they observe the fully-settled state; fire releases the lock while it
// runs them and reacquires it before returning.
func (t *Table) fire(e ApEvent, r *record) {
	var fired []func()
	t.fireLocked(r, &fired)
	if len(fired) > 0 {
		t.mu.Unlock()
		for _, fn := range fired {
			fn()
		}
		t.mu.Lock()
	}
}

func (t *Table) fireLocked(r *record, fired *[]func()) {
	if r.triggered {
		return
	}
	r.triggered = true
	close(r.done)
	*fired = append(*fired, r.callbacks...)
	r.callbacks = nil
	for _, out := range r.outs {
		or := t.lookup(out)
		or.pending--
		if or.pending == 0 {
			t.fireLocked(or, fired)
		}
	}
	r.outs = nil
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
