// Package event implements the completion-event primitives the tracing
// core synchronizes through.
//
// Events are opaque identifiers backed by a Table. An event is either
// untriggered or triggered; once triggered it stays triggered. User
// events are events with an explicit trigger point. Merge events trigger
// when every one of their preconditions has triggered.
//
// The Table is an in-process implementation with deterministic identifier
// assignment, which keeps replayed graphs positionally comparable across
// runs of the same recording.
package event

// ApEvent identifies an application-visible completion event.
//
// The zero value is NoEvent: the event that has always triggered.
type ApEvent uint64

// ApUserEvent identifies an event with an explicit trigger point.
// Every user event is also usable wherever an ApEvent is expected.
type ApUserEvent uint64

// NoEvent is the distinguished always-triggered event.
const NoEvent ApEvent = 0

// Exists reports whether e names a real event slot (anything but NoEvent).
func (e ApEvent) Exists() bool { return e != NoEvent }

// Event converts a user event to its ApEvent identity.
func (u ApUserEvent) Event() ApEvent { return ApEvent(u) }

// Exists reports whether u names a real user event.
func (u ApUserEvent) Exists() bool { return u != 0 }
