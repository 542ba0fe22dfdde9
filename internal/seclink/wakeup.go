package seclink

import "fmt"

// Event is a condition an activity can suspend on.
type Event uint8

const (
	// EventOutboundReady: the engine may have a raw packet to produce.
	EventOutboundReady Event = iota
	// EventInboundReadable: some stream may have become readable.
	EventInboundReadable
	// EventDeadline: the engine's deadline was republished.
	EventDeadline

	eventCount
)

func (e Event) String() string {
	switch e {
	case EventOutboundReady:
		return "outbound_ready"
	case EventInboundReadable:
		return "inbound_readable"
	case EventDeadline:
		return "deadline"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Waiter is a resumption handle for one suspended activity.
type Waiter chan struct{}

// NewWaiter returns a Waiter that can be woken once without blocking.
func NewWaiter() Waiter { return make(Waiter, 1) }

// Wake resumes the holder; extra wakes are absorbed.
func (w Waiter) Wake() {
	select {
	case w <- struct{}{}:
	default:
	}
}

// Registry keeps at most one Waiter per Event; a new registration replaces
// the previous one. It has no lock of its own: the owning SecureLink
// mutates it only while holding its mutex, and fires in the same critical
// section as the state change that made the condition true.
type Registry struct {
	slots [eventCount]Waiter
}

// RegisterIfPending returns poll's result when the condition already
// holds. Otherwise w is stored for ev and the zero value is returned with
// false.
func RegisterIfPending[T any](r *Registry, ev Event, w Waiter, poll func() (T, bool)) (T, bool) {
	if v, ok := poll(); ok {
		return v, true
	}
	r.Register(ev, w)
	var zero T
	return zero, false
}

// Register stores w for ev unconditionally.
func (r *Registry) Register(ev Event, w Waiter) {
	r.slots[ev] = w
}

// Fire empties the slot for ev and returns the waiter that was held.
func (r *Registry) Fire(ev Event) (Waiter, bool) {
	w := r.slots[ev]
	r.slots[ev] = nil
	return w, w != nil
}

// Wake fires ev and resumes its waiter, if any.
func (r *Registry) Wake(events ...Event) {
	for _, ev := range events {
		if w, ok := r.Fire(ev); ok {
			w.Wake()
		}
	}
}

// Waiting reports whether ev has a registered waiter.
func (r *Registry) Waiting(ev Event) bool {
	return r.slots[ev] != nil
}

// Drain wakes and clears every slot, returning how many were held.
func (r *Registry) Drain() int {
	n := 0
	for ev := Event(0); ev < eventCount; ev++ {
		if w, ok := r.Fire(ev); ok {
			w.Wake()
			n++
		}
	}
	return n
}

var allEvents = []Event{EventOutboundReady, EventInboundReadable, EventDeadline}
