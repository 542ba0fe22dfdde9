package seclink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func woken(w Waiter) bool {
	select {
	case <-w:
		return true
	default:
		return false
	}
}

func TestRegisterIfPendingReturnsReadyValue(t *testing.T) {
	var r Registry
	w := NewWaiter()
	v, ok := RegisterIfPending(&r, EventInboundReadable, w, func() (int, bool) { return 7, true })
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.False(t, r.Waiting(EventInboundReadable), "ready result must not register")
}

func TestRegisterIfPendingStoresWaiter(t *testing.T) {
	var r Registry
	w := NewWaiter()
	_, ok := RegisterIfPending(&r, EventOutboundReady, w, func() (int, bool) { return 0, false })
	assert.False(t, ok)
	assert.True(t, r.Waiting(EventOutboundReady))

	got, held := r.Fire(EventOutboundReady)
	assert.True(t, held)
	assert.Equal(t, w, got)
	assert.False(t, r.Waiting(EventOutboundReady))

	_, held = r.Fire(EventOutboundReady)
	assert.False(t, held, "firing an empty slot has no effect")
}

func TestRegistryLastRegistrantWins(t *testing.T) {
	var r Registry
	first, second := NewWaiter(), NewWaiter()
	r.Register(EventDeadline, first)
	r.Register(EventDeadline, second)
	r.Wake(EventDeadline)
	assert.False(t, woken(first))
	assert.True(t, woken(second))
}

func TestRegistryEventsAreIndependent(t *testing.T) {
	var r Registry
	out, in := NewWaiter(), NewWaiter()
	r.Register(EventOutboundReady, out)
	r.Register(EventInboundReadable, in)
	r.Wake(EventOutboundReady)
	assert.True(t, woken(out))
	assert.False(t, woken(in))
	assert.True(t, r.Waiting(EventInboundReadable))
}

func TestRegistryDrain(t *testing.T) {
	var r Registry
	ws := []Waiter{NewWaiter(), NewWaiter(), NewWaiter()}
	for i, ev := range allEvents {
		r.Register(ev, ws[i])
	}
	assert.Equal(t, 3, r.Drain())
	for i, ev := range allEvents {
		assert.True(t, woken(ws[i]))
		assert.False(t, r.Waiting(ev))
	}
	assert.Zero(t, r.Drain())
}

func TestWaiterWakeIsIdempotent(t *testing.T) {
	w := NewWaiter()
	w.Wake()
	w.Wake()
	assert.True(t, woken(w))
	assert.False(t, woken(w))
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "outbound_ready", EventOutboundReady.String())
	assert.Equal(t, "inbound_readable", EventInboundReadable.String())
	assert.Equal(t, "deadline", EventDeadline.String())
	assert.Equal(t, "event(9)", Event(9).String())
}
