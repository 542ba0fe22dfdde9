package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(10 * time.Millisecond)
	require.Equal(t, 1, c.Pending())

	c.Advance(5 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(5 * time.Millisecond)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(10*time.Millisecond), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Zero(t, c.Pending())
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) must be ready")
	}
	assert.Equal(t, []time.Duration{0}, c.Armed())
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	late := c.After(3 * time.Second)
	early := c.After(time.Second)
	c.Advance(2 * time.Second)
	assert.Len(t, early, 1)
	assert.Len(t, late, 0)
	assert.Equal(t, []time.Duration{3 * time.Second, time.Second}, c.Armed())
}

func TestRealAfter(t *testing.T) {
	start := time.Now()
	<-Real().After(time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)
}
