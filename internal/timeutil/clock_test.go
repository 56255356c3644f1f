package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClockNow(t *testing.T) {
	t.Parallel()

	before := time.Now()
	now := RealClock{}.Now()
	after := time.Now()

	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
}

func TestRealClockTimerFires(t *testing.T) {
	t.Parallel()

	timer := RealClock{}.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestMockClockAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)

	assert.Equal(t, start.Add(time.Hour), clock.Now())
}

func TestMockClockTimerAdvancesAndFires(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	timer := clock.NewTimer(5 * time.Minute)
	select {
	case fired := <-timer.C():
		assert.Equal(t, start.Add(5*time.Minute), fired)
	default:
		t.Fatal("mock timer should fire immediately")
	}

	assert.Equal(t, start.Add(5*time.Minute), clock.Now())
	require.Len(t, clock.Waits(), 1)
	assert.Equal(t, 5*time.Minute, clock.Waits()[0])
}

func TestMockClockWaitsAccumulate(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(time.Unix(0, 0))
	clock.NewTimer(time.Second)
	clock.NewTimer(2 * time.Second)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Waits())
	assert.Equal(t, time.Unix(3, 0), clock.Now())
}

func TestMockClockHoldParksTimers(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(time.Unix(0, 0))
	clock.Hold()

	timer := clock.NewTimer(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("held timer must not fire")
	default:
	}

	// Held timers do not advance the clock either.
	assert.Equal(t, time.Unix(0, 0), clock.Now())
	assert.Len(t, clock.Waits(), 1)
}
