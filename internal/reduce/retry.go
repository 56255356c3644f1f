package reduce

import (
	"context"
	"time"

	"github.com/altair-data/lightcurve.report/internal/timeutil"
)

// waiter implements the live-acquisition retry policy: sleep one poll
// interval per not-ready signal, and give up once the wait accumulated
// since the last frame exceeds the cap. Give-up is a normal end
// condition, not a fault.
type waiter struct {
	clock    timeutil.Clock
	poll     time.Duration
	max      time.Duration
	deadline time.Time
}

func newWaiter(poll, max time.Duration) *waiter {
	return &waiter{clock: timeutil.RealClock{}, poll: poll, max: max}
}

// Wait sleeps one poll interval, cancellable through ctx, and reports
// whether the wait since the last received frame has exceeded the cap.
func (w *waiter) Wait(ctx context.Context) (giveUp bool, err error) {
	if w.deadline.IsZero() {
		w.deadline = w.clock.Now().Add(w.max)
	}
	t := w.clock.NewTimer(w.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C():
	}
	return w.clock.Now().After(w.deadline), nil
}

// Reset clears the accumulated wait. Called whenever a frame arrives.
func (w *waiter) Reset() {
	w.deadline = time.Time{}
}
