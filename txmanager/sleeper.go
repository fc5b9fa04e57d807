package txmanager

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/tevino/abool"
)

// backoffSleeper paces retries after failed polls. The first sleep after a
// reset returns immediately so a failed poll is retried at once on another
// endpoint; later sleeps back off from min to max.
type backoffSleeper struct {
	backoff.Backoff
	beenRun *abool.AtomicBool
}

func newBackoffSleeper(min, max time.Duration) *backoffSleeper {
	if max < min {
		max = min
	}
	return &backoffSleeper{
		Backoff: backoff.Backoff{
			Min:    min,
			Max:    max,
			Factor: 2,
		},
		beenRun: abool.New(),
	}
}

// After returns the duration for the next sleep, and increments the backoff.
func (bs *backoffSleeper) After() time.Duration {
	if bs.beenRun.SetToIf(false, true) {
		return 0
	}
	return bs.Backoff.Duration()
}

// Sleep waits for the next backoff duration or until ctx is done.
func (bs *backoffSleeper) Sleep(ctx context.Context) error {
	return sleep(ctx, bs.After())
}

func (bs *backoffSleeper) Reset() {
	bs.beenRun.UnSet()
	bs.Backoff.Reset()
}

// sleep blocks for d, returning early with ctx's error if it is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
