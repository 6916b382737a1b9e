package progress

import (
	"context"
	"time"
)

// StepFunc is one recipe phase's body.
type StepFunc func(ctx context.Context) error

// retryDelay is the pause between attempts, matching the teacher's own
// retry loop's fixed inter-attempt delay.
const retryDelay = 2 * time.Second

// RunStep runs fn under name, retrying up to maxTries times on ordinary
// failure, publishing a Running status before every attempt and a terminal
// status once the step settles (spec §4 StepStatus transitions, §8
// testable properties). A cancelled ctx is never retried — it always ends
// the step Cancelled and returns ctx.Err() unchanged (spec §7 "Cancellation
// ... is terminal").
func RunStep(ctx context.Context, statuses *StatusMap, bus *Broadcaster, name string, maxTries int, fn StepFunc) error {
	publish := func(s StepStatus) {
		statuses.set(name, s)
		if bus != nil {
			bus.Publish(NamedStatus{Name: name, Status: s})
		}
	}

	beginAt := timeNow()
	var lastErr error

	for tries := 1; tries <= maxTries; tries++ {
		publish(Running{MaxTries: maxTries, Tries: tries, BeginAt: beginAt})

		err := fn(ctx)
		if err == nil {
			publish(Completed{MaxTries: maxTries, Tries: tries, BeginAt: beginAt, EndAt: timeNow()})
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			publish(Cancelled{MaxTries: maxTries, Tries: tries, BeginAt: beginAt, EndAt: timeNow()})
			return ctx.Err()
		}

		plog.Infof("step %s: attempt %d/%d failed: %v", name, tries, maxTries, err)

		if tries < maxTries {
			if !sleepOrDone(ctx, retryDelay) {
				publish(Cancelled{MaxTries: maxTries, Tries: tries, BeginAt: beginAt, EndAt: timeNow()})
				return ctx.Err()
			}
		}
	}

	publish(Failed{MaxTries: maxTries, Tries: maxTries, BeginAt: beginAt, EndAt: timeNow(), Err: lastErr})
	return lastErr
}

// Skip marks name Skipped without ever running it, for an optional phase a
// recipe decided to elide.
func Skip(statuses *StatusMap, bus *Broadcaster, name string) {
	statuses.set(name, Skipped{})
	if bus != nil {
		bus.Publish(NamedStatus{Name: name, Status: Skipped{}})
	}
}

func timeNow() time.Time { return time.Now() }

// sleepOrDone waits for d or ctx's cancellation, reporting which occurred
// first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
