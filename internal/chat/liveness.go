package chat

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Liveness describes how often a session tells its client it is still
// connected: every Min plus a random share of Jitter.
type Liveness struct {
	Min    time.Duration
	Jitter time.Duration
}

var (
	// StandardLiveness fires every 10–15 seconds.
	StandardLiveness = Liveness{Min: 10 * time.Second, Jitter: 5 * time.Second}
	// FastLiveness fires every 5–10 seconds.
	FastLiveness = Liveness{Min: 5 * time.Second, Jitter: 5 * time.Second}
)

// LivenessProfile returns the named profile ("standard" or "fast").
func LivenessProfile(name string) (Liveness, bool) {
	switch name {
	case "standard", "":
		return StandardLiveness, true
	case "fast":
		return FastLiveness, true
	default:
		return Liveness{}, false
	}
}

// Interval draws the delay until the next notice, in [Min, Min+Jitter).
func (l Liveness) Interval() time.Duration {
	if l.Jitter <= 0 {
		return l.Min
	}
	return l.Min + time.Duration(rand.Int64N(int64(l.Jitter)))
}

// runLiveness calls notify after every interval until ctx is done.
// The timer is re-armed with a fresh interval after each fire.
func runLiveness(ctx context.Context, clock clockwork.Clock, l Liveness, notify func()) {
	timer := clock.NewTimer(l.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			notify()
			timer.Reset(l.Interval())
		}
	}
}
