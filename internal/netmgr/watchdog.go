package netmgr

import (
	"sync"
	"time"
)

// Watchdog tracks whether the tick loop is still running. Update feeds
// it; anything on any goroutine may ask Healthy. There is no process
// kill here, only the signal; the health surface decides what to do
// with it.
type Watchdog struct {
	timeout time.Duration

	mu      sync.Mutex
	lastFed time.Time
}

// NewWatchdog returns a watchdog with the given timeout. Healthy
// reports true only while the last feeding is fresher than half the
// timeout, which leaves slack to react before an external supervisor
// would fire.
func NewWatchdog(timeout time.Duration) *Watchdog {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Watchdog{timeout: timeout}
}

// Feed records that the loop completed a pass.
func (w *Watchdog) Feed(now time.Time) {
	w.mu.Lock()
	w.lastFed = now
	w.mu.Unlock()
}

// Healthy reports whether the loop has fed recently. It is false until
// the first Feed.
func (w *Watchdog) Healthy(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastFed.IsZero() {
		return false
	}
	return now.Sub(w.lastFed) < w.timeout/2
}

// LastFed returns when the loop last checked in.
func (w *Watchdog) LastFed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFed
}
