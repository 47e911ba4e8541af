package circuitbreaker

import (
	"sync"
	"time"
)

// slowCallWindow counts slow calls alongside gobreaker's own counts. It is
// reset on every state change and whenever the closed-state interval rolls.
type slowCallWindow struct {
	mu      sync.Mutex
	calls   uint32
	slow    uint32
	started time.Time
}

func (w *slowCallWindow) reset(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls, w.slow, w.started = 0, 0, now
}

func (w *slowCallWindow) record(slow bool, now time.Time, interval time.Duration) (calls, slowCalls uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started.IsZero() || (interval > 0 && now.Sub(w.started) >= interval) {
		w.calls, w.slow, w.started = 0, 0, now
	}

	w.calls++

	if slow {
		w.slow++
	}

	return w.calls, w.slow
}

func (w *slowCallWindow) snapshot() (calls, slowCalls uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.calls, w.slow
}

func slowRatioReached(cfg Config, calls, slowCalls uint32) bool {
	if cfg.SlowCallDuration <= 0 || cfg.SlowCallRatio <= 0 || calls == 0 {
		return false
	}

	if calls < max(cfg.MinRequests, 1) {
		return false
	}

	return float64(slowCalls)/float64(calls) >= cfg.SlowCallRatio
}

func percentage(part, total, minRequests uint32) float64 {
	if total == 0 || total < max(minRequests, 1) {
		return -1
	}

	return float64(part) * 100 / float64(total)
}
