package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability"
	"github.com/LerianStudio/lib-reliability/reliability/cron"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/runtime"
)

var (
	// ErrNilPurger is returned when a Reaper is built without a purger.
	ErrNilPurger = errors.New("store: reaper purger is nil")
	// ErrReaperRunning is returned when Run is called on a Reaper that is already running.
	ErrReaperRunning = errors.New("store: reaper is already running")
)

// Reaper periodically purges expired entries. It is optional: stores already
// expire lazily, the reaper only bounds memory held by keys nobody reads again.
type Reaper struct {
	purger   Purger
	schedule cron.Schedule
	logger   log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	running  bool
}

var _ reliability.App = (*Reaper)(nil)

// NewReaper creates a Reaper that calls purger.PurgeExpired at every schedule tick.
func NewReaper(purger Purger, schedule cron.Schedule, logger log.Logger) (*Reaper, error) {
	if nilcheck.Interface(purger) {
		return nil, ErrNilPurger
	}

	if nilcheck.Interface(schedule) {
		return nil, cron.ErrNilSchedule
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Reaper{
		purger:   purger,
		schedule: schedule,
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

// Run purges on schedule until Stop is called.
func (r *Reaper) Run(launcher *reliability.Launcher) error {
	return r.RunContext(context.Background(), launcher)
}

// RunContext purges on schedule until Stop is called or ctx ends.
func (r *Reaper) RunContext(ctx context.Context, _ *reliability.Launcher) error {
	if r == nil {
		return ErrNilPurger
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()

		return ErrReaperRunning
	}

	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	defer runtime.RecoverAndLogWithContext(ctx, r.logger, "store", "reaper_run")

	for {
		next, err := r.schedule.Next(time.Now())
		if err != nil {
			r.logger.Log(ctx, log.LevelError, "reaper schedule exhausted", log.Err(err))

			return err
		}

		timer := time.NewTimer(time.Until(next))

		select {
		case <-r.stop:
			timer.Stop()

			return nil
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}

		_, _ = r.ReapOnce(ctx)
	}
}

// ReapOnce runs a single purge pass.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	removed, err := r.purger.PurgeExpired(ctx)
	if err != nil {
		r.logger.Log(ctx, log.LevelWarn, "expired record purge failed", log.Err(err))

		return removed, err
	}

	if removed > 0 && r.logger.Enabled(log.LevelDebug) {
		r.logger.Log(ctx, log.LevelDebug, "expired records purged", log.Int("removed", removed))
	}

	return removed, nil
}

// Stop ends the run loop. It is safe to call more than once.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}

	r.stopOnce.Do(func() { close(r.stop) })
}
