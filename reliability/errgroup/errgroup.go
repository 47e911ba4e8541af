package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/runtime"
)

// ErrPanicRecovered wraps panics recovered from group goroutines.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group is a set of goroutines sharing a context. The zero value is usable
// and never cancels.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	logger log.Logger
}

// WithContext returns a Group and a context cancelled when the first
// goroutine fails or Wait returns.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets the logger used for recovered panics.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// Go runs fn in a new goroutine. A panic in fn is recovered and recorded as
// an error wrapping ErrPanicRecovered.
func (grp *Group) Go(fn func() error) {
	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.context(), grp.logger, recovered, "errgroup", "group.Go")
				grp.record(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.record(err)
		}
	}()
}

// Wait blocks until every goroutine returns and returns their errors joined
// in completion order, or nil.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	grp.mu.Lock()
	defer grp.mu.Unlock()

	return errors.Join(grp.errs...)
}

func (grp *Group) record(err error) {
	grp.mu.Lock()
	first := len(grp.errs) == 0
	grp.errs = append(grp.errs, err)
	grp.mu.Unlock()

	if first && grp.cancel != nil {
		grp.cancel()
	}
}

func (grp *Group) context() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}
