package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/backoff"
	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliability/reliability/opentelemetry"
	"github.com/LerianStudio/lib-reliability/reliability/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultPollInterval is the fixed sleep between acquisition attempts.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultLease is used when TryAcquire is called with a non-positive lease.
	DefaultLease = 30 * time.Second

	maxLockNameLogLength = 128
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for lease deadlines.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if !nilcheck.Interface(c) {
			m.clock = c
		}
	}
}

// WithInstanceID sets the prefix of every token issued by this manager.
func WithInstanceID(id string) Option {
	return func(m *Manager) {
		if id = strings.TrimSpace(id); id != "" {
			m.instanceID = id
		}
	}
}

// WithPollInterval sets the fixed interval between acquisition attempts.
// The interval does not grow between attempts.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// WithDefaultLease sets the lease used when TryAcquire gets a non-positive lease.
func WithDefaultLease(lease time.Duration) Option {
	return func(m *Manager) {
		if lease > 0 {
			m.defaultLease = lease
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

// WithTracer sets the tracer used for lock spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if !nilcheck.Interface(tracer) {
			m.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *Manager) {
		if !nilcheck.Interface(provider) {
			m.meterProvider = provider
		}
	}
}

// Manager implements Locker over an expiring record store. Lease expiry is
// evaluated with the injected clock; waiting uses real time.
type Manager struct {
	store         store.Store[Record]
	clock         clock.Clock
	instanceID    string
	pollInterval  time.Duration
	defaultLease  time.Duration
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       *Metrics
}

var _ Locker = (*Manager)(nil)

// NewManager creates a lock Manager over records.
func NewManager(records store.Store[Record], opts ...Option) (*Manager, error) {
	if nilcheck.Interface(records) {
		return nil, ErrStoreRequired
	}

	m := &Manager{
		store:        records,
		clock:        clock.System{},
		instanceID:   uuid.NewString()[:8],
		pollInterval: DefaultPollInterval,
		defaultLease: DefaultLease,
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("reliability.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	metrics, err := NewMetrics(m.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init lock metrics: %w", err)
	}

	m.metrics = metrics

	return m, nil
}

// InstanceID returns the token prefix of this manager.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// TryAcquire attempts to take name. With wait == 0 it tries exactly once;
// otherwise it retries every poll interval until wait elapses or ctx ends.
// Running out of wait returns acquired == false and a nil error; a cancelled
// ctx returns its error.
func (m *Manager) TryAcquire(ctx context.Context, name string, wait, lease time.Duration) (string, bool, error) {
	if m == nil {
		return "", false, ErrNilLocker
	}

	if strings.TrimSpace(name) == "" {
		return "", false, ErrEmptyLockName
	}

	if lease <= 0 {
		lease = m.defaultLease
	}

	ctx, span := m.tracer.Start(ctx, "lock.try_acquire")
	defer span.End()

	span.SetAttributes(attribute.String("lock.name", name))

	token := m.instanceID + "-" + uuid.NewString()
	started := time.Now()

	attempt := func(context.Context) (bool, error) {
		now := m.clock.Now()
		record := Record{Name: name, Token: token, AcquiredAt: now, ExpiresAt: now.Add(lease)}

		_, inserted, err := m.store.PutIfAbsent(ctx, store.Entry[Record]{
			Key:       name,
			Value:     record,
			ExpiresAt: record.ExpiresAt,
		})

		return inserted, err
	}

	var (
		acquired bool
		err      error
	)

	if wait <= 0 {
		acquired, err = attempt(ctx)
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err = backoff.PollUntil(waitCtx, m.pollInterval, attempt)
		cancel()

		acquired = err == nil

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	}

	m.metrics.RecordAcquire(ctx, started, acquired)

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "lock acquisition failed", err)

		return "", false, fmt.Errorf("try acquire lock: %w", err)
	}

	if !acquired {
		if m.logger.Enabled(log.LevelDebug) {
			m.logger.Log(ctx, log.LevelDebug, "failed to acquire lock", log.String("lock_name", SafeNameForLogs(name)))
		}

		return "", false, nil
	}

	if m.logger.Enabled(log.LevelDebug) {
		m.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_name", SafeNameForLogs(name)))
	}

	return token, true, nil
}

// Release frees name when token matches the live holder. A wrong or stale
// token returns false and logs a warning; it never affects the real holder.
func (m *Manager) Release(ctx context.Context, name, token string) (bool, error) {
	if m == nil {
		return false, ErrNilLocker
	}

	if strings.TrimSpace(name) == "" {
		return false, ErrEmptyLockName
	}

	ctx, span := m.tracer.Start(ctx, "lock.release")
	defer span.End()

	current, ok, err := m.store.Get(ctx, name)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "lock store failed", err)

		return false, fmt.Errorf("release lock: %w", err)
	}

	if !ok || current.Value.Token != token {
		m.logger.Log(ctx, log.LevelWarn, "failed to release lock: token mismatch or lease expired",
			log.String("lock_name", SafeNameForLogs(name)))

		return false, nil
	}

	deleted, err := m.store.CompareAndDelete(ctx, current)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "lock store failed", err)

		return false, fmt.Errorf("release lock: %w", err)
	}

	if !deleted {
		m.logger.Log(ctx, log.LevelWarn, "failed to release lock: holder changed during release",
			log.String("lock_name", SafeNameForLogs(name)))

		return false, nil
	}

	m.metrics.RecordRelease(ctx)

	if m.logger.Enabled(log.LevelDebug) {
		m.logger.Log(ctx, log.LevelDebug, "lock released", log.String("lock_name", SafeNameForLogs(name)))
	}

	return true, nil
}

// Extend moves the lease deadline of name to now + extension when token
// matches the live holder.
func (m *Manager) Extend(ctx context.Context, name, token string, extension time.Duration) (bool, error) {
	if m == nil {
		return false, ErrNilLocker
	}

	if strings.TrimSpace(name) == "" {
		return false, ErrEmptyLockName
	}

	if extension <= 0 {
		return false, ErrInvalidLease
	}

	ctx, span := m.tracer.Start(ctx, "lock.extend")
	defer span.End()

	current, ok, err := m.store.Get(ctx, name)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "lock store failed", err)

		return false, fmt.Errorf("extend lock: %w", err)
	}

	if !ok || current.Value.Token != token {
		m.logger.Log(ctx, log.LevelWarn, "failed to extend lock: token mismatch or lease expired",
			log.String("lock_name", SafeNameForLogs(name)))

		return false, nil
	}

	extended := current.Value
	extended.ExpiresAt = m.clock.Now().Add(extension)

	swapped, err := m.store.CompareAndSwap(ctx, current, store.Entry[Record]{
		Key:       name,
		Value:     extended,
		ExpiresAt: extended.ExpiresAt,
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "lock store failed", err)

		return false, fmt.Errorf("extend lock: %w", err)
	}

	return swapped, nil
}

// Holder returns the live holder record of name.
func (m *Manager) Holder(ctx context.Context, name string) (Record, bool, error) {
	if m == nil {
		return Record{}, false, ErrNilLocker
	}

	entry, ok, err := m.store.Get(ctx, name)
	if err != nil {
		return Record{}, false, fmt.Errorf("lock holder: %w", err)
	}

	return entry.Value, ok, nil
}

// WithLock runs fn while holding name. See ExecuteWithLock.
func (m *Manager) WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(context.Context) error) error {
	if m == nil {
		return ErrNilLocker
	}

	return WithLock(ctx, m, name, wait, lease, fn)
}

// SafeNameForLogs quotes a lock name for logging and truncates long names.
func SafeNameForLogs(name string) string {
	safe := strconv.QuoteToASCII(name)
	if len(safe) <= maxLockNameLogLength {
		return safe
	}

	return safe[:maxLockNameLogLength] + "...(truncated)"
}
