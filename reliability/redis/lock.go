package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/assert"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/lock"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliability/reliability/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultLockKeyPrefix namespaces lock keys.
	DefaultLockKeyPrefix = "lock:"
	// DefaultLockDriftFactor accounts for clock drift between nodes.
	DefaultLockDriftFactor = 0.01
)

var (
	// ErrNilLockManager is returned when a method is called on a nil LockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrLockDriftFactorInvalid is returned when drift factor is outside [0, 1).
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
)

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockKeyPrefix sets the prefix prepended to every lock name.
func WithLockKeyPrefix(prefix string) LockOption {
	return func(m *LockManager) {
		m.keyPrefix = prefix
	}
}

// WithLockInstanceID sets the prefix of every token issued by the manager.
func WithLockInstanceID(id string) LockOption {
	return func(m *LockManager) {
		if id = strings.TrimSpace(id); id != "" {
			m.instanceID = id
		}
	}
}

// WithLockPollInterval sets the fixed delay between acquisition attempts.
func WithLockPollInterval(interval time.Duration) LockOption {
	return func(m *LockManager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// WithLockDefaultLease sets the lease used when TryAcquire gets a non-positive lease.
func WithLockDefaultLease(lease time.Duration) LockOption {
	return func(m *LockManager) {
		if lease > 0 {
			m.defaultLease = lease
		}
	}
}

// WithLockDriftFactor sets the RedLock clock drift factor.
func WithLockDriftFactor(factor float64) LockOption {
	return func(m *LockManager) {
		m.driftFactor = factor
	}
}

// WithLockLogger sets the manager logger.
func WithLockLogger(logger log.Logger) LockOption {
	return func(m *LockManager) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

// WithLockTracer sets the tracer used for lock spans.
func WithLockTracer(tracer trace.Tracer) LockOption {
	return func(m *LockManager) {
		if !nilcheck.Interface(tracer) {
			m.tracer = tracer
		}
	}
}

// WithLockMeterProvider overrides the global meter provider.
func WithLockMeterProvider(provider metric.MeterProvider) LockOption {
	return func(m *LockManager) {
		if !nilcheck.Interface(provider) {
			m.meterProvider = provider
		}
	}
}

// LockManager implements lock.Locker with the RedLock algorithm. The redsync
// mutex value is the holder token, so Release and Extend only succeed for
// the token TryAcquire returned. Lease expiry follows the Redis server clock.
//
// Example:
//
//	locks, err := redis.NewLockManager(client, redis.WithLockInstanceID("worker-1"))
//	if err != nil {
//	    return err
//	}
//
//	err = lock.WithLock(ctx, locks, "report:daily", time.Second, 30*time.Second, func(ctx context.Context) error {
//	    return generateReport(ctx)
//	})
type LockManager struct {
	client        ClientProvider
	redsync       *redsync.Redsync
	keyPrefix     string
	instanceID    string
	pollInterval  time.Duration
	defaultLease  time.Duration
	driftFactor   float64
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       *lock.Metrics
}

var _ lock.Locker = (*LockManager)(nil)

// clientPool implements the redsync pool with lazy client resolution so the
// pool survives reconnections of the underlying Client.
type clientPool struct {
	conn ClientProvider
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// nilLockAssert fires a nil-receiver assertion and returns an error.
func nilLockAssert(ctx context.Context, operation string) error {
	a := assert.New(ctx, log.NewNop(), "redis.LockManager", operation)
	_ = a.Never(ctx, "nil receiver on *redis.LockManager")

	return ErrNilLockManager
}

// NewLockManager creates a distributed lock manager over client.
func NewLockManager(client ClientProvider, opts ...LockOption) (*LockManager, error) {
	if nilcheck.Interface(client) {
		return nil, ErrNilClient
	}

	m := &LockManager{
		client:       client,
		keyPrefix:    DefaultLockKeyPrefix,
		instanceID:   uuid.NewString()[:8],
		pollInterval: lock.DefaultPollInterval,
		defaultLease: lock.DefaultLease,
		driftFactor:  DefaultLockDriftFactor,
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("reliability.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.driftFactor < 0 || m.driftFactor >= 1 {
		return nil, ErrLockDriftFactorInvalid
	}

	metrics, err := lock.NewMetrics(m.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init lock metrics: %w", err)
	}

	m.metrics = metrics
	m.redsync = redsync.New(&clientPool{conn: client})

	return m, nil
}

// InstanceID returns the token prefix of this manager.
func (m *LockManager) InstanceID() string {
	return m.instanceID
}

// TryAcquire attempts to take name. With wait == 0 it tries exactly once;
// otherwise it retries every poll interval until wait elapses or ctx ends.
func (m *LockManager) TryAcquire(ctx context.Context, name string, wait, lease time.Duration) (string, bool, error) {
	if m == nil {
		return "", false, nilLockAssert(ctx, "TryAcquire")
	}

	if strings.TrimSpace(name) == "" {
		return "", false, lock.ErrEmptyLockName
	}

	if lease <= 0 {
		lease = m.defaultLease
	}

	ctx, span := m.tracer.Start(ctx, "redis.lock.try_acquire")
	defer span.End()

	span.SetAttributes(attribute.String("lock.name", name))

	token := m.instanceID + "-" + uuid.NewString()
	started := time.Now()

	tries := 1
	attemptCtx := ctx

	if wait > 0 {
		// One extra try so the deadline, not the try budget, ends the wait.
		tries = int(wait/m.pollInterval) + 2

		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	mutex := m.redsync.NewMutex(
		m.keyPrefix+name,
		redsync.WithExpiry(lease),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(m.pollInterval),
		redsync.WithDriftFactor(m.driftFactor),
		redsync.WithGenValueFunc(func() (string, error) { return token, nil }),
	)

	err := mutex.LockContext(attemptCtx)
	acquired := err == nil

	m.metrics.RecordAcquire(ctx, started, acquired)

	if err != nil {
		if ctx.Err() != nil {
			libOpentelemetry.HandleSpanError(span, "lock acquisition cancelled", ctx.Err())

			return "", false, fmt.Errorf("try acquire lock: %w", ctx.Err())
		}

		if !isLockContention(err) && attemptCtx.Err() == nil {
			m.logger.Log(ctx, log.LevelError, "failed to acquire lock",
				log.String("lock_name", lock.SafeNameForLogs(name)), log.Err(err))
			libOpentelemetry.HandleSpanError(span, "lock acquisition failed", err)

			return "", false, fmt.Errorf("try acquire lock %s: %w", lock.SafeNameForLogs(name), err)
		}

		if m.logger.Enabled(log.LevelDebug) {
			m.logger.Log(ctx, log.LevelDebug, "lock already held by another process",
				log.String("lock_name", lock.SafeNameForLogs(name)))
		}

		return "", false, nil
	}

	if m.logger.Enabled(log.LevelDebug) {
		m.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_name", lock.SafeNameForLogs(name)))
	}

	return token, true, nil
}

// Release frees name when token is the live holder's token.
func (m *LockManager) Release(ctx context.Context, name, token string) (bool, error) {
	if m == nil {
		return false, nilLockAssert(ctx, "Release")
	}

	if strings.TrimSpace(name) == "" {
		return false, lock.ErrEmptyLockName
	}

	ctx, span := m.tracer.Start(ctx, "redis.lock.release")
	defer span.End()

	mutex := m.redsync.NewMutex(m.keyPrefix+name, redsync.WithValue(token))

	ok, err := mutex.UnlockContext(ctx)
	if !ok {
		if err != nil && !isLockContention(err) && !errors.Is(err, redsync.ErrLockAlreadyExpired) {
			libOpentelemetry.HandleSpanError(span, "lock release failed", err)

			return false, fmt.Errorf("release lock: %w", err)
		}

		m.logger.Log(ctx, log.LevelWarn, "failed to release lock: token mismatch or lease expired",
			log.String("lock_name", lock.SafeNameForLogs(name)))

		return false, nil
	}

	m.metrics.RecordRelease(ctx)

	if m.logger.Enabled(log.LevelDebug) {
		m.logger.Log(ctx, log.LevelDebug, "lock released", log.String("lock_name", lock.SafeNameForLogs(name)))
	}

	return true, nil
}

// Extend resets the lease of name to extension when token is the live holder's token.
func (m *LockManager) Extend(ctx context.Context, name, token string, extension time.Duration) (bool, error) {
	if m == nil {
		return false, nilLockAssert(ctx, "Extend")
	}

	if strings.TrimSpace(name) == "" {
		return false, lock.ErrEmptyLockName
	}

	if extension <= 0 {
		return false, lock.ErrInvalidLease
	}

	ctx, span := m.tracer.Start(ctx, "redis.lock.extend")
	defer span.End()

	mutex := m.redsync.NewMutex(
		m.keyPrefix+name,
		redsync.WithValue(token),
		redsync.WithExpiry(extension),
		redsync.WithDriftFactor(m.driftFactor),
	)

	ok, err := mutex.ExtendContext(ctx)
	if ok {
		return true, nil
	}

	if err != nil && !isLockContention(err) && !errors.Is(err, redsync.ErrExtendFailed) {
		libOpentelemetry.HandleSpanError(span, "lock extend failed", err)

		return false, fmt.Errorf("extend lock: %w", err)
	}

	m.logger.Log(ctx, log.LevelWarn, "failed to extend lock: token mismatch or lease expired",
		log.String("lock_name", lock.SafeNameForLogs(name)))

	return false, nil
}

// Holder returns the token and lease deadline of the live holder of name.
// AcquiredAt is not tracked by Redis and stays zero.
func (m *LockManager) Holder(ctx context.Context, name string) (lock.Record, bool, error) {
	if m == nil {
		return lock.Record{}, false, nilLockAssert(ctx, "Holder")
	}

	rdb, err := m.client.GetClient(ctx)
	if err != nil {
		return lock.Record{}, false, fmt.Errorf("lock holder: %w", err)
	}

	key := m.keyPrefix + name

	pipe := rdb.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return lock.Record{}, false, fmt.Errorf("lock holder: %w", err)
	}

	token, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return lock.Record{}, false, nil
	}

	if err != nil {
		return lock.Record{}, false, fmt.Errorf("lock holder: %w", err)
	}

	record := lock.Record{Name: name, Token: token}
	if remaining := ttl.Val(); remaining > 0 {
		record.ExpiresAt = time.Now().Add(remaining).UTC()
	}

	return record, true, nil
}

// WithLock runs fn while holding name. See lock.ExecuteWithLock.
func (m *LockManager) WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(context.Context) error) error {
	if m == nil {
		return nilLockAssert(ctx, "WithLock")
	}

	return lock.WithLock(ctx, m, name, wait, lease, fn)
}

// isLockContention reports whether err means another holder owns the lock.
func isLockContention(err error) bool {
	var (
		taken     *redsync.ErrTaken
		nodeTaken *redsync.ErrNodeTaken
	)

	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken)
}
