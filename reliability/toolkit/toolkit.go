package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-reliability/reliability"
	"github.com/LerianStudio/lib-reliability/reliability/circuitbreaker"
	"github.com/LerianStudio/lib-reliability/reliability/clock"
	"github.com/LerianStudio/lib-reliability/reliability/codec"
	"github.com/LerianStudio/lib-reliability/reliability/cron"
	"github.com/LerianStudio/lib-reliability/reliability/errgroup"
	"github.com/LerianStudio/lib-reliability/reliability/fallback"
	"github.com/LerianStudio/lib-reliability/reliability/idempotency"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/lock"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/outbox"
	libRedis "github.com/LerianStudio/lib-reliability/reliability/redis"
	"github.com/LerianStudio/lib-reliability/reliability/store"
)

// ErrNilToolkit is returned when a method is called on a nil Toolkit.
var ErrNilToolkit = errors.New("toolkit: toolkit is nil")

// Option configures New.
type Option func(*options)

type options struct {
	clock         clock.Clock
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	sink          outbox.EventSink
	outboxRepo    outbox.Repository
	redisClient   libRedis.ClientProvider
}

// WithClock sets the clock shared by every coordinator.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if !nilcheck.Interface(c) {
			o.clock = c
		}
	}
}

// WithLogger sets the logger shared by every coordinator.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if !nilcheck.Interface(logger) {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer shared by every coordinator.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if !nilcheck.Interface(tracer) {
			o.tracer = tracer
		}
	}
}

// WithMeterProvider sets the provider for every coordinator's instruments.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		if !nilcheck.Interface(provider) {
			o.meterProvider = provider
		}
	}
}

// WithEventSink sends outbox events without a registered handler to sink.
func WithEventSink(sink outbox.EventSink) Option {
	return func(o *options) {
		if !nilcheck.Interface(sink) {
			o.sink = sink
		}
	}
}

// WithOutboxRepository replaces the in-memory outbox repository, typically
// with one that shares the business transaction.
func WithOutboxRepository(repo outbox.Repository) Option {
	return func(o *options) {
		if !nilcheck.Interface(repo) {
			o.outboxRepo = repo
		}
	}
}

// WithRedisClient makes BackendRedis use client instead of dialing
// Config.Redis. The caller keeps ownership: Shutdown does not close it.
func WithRedisClient(client libRedis.ClientProvider) Option {
	return func(o *options) {
		if !nilcheck.Interface(client) {
			o.redisClient = client
		}
	}
}

// Toolkit holds the wired coordinators. Each one keeps its own keyspace.
type Toolkit struct {
	Idempotency *idempotency.Coordinator
	Locks       lock.Locker
	Outbox      *outbox.Outbox
	Breakers    circuitbreaker.Manager
	Fallback    *fallback.Coordinator

	cfg          Config
	logger       log.Logger
	reaper       *store.Reaper
	purgers      store.Purgers
	ownedRedis   *libRedis.Client
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ reliability.App = (*Toolkit)(nil)

// New validates cfg and builds every coordinator on the configured backend.
func New(ctx context.Context, cfg Config, opts ...Option) (*Toolkit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		clock:  clock.System{},
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("reliability.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	tk := &Toolkit{cfg: cfg, logger: o.logger}

	var (
		records store.Store[idempotency.Record]
		cache   store.Store[json.RawMessage]
		err     error
	)

	switch cfg.Backend {
	case BackendRedis:
		records, cache, err = tk.buildRedis(ctx, cfg, o)
	default:
		records, cache, err = tk.buildMemory(cfg, o)
	}

	if err != nil {
		_ = tk.closeRedis()

		return nil, err
	}

	if err := tk.buildCoordinators(cfg, o, records, cache); err != nil {
		_ = tk.closeRedis()

		return nil, err
	}

	if err := tk.buildReaper(cfg); err != nil {
		_ = tk.closeRedis()

		return nil, err
	}

	o.logger.Log(ctx, log.LevelInfo, "reliability toolkit ready",
		log.String("backend", cfg.Backend),
		log.Bool("reaper", tk.reaper != nil))

	return tk, nil
}

func (tk *Toolkit) buildMemory(cfg Config, o options) (store.Store[idempotency.Record], store.Store[json.RawMessage], error) {
	records := store.NewMemory[idempotency.Record](store.WithClock(o.clock))
	cache := store.NewMemory[json.RawMessage](store.WithClock(o.clock))
	lockRecords := store.NewMemory[lock.Record](store.WithClock(o.clock))

	locks, err := lock.NewManager(lockRecords,
		lock.WithClock(o.clock),
		lock.WithDefaultLease(cfg.LockLease),
		lock.WithPollInterval(cfg.LockPollInterval),
		lock.WithLogger(o.logger),
		lock.WithTracer(o.tracer),
		lock.WithMeterProvider(o.meterProvider),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build lock manager: %w", err)
	}

	tk.Locks = locks
	tk.purgers = store.Purgers{records, cache, lockRecords}

	return records, cache, nil
}

func (tk *Toolkit) buildRedis(ctx context.Context, cfg Config, o options) (store.Store[idempotency.Record], store.Store[json.RawMessage], error) {
	client := o.redisClient

	if client == nil {
		redisCfg := libRedis.Config{
			Topology: libRedis.Topology{
				Standalone: &libRedis.StandaloneTopology{Address: strings.TrimSpace(cfg.Redis.Address)},
			},
			Options:       libRedis.ConnectionOptions{DB: cfg.Redis.DB},
			Logger:        o.logger,
			MeterProvider: o.meterProvider,
		}

		if cfg.Redis.Password != "" {
			redisCfg.Auth.StaticPassword = &libRedis.StaticPasswordAuth{
				Username: cfg.Redis.Username,
				Password: cfg.Redis.Password,
			}
		}

		owned, err := libRedis.New(ctx, redisCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}

		tk.ownedRedis = owned
		client = owned
	}

	storeOpts := []libRedis.StoreOption{
		libRedis.WithStoreClock(o.clock),
		libRedis.WithStoreLogger(o.logger),
	}

	records, err := libRedis.NewStore[idempotency.Record](client, cfg.KeyPrefix+":idempotency", codec.JSON{}, storeOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("build idempotency store: %w", err)
	}

	cache, err := libRedis.NewStore[json.RawMessage](client, cfg.KeyPrefix+":fallback", codec.JSON{}, storeOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("build fallback cache: %w", err)
	}

	locks, err := libRedis.NewLockManager(client,
		libRedis.WithLockKeyPrefix(cfg.KeyPrefix+":lock:"),
		libRedis.WithLockDefaultLease(cfg.LockLease),
		libRedis.WithLockPollInterval(cfg.LockPollInterval),
		libRedis.WithLockLogger(o.logger),
		libRedis.WithLockTracer(o.tracer),
		libRedis.WithLockMeterProvider(o.meterProvider),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build lock manager: %w", err)
	}

	tk.Locks = locks
	tk.purgers = store.Purgers{records, cache}

	return records, cache, nil
}

func (tk *Toolkit) buildCoordinators(
	cfg Config,
	o options,
	records store.Store[idempotency.Record],
	cache store.Store[json.RawMessage],
) error {
	var err error

	tk.Idempotency, err = idempotency.NewCoordinator(records,
		idempotency.WithClock(o.clock),
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLogger(o.logger),
		idempotency.WithTracer(o.tracer),
		idempotency.WithMeterProvider(o.meterProvider),
	)
	if err != nil {
		return fmt.Errorf("build idempotency coordinator: %w", err)
	}

	repo := o.outboxRepo
	if repo == nil {
		repo = outbox.NewMemoryRepository(outbox.WithMemoryClock(o.clock))
	}

	// Archived events age out with the rest of the records.
	if purger, ok := repo.(store.Purger); ok {
		tk.purgers = append(tk.purgers, purger)
	}

	outboxOpts := []outbox.Option{
		outbox.WithClock(o.clock),
		outbox.WithLogger(o.logger),
		outbox.WithTracer(o.tracer),
		outbox.WithMeterProvider(o.meterProvider),
		outbox.WithDispatcherOptions(
			outbox.WithMaxRetries(cfg.OutboxMaxRetries),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithDispatchInterval(cfg.OutboxInterval),
		),
	}

	if o.sink != nil {
		outboxOpts = append(outboxOpts, outbox.WithEventSink(o.sink))
	}

	tk.Outbox, err = outbox.New(repo, nil, outboxOpts...)
	if err != nil {
		return fmt.Errorf("build outbox: %w", err)
	}

	tk.Breakers, err = circuitbreaker.NewManager(o.logger,
		circuitbreaker.WithDefaultConfig(cfg.circuitBreakerConfig()),
		circuitbreaker.WithMeterProvider(o.meterProvider),
	)
	if err != nil {
		return fmt.Errorf("build circuit breakers: %w", err)
	}

	tk.Fallback, err = fallback.NewCoordinator(tk.Breakers, cache,
		fallback.WithClock(o.clock),
		fallback.WithLogger(o.logger),
		fallback.WithTracer(o.tracer),
		fallback.WithMeterProvider(o.meterProvider),
	)
	if err != nil {
		return fmt.Errorf("build fallback coordinator: %w", err)
	}

	return nil
}

func (tk *Toolkit) buildReaper(cfg Config) error {
	var schedule cron.Schedule

	switch {
	case strings.TrimSpace(cfg.ReaperSchedule) != "":
		parsed, err := cron.ParseSchedule(cfg.ReaperSchedule)
		if err != nil {
			return fmt.Errorf("%w: reaper schedule: %w", ErrInvalidConfig, err)
		}

		schedule = parsed
	case cfg.ReaperInterval > 0:
		schedule = cron.Every(cfg.ReaperInterval)
	default:
		return nil
	}

	reaper, err := store.NewReaper(tk.purgers, schedule, tk.logger)
	if err != nil {
		return fmt.Errorf("build reaper: %w", err)
	}

	tk.reaper = reaper

	return nil
}

// Config returns the configuration the toolkit was built with.
func (tk *Toolkit) Config() Config {
	if tk == nil {
		return Config{}
	}

	return tk.cfg
}

// Reaper returns the expired record reaper, or nil when it is disabled.
func (tk *Toolkit) Reaper() *store.Reaper {
	if tk == nil {
		return nil
	}

	return tk.reaper
}

// Run starts the outbox dispatcher and the reaper and blocks until both
// stop. It satisfies reliability.App.
func (tk *Toolkit) Run(launcher *reliability.Launcher) error {
	return tk.RunContext(context.Background(), launcher)
}

// RunContext is Run bounded by ctx. When one background loop fails the
// other is stopped too.
func (tk *Toolkit) RunContext(ctx context.Context, launcher *reliability.Launcher) error {
	if tk == nil || tk.Outbox == nil {
		return ErrNilToolkit
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(tk.logger)

	group.Go(func() error {
		return tk.Outbox.Dispatcher().RunContext(groupCtx, launcher)
	})

	if tk.reaper != nil {
		group.Go(func() error {
			return tk.reaper.RunContext(groupCtx, launcher)
		})
	}

	return group.Wait()
}

// Shutdown stops the dispatcher (letting the in-flight batch finish) and the
// reaper concurrently, then closes the Redis client New dialed. Later calls
// return the first result.
func (tk *Toolkit) Shutdown(ctx context.Context) error {
	if tk == nil {
		return ErrNilToolkit
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tk.shutdownOnce.Do(func() {
		var group errgroup.Group

		group.SetLogger(tk.logger)

		if tk.Outbox != nil {
			group.Go(func() error {
				return tk.Outbox.Dispatcher().Shutdown(ctx)
			})
		}

		if tk.reaper != nil {
			group.Go(func() error {
				tk.reaper.Stop()

				return nil
			})
		}

		err := group.Wait()

		if closeErr := tk.closeRedis(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}

		if err != nil {
			tk.logger.Log(ctx, log.LevelError, "reliability toolkit shutdown failed", log.Err(err))
		}

		tk.shutdownErr = err
	})

	return tk.shutdownErr
}

func (tk *Toolkit) closeRedis() error {
	if tk.ownedRedis == nil {
		return nil
	}

	client := tk.ownedRedis
	tk.ownedRedis = nil

	if err := client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}

	return nil
}
