package toolkit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LerianStudio/lib-reliability/reliability"
	"github.com/LerianStudio/lib-reliability/reliability/circuitbreaker"
	"github.com/LerianStudio/lib-reliability/reliability/idempotency"
	"github.com/LerianStudio/lib-reliability/reliability/lock"
	"github.com/LerianStudio/lib-reliability/reliability/outbox"
)

const (
	// BackendMemory keeps every record in process.
	BackendMemory = "memory"
	// BackendRedis keeps idempotency records and the fallback cache in Redis
	// and takes locks through redsync.
	BackendRedis = "redis"

	// DefaultKeyPrefix namespaces every key written by the toolkit.
	DefaultKeyPrefix = "reliability"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("toolkit: invalid config")

// Config holds every tunable of the toolkit. Fields are read from the
// environment by LoadConfig.
type Config struct {
	Backend   string `env:"RELIABILITY_BACKEND"    validate:"oneof=memory redis"`
	KeyPrefix string `env:"RELIABILITY_KEY_PREFIX" validate:"required,max=64,excludesall={}"`

	IdempotencyTTL time.Duration `env:"RELIABILITY_IDEMPOTENCY_TTL" validate:"gt=0"`

	LockLease        time.Duration `env:"RELIABILITY_LOCK_LEASE"         validate:"gt=0"`
	LockPollInterval time.Duration `env:"RELIABILITY_LOCK_POLL_INTERVAL" validate:"gt=0"`

	OutboxMaxRetries int           `env:"RELIABILITY_OUTBOX_MAX_RETRIES" validate:"gte=1"`
	OutboxBatchSize  int           `env:"RELIABILITY_OUTBOX_BATCH_SIZE"  validate:"gte=1,lte=10000"`
	OutboxInterval   time.Duration `env:"RELIABILITY_OUTBOX_INTERVAL"    validate:"gt=0"`

	// ReaperInterval enables the expired record reaper when positive. Zero
	// leaves expiry lazy.
	ReaperInterval time.Duration `env:"RELIABILITY_REAPER_INTERVAL" validate:"gte=0"`
	// ReaperSchedule is a cron expression or "@every <duration>" that takes
	// precedence over ReaperInterval.
	ReaperSchedule string `env:"RELIABILITY_REAPER_SCHEDULE"`

	Breaker BreakerConfig
	Redis   RedisConfig
}

// BreakerConfig is the default configuration of breakers created by name.
type BreakerConfig struct {
	Timeout          time.Duration `env:"RELIABILITY_BREAKER_TIMEOUT"            validate:"gt=0"`
	FailureRatio     float64       `env:"RELIABILITY_BREAKER_FAILURE_RATIO"      validate:"gte=0,lte=1"`
	MinRequests      uint32        `env:"RELIABILITY_BREAKER_MIN_REQUESTS"`
	SlowCallDuration time.Duration `env:"RELIABILITY_BREAKER_SLOW_CALL_DURATION" validate:"gte=0"`
	SlowCallRatio    float64       `env:"RELIABILITY_BREAKER_SLOW_CALL_RATIO"    validate:"gte=0,lte=1"`
}

// RedisConfig locates the Redis server used by BackendRedis.
type RedisConfig struct {
	Address  string `env:"RELIABILITY_REDIS_ADDRESS"`
	Username string `env:"RELIABILITY_REDIS_USERNAME"`
	Password string `env:"RELIABILITY_REDIS_PASSWORD"`
	DB       int    `env:"RELIABILITY_REDIS_DB" validate:"gte=0"`
}

// DefaultConfig returns the defaults used when no environment override is set.
func DefaultConfig() Config {
	breaker := circuitbreaker.DefaultConfig()

	return Config{
		Backend:          BackendMemory,
		KeyPrefix:        DefaultKeyPrefix,
		IdempotencyTTL:   idempotency.DefaultTTL,
		LockLease:        lock.DefaultLease,
		LockPollInterval: lock.DefaultPollInterval,
		OutboxMaxRetries: outbox.DefaultMaxRetries,
		OutboxBatchSize:  outbox.DefaultBatchSize,
		OutboxInterval:   outbox.DefaultDispatchInterval,
		Breaker: BreakerConfig{
			Timeout:          breaker.Timeout,
			FailureRatio:     breaker.FailureRatio,
			MinRequests:      breaker.MinRequests,
			SlowCallDuration: breaker.SlowCallDuration,
			SlowCallRatio:    breaker.SlowCallRatio,
		},
	}
}

// LoadConfig starts from DefaultConfig, applies the environment (and a local
// .env file when ENV_NAME is local) and validates the result.
func LoadConfig() (Config, error) {
	reliability.InitLocalEnvConfig()

	cfg := DefaultConfig()

	if err := reliability.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks every field. Failures wrap ErrInvalidConfig and
// validator.ValidationErrors.
func (c Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

func (c Config) circuitBreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.Timeout = c.Breaker.Timeout
	cfg.FailureRatio = c.Breaker.FailureRatio
	cfg.MinRequests = c.Breaker.MinRequests
	cfg.SlowCallDuration = c.Breaker.SlowCallDuration
	cfg.SlowCallRatio = c.Breaker.SlowCallRatio

	return cfg
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = initValidator()
	})

	return validate
}

// initValidator adds the cross-field rule that BackendRedis needs an address.
func initValidator() *validator.Validate {
	vld := validator.New(validator.WithRequiredStructEnabled())

	vld.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg, ok := sl.Current().Interface().(Config)
		if !ok {
			return
		}

		if cfg.Backend == BackendRedis && strings.TrimSpace(cfg.Redis.Address) == "" {
			sl.ReportError(cfg.Redis.Address, "Address", "Address", "required_for_redis_backend", "")
		}
	}, Config{})

	return vld
}
