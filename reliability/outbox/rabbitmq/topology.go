package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
)

const (
	DefaultExchangeType = amqp.ExchangeTopic
	DefaultDLXExchange  = "outbox.events.dlx"
	DefaultDLQName      = "outbox.events.dlq"
	defaultBindingKey   = "#"
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQConfig names the dead-letter exchange and queue.
type DLQConfig struct {
	Exchange     string
	ExchangeType string
	Queue        string
	BindingKey   string
	MessageTTL   time.Duration
	MaxLength    int64
}

// DLQOption configures DeclareDLQTopology.
type DLQOption func(*DLQConfig)

// WithDLXExchange overrides the dead-letter exchange name.
func WithDLXExchange(name string) DLQOption {
	return func(cfg *DLQConfig) {
		if name != "" {
			cfg.Exchange = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) DLQOption {
	return func(cfg *DLQConfig) {
		if name != "" {
			cfg.Queue = name
		}
	}
}

// WithDLQBindingKey overrides the key binding the queue to the exchange.
func WithDLQBindingKey(key string) DLQOption {
	return func(cfg *DLQConfig) {
		if key != "" {
			cfg.BindingKey = key
		}
	}
}

// WithDLQMessageTTL expires dead letters after ttl (x-message-ttl).
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQConfig) {
		if ttl > 0 {
			cfg.MessageTTL = ttl
		}
	}
}

// WithDLQMaxLength bounds the dead-letter queue (x-max-length).
func WithDLQMaxLength(n int64) DLQOption {
	return func(cfg *DLQConfig) {
		if n > 0 {
			cfg.MaxLength = n
		}
	}
}

// DefaultDLQConfig returns the default dead-letter topology.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		Exchange:     DefaultDLXExchange,
		ExchangeType: DefaultExchangeType,
		Queue:        DefaultDLQName,
		BindingKey:   defaultBindingKey,
	}
}

func (cfg DLQConfig) queueArgs() amqp.Table {
	args := amqp.Table{}

	if cfg.MessageTTL > 0 {
		args["x-message-ttl"] = max(cfg.MessageTTL.Milliseconds(), 1)
	}

	if cfg.MaxLength > 0 {
		args["x-max-length"] = cfg.MaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareExchange declares the durable exchange the sink publishes to.
func DeclareExchange(ch TopologyChannel, name, kind string) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare exchange: %w", ErrChannelRequired)
	}

	if kind == "" {
		kind = DefaultExchangeType
	}

	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}

	return nil
}

// DeclareDLQTopology declares a durable dead-letter exchange and a queue bound
// to it, and returns the config used.
func DeclareDLQTopology(ch TopologyChannel, opts ...DLQOption) (DLQConfig, error) {
	if nilcheck.Interface(ch) {
		return DLQConfig{}, fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	cfg := DefaultDLQConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := DeclareExchange(ch, cfg.Exchange, cfg.ExchangeType); err != nil {
		return DLQConfig{}, err
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, cfg.queueArgs()); err != nil {
		return DLQConfig{}, fmt.Errorf("declare dlq %s: %w", cfg.Queue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.BindingKey, cfg.Exchange, false, nil); err != nil {
		return DLQConfig{}, fmt.Errorf("bind dlq %s to %s: %w", cfg.Queue, cfg.Exchange, err)
	}

	return cfg, nil
}

// DeadLetterArgs returns the queue arguments that route rejected or expired
// messages of a consumer queue to dlx.
func DeadLetterArgs(dlx string) amqp.Table {
	if dlx == "" {
		dlx = DefaultDLXExchange
	}

	return amqp.Table{"x-dead-letter-exchange": dlx}
}
