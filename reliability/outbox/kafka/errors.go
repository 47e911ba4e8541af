package kafka

import "errors"

var (
	ErrWriterRequired  = errors.New("kafka: writer is required")
	ErrSinkRequired    = errors.New("kafka: sink is required")
	ErrBrokersRequired = errors.New("kafka: at least one broker is required")
	ErrTopicRequired   = errors.New("kafka: topic is required")
)
