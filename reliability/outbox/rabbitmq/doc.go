// Package rabbitmq publishes outbox events to a RabbitMQ exchange.
//
// Sink implements outbox.EnvelopeSink over an AMQP channel in confirm mode:
// every publish waits for the broker ack, so a nil return means the broker
// took ownership of the message and the event may be marked processed. A nack,
// a confirm timeout or a closed channel surfaces as an error and the
// dispatcher retries the event.
//
// DeclareTopology and DeclareDLQTopology declare the events exchange and the
// dead-letter exchange/queue pair consumers bind to.
package rabbitmq
