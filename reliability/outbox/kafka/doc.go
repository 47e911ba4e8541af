// Package kafka publishes outbox events to Kafka topics through a
// segmentio/kafka-go writer.
//
// Event types map to topics; unmapped types fall back to a default topic or,
// without one, to the event type itself. PublishEvent keys messages by
// aggregate id so events of one aggregate land on one partition.
package kafka
