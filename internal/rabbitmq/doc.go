// Package rabbitmq manages the AMQP connection used by the RabbitMQ
// transport.
//
// ConnectionManager dials the broker, watches the connection for closure
// and redials with exponential backoff, notifying ConnectionStateListeners
// of every state change so channels and consumers can be re-established.
// Channel and Connection narrow the amqp091-go types to what the transport
// uses, which keeps both replaceable in tests.
package rabbitmq
