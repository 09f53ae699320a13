// Package rabbitmq supervises the RabbitMQ connection for the intake
// consumer.
//
// This package includes:
//   - Supervisor: owns one logical broker connection with automatic
//     reconnection, TLS handshake, and bounded jittered backoff
//   - State: the Disconnected/Connecting/Connected/ShuttingDown lifecycle
//   - StateListener: connection state change notifications used by the
//     queue binding to re-subscribe after a reconnect
//
// The supervisor never hands out the raw connection; consumers open
// channels through Channel() so a reconnect invalidates them all at once.
package rabbitmq
