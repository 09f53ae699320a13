// Package consume implements the consumption side of one queue: a
// QueueBinding that declares the queue and holds the single subscription,
// and a DeliveryDispatcher that invokes the user handler per message and
// decides the acknowledgment.
//
// Deliveries are processed strictly in receipt order with one in-flight
// message per binding. Handlers are never invoked concurrently on the
// same binding, and a message is never acknowledged before its handler
// returns. Handler failures map to a Nack decision (requeue by default)
// and never terminate the dispatch loop.
package consume
