// Package amqp adapts an AMQP 0-9-1 broker to the messaging transport ports.
//
// The mapping onto queue semantics:
//   - Publish sends to a fanout exchange named after the topic and returns
//     the generated message id, which becomes the correlation identifier.
//   - Pull uses basic.get with manual acknowledgement. An unacknowledged
//     delivery is hidden from other pulls, which stands in for the
//     visibility lease.
//   - DeleteBatch acknowledges deliveries.
//   - ChangeVisibilityBatch with a zero timeout nacks deliveries with
//     requeue, making them immediately re-pullable. Non-zero timeouts have
//     no AMQP equivalent and are ignored.
package amqp
