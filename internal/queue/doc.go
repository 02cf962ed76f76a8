// Package queue provides the transport the pipeline coordinator moves
// messages through: at-least-once delivery with a per-message visibility
// timeout, idempotent delete, dead-lettering, and approximate depth counts
// for autoscale signaling.
//
// Two transports implement the Queue interface. PebbleQueue is the embedded
// default, persisting messages in the shared Pebble store:
//
//	cv/q/{queue}/meta                       lastSeq (8B) | live count (4B)
//	cv/q/{queue}/msg/{seq}                  envelope (crc-framed wire bytes)
//	cv/q/{queue}/state/{seq}                dequeueCount | enqueuedMs | visibleAtMs
//	cv/q/{queue}/ready/{seq}                visible-message index (FIFO)
//	cv/q/{queue}/invis/{visibleAtMs}/{seq}  in-flight index, scanned for expiry
//	cv/q/{queue}/dlq/{seq}                  dead-lettered envelope (reason in header)
//
// Messages move ready -> invis on Receive and back on visibility expiry, so a
// consumer crash redelivers after the timeout with the dequeue count bumped.
// AMQPQueue adapts the same contract to a RabbitMQ broker for deployments
// where worker replicas do not share a filesystem.
//
// The queue carries no business logic: ordering inside a queue is FIFO and
// priority is applied upstream, at selection time, by whoever enqueues.
package queue
