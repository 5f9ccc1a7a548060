// Package natsqueue backs the identity pool with a NATS JetStream work-queue
// stream.
//
// The stream uses WorkQueuePolicy retention, so a message leaves the stream
// once it is acknowledged. Dequeue pulls from a single durable consumer with
// explicit acknowledgement; an unacknowledged message is redelivered after the
// consumer's AckWait, which gives the same at-least-once visibility semantics
// as the in-memory queue.
//
// Every enqueue creates a producer span and injects the trace context into the
// message headers. Every dequeue creates a consumer span linked to the
// producer span extracted from those headers:
//
//	nc, _ := nats.Connect(cfg.URL)
//	js, _ := jetstream.New(nc)
//	q := natsqueue.New(js, cfg, natsqueue.WithTracerProvider(tp), natsqueue.WithLogger(logger))
//	p := pool.New(q)
package natsqueue
