package natsqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/fleetsim/pool"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config describes the stream and consumer backing the pool.
type Config struct {
	URL      string        `yaml:"url" default:"nats://127.0.0.1:4222" env:"FLEETSIM_NATS_URL"`
	Stream   string        `yaml:"stream" default:"DEVICE_IDS" validate:"required"`
	Subject  string        `yaml:"subject" default:"fleetsim.device-ids" validate:"required"`
	Consumer string        `yaml:"consumer" default:"fleetsim" validate:"required"`
	Replicas int           `yaml:"replicas" default:"1" validate:"gte=1"`
	AckWait  time.Duration `yaml:"ackWait" default:"30s" validate:"gt=0"`
	// FetchWait bounds a single pull request; Dequeue keeps pulling until ctx is done.
	FetchWait time.Duration `yaml:"fetchWait" default:"5s" validate:"gt=0"`
}

// Validate checks the fields fuda tags cannot express.
func (c Config) Validate() error {
	if c.AckWait < time.Second {
		return fmt.Errorf("ackWait('%v') - must be at least 1s", c.AckWait)
	}

	return nil
}

// jetStream is the subset of jetstream.JetStream used by Queue.
type jetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	DeleteStream(ctx context.Context, name string) error
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Queue implements pool.Queue on a JetStream work-queue stream.
type Queue struct {
	js     jetStream
	cfg    Config
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
	logger *zap.Logger

	mutex    sync.Mutex
	consumer jetstream.Consumer
}

var _ pool.Queue = (*Queue)(nil)

// New creates a Queue. The stream is not touched until the first call.
//
// Panics if js is nil.
func New(js jetstream.JetStream, cfg Config, opts ...Option) *Queue {
	if js == nil {
		panic("natsqueue: JetStream must not be nil")
	}

	return newQueue(js, cfg, opts...)
}

func newQueue(js jetStream, cfg Config, opts ...Option) *Queue {
	o := applyOptions(opts)

	return &Queue{
		js:     js,
		cfg:    cfg,
		tracer: o.tp.Tracer(instrumentationName),
		prop:   o.prop,
		logger: o.logger.With(zap.String("stream", cfg.Stream)),
	}
}

func (q *Queue) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{q.cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  q.cfg.Replicas,
	}
}

func (q *Queue) consumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       q.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: q.cfg.Subject,
	}
}

// Create implements pool.Queue.
func (q *Queue) Create(ctx context.Context) error {
	if _, err := q.js.CreateOrUpdateStream(ctx, q.streamConfig()); err != nil {
		return fmt.Errorf("create stream %s: %w", q.cfg.Stream, err)
	}
	q.mutex.Lock()
	q.consumer = nil
	q.mutex.Unlock()
	q.logger.Debug("stream ready")

	return nil
}

// Delete implements pool.Queue.
func (q *Queue) Delete(ctx context.Context) error {
	q.mutex.Lock()
	q.consumer = nil
	q.mutex.Unlock()

	if err := q.js.DeleteStream(ctx, q.cfg.Stream); err != nil {
		return fmt.Errorf("delete stream %s: %w", q.cfg.Stream, mapError(err))
	}

	return nil
}

// Purge implements pool.Queue.
func (q *Queue) Purge(ctx context.Context) error {
	stream, err := q.js.Stream(ctx, q.cfg.Stream)
	if err != nil {
		return fmt.Errorf("purge stream %s: %w", q.cfg.Stream, mapError(err))
	}
	if err := stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge stream %s: %w", q.cfg.Stream, err)
	}

	return nil
}

// Enqueue implements pool.Queue.
func (q *Queue) Enqueue(ctx context.Context, body string) error {
	subject := q.cfg.Subject
	ctx, span := q.tracer.Start(ctx, opPublish+" "+subject,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(publishAttributes(q.cfg.Stream, subject, "", len(body))...),
	)
	defer span.End()

	msg := &nats.Msg{
		Subject: subject,
		Data:    []byte(body),
		Header:  make(nats.Header),
	}
	q.prop.Inject(ctx, headerCarrier(msg.Header))

	// A unique id keeps JetStream's duplicate window from swallowing an id
	// released twice in quick succession.
	ack, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		err = mapError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	if ack != nil {
		span.SetAttributes(publishAttributes(q.cfg.Stream, subject, strconv.FormatUint(ack.Sequence, 10), 0)...)
	}

	return nil
}

// Dequeue implements pool.Queue. It pulls in FetchWait slices until a
// message arrives or ctx is done. A message that lands on a pull abandoned
// by cancellation is handed back with Nak.
func (q *Queue) Dequeue(ctx context.Context) (pool.Delivery, error) {
	consumer, err := q.ensureConsumer(ctx)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(q.fetchWait(ctx)))
		if err != nil {
			return nil, fmt.Errorf("fetch from %s: %w", q.cfg.Stream, mapError(err))
		}

		select {
		case msg := <-batch.Messages():
			if msg != nil {
				return q.deliver(ctx, msg), nil
			}
			if err := batch.Error(); err != nil && !isEmptyFetch(err) {
				return nil, fmt.Errorf("fetch from %s: %w", q.cfg.Stream, mapError(err))
			}
		case <-ctx.Done():
			go q.abandon(batch)
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) abandon(batch jetstream.MessageBatch) {
	for msg := range batch.Messages() {
		if err := msg.Nak(); err != nil {
			q.logger.Warn("returning abandoned message failed", zap.Error(err))
		}
	}
}

// fetchWait caps the pull wait at the time left on ctx.
func (q *Queue) fetchWait(ctx context.Context) time.Duration {
	wait := q.cfg.FetchWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = max(left, time.Millisecond)
		}
	}

	return wait
}

func (q *Queue) deliver(ctx context.Context, msg jetstream.Msg) *delivery {
	var opts []trace.SpanStartOption
	if headers := msg.Headers(); headers != nil {
		producer := trace.SpanContextFromContext(q.prop.Extract(context.Background(), headerCarrier(headers)))
		if producer.IsValid() {
			opts = append(opts, trace.WithLinks(trace.Link{SpanContext: producer}))
		}
	}
	opts = append(opts,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(receiveAttributes(q.cfg.Stream, q.cfg.Consumer, len(msg.Data()))...),
	)
	_, span := q.tracer.Start(ctx, opReceive+" "+q.cfg.Stream, opts...)
	if md, err := msg.Metadata(); err == nil && md != nil {
		span.SetAttributes(attribute.String(attrMessagingMessageID, strconv.FormatUint(md.Sequence.Stream, 10)))
	}
	span.End()

	return &delivery{msg: msg}
}

func (q *Queue) ensureConsumer(ctx context.Context) (jetstream.Consumer, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.consumer != nil {
		return q.consumer, nil
	}

	c, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, q.consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("consumer %s on %s: %w", q.cfg.Consumer, q.cfg.Stream, mapError(err))
	}
	q.consumer = c

	return c, nil
}

type delivery struct {
	msg jetstream.Msg
}

func (d *delivery) Body() string {
	return string(d.msg.Data())
}

// Ack waits for the server to confirm, so a successful Ack means the message
// has left the work queue.
func (d *delivery) Ack(ctx context.Context) error {
	return d.msg.DoubleAck(ctx)
}

func isEmptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages)
}

func mapError(err error) error {
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("%w: %w", pool.ErrQueueNotFound, err)
	}

	return err
}
