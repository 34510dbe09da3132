package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/events"
	"github.com/infigaming-com/go-events/observability/metrics"
	"github.com/infigaming-com/go-events/util"
)

// Handler processes one delivery. A nil return acknowledges the message
// (unless manual delete is configured); an error or panic hands it back
// to the queue for redelivery.
type Handler func(ctx context.Context, delivery broker.Delivery) error

// consumer is one polling worker bound to a queue. The poll loop fills the
// free concurrency slots and hands each delivery to its own goroutine.
type consumer struct {
	id      string
	lg      *zap.Logger
	br      broker.Broker
	rec     *metrics.Recorder
	queue   events.Queue
	handler Handler
	opts    options

	inFlight atomic.Int64
	running  atomic.Bool

	pollCtx    context.Context
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	handlers   sync.WaitGroup
}

func newConsumer(id string, lg *zap.Logger, br broker.Broker, rec *metrics.Recorder, queue events.Queue, handler Handler, opts options) *consumer {
	pollCtx, pollCancel := context.WithCancel(context.Background())
	c := &consumer{
		id:         id,
		lg:         lg,
		br:         br,
		rec:        rec,
		queue:      queue,
		handler:    handler,
		opts:       opts,
		pollCtx:    pollCtx,
		pollCancel: pollCancel,
		pollDone:   make(chan struct{}),
	}
	c.running.Store(true)
	return c
}

func (c *consumer) start() {
	go c.pollLoop()
}

// pollLoop drives receive and dispatch until stop. Receive errors are
// logged and retried after errorDelay; they never end the loop.
func (c *consumer) pollLoop() {
	defer close(c.pollDone)
	for c.running.Load() {
		slots := c.opts.maxConcurrency - int(c.inFlight.Load())
		if slots <= 0 {
			if !c.sleep(c.opts.idleDelay) {
				return
			}
			continue
		}
		batch := c.opts.batchSize
		if batch > slots {
			batch = slots
		}

		deliveries, err := c.br.Receive(c.pollCtx, c.queue, broker.ReceiveOptions{
			MaxMessages:       batch,
			WaitTime:          c.opts.waitTime,
			VisibilityTimeout: c.opts.visibilityTimeout,
		})
		if err != nil {
			if !c.running.Load() || c.pollCtx.Err() != nil {
				return
			}
			c.lg.Error("receive failed",
				zap.String("queue", c.queue.String()),
				zap.String("consumerId", c.id),
				zap.Error(err))
			if !c.sleep(c.opts.errorDelay) {
				return
			}
			continue
		}
		if len(deliveries) == 0 {
			if !c.sleep(c.opts.idleDelay) {
				return
			}
			continue
		}

		for _, d := range deliveries {
			c.inFlight.Add(1)
			c.handlers.Add(1)
			go c.process(d)
		}
	}
}

func (c *consumer) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.running.Load()
	}
	select {
	case <-time.After(d):
		return c.running.Load()
	case <-c.pollCtx.Done():
		return false
	}
}

// process runs one delivery through the handler. The handler context is
// detached from the poll loop's stop signal, so stopping the consumer
// never cancels work already in flight.
func (c *consumer) process(d broker.Delivery) {
	defer c.handlers.Done()
	defer c.inFlight.Add(-1)

	ctx := c.handlerContext(d)

	if d.ParseError != nil {
		c.fail(ctx, d, d.ParseError, 0)
		return
	}

	var stopExtender func()
	if c.opts.autoExtend && d.ReceiptHandle != "" {
		stopExtender = c.startExtender(ctx, d.ReceiptHandle)
	}

	start := time.Now()
	err := c.invoke(ctx, d)
	took := time.Since(start)

	if stopExtender != nil {
		stopExtender()
	}

	if err != nil {
		c.fail(ctx, d, err, took)
		return
	}

	c.rec.Processed(ctx, c.queue.String(), took)
	if c.opts.autoDelete {
		if err := c.br.Delete(ctx, c.queue, d.ReceiptHandle); err != nil {
			c.lg.Warn("delete after successful handling failed",
				zap.String("queue", c.queue.String()),
				zap.String("messageId", d.MessageId),
				zap.Error(err))
		}
	}
}

// invoke calls the handler, converting a panic into a handler error so one
// bad message cannot take the consumer down.
func (c *consumer) invoke(ctx context.Context, d broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

// fail logs the failure and hands the message back for redelivery; the
// backend dead-letters it once its receive count passes the limit.
func (c *consumer) fail(ctx context.Context, d broker.Delivery, cause error, took time.Duration) {
	c.rec.Failed(ctx, c.queue.String(), took)
	c.lg.Error("message handling failed",
		zap.String("queue", c.queue.String()),
		zap.String("consumerId", c.id),
		zap.String("messageId", d.MessageId),
		zap.Int("receiveCount", d.ReceiveCount),
		zap.Error(cause))
	if err := c.br.Release(ctx, c.queue, d.ReceiptHandle); err != nil {
		c.lg.Warn("release failed",
			zap.String("queue", c.queue.String()),
			zap.String("messageId", d.MessageId),
			zap.Error(err))
	}
}

// handlerContext seeds a fresh context with the identity the envelope
// carries so downstream calls inside the handler stay correlated.
func (c *consumer) handlerContext(d broker.Delivery) context.Context {
	ctx := context.Background()
	if d.Envelope == nil {
		return ctx
	}
	if d.Envelope.CorrelationId != "" {
		ctx = util.CorrelationIdToCtx(ctx, d.Envelope.CorrelationId)
	}
	if d.Envelope.TenantId != "" {
		ctx = util.TenantIdToCtx(ctx, d.Envelope.TenantId)
	}
	if d.Envelope.UserId != "" {
		ctx = util.UserIdToCtx(ctx, d.Envelope.UserId)
	}
	return ctx
}

// startExtender keeps the delivery invisible while the handler runs by
// re-arming the visibility timeout every extendInterval. The returned func
// stops the extender and waits for it to exit; it runs on every exit path
// of process.
func (c *consumer) startExtender(ctx context.Context, receiptHandle string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.extendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.br.ExtendVisibility(ctx, c.queue, receiptHandle, c.opts.visibilityTimeout); err != nil {
					c.lg.Warn("extend visibility failed",
						zap.String("queue", c.queue.String()),
						zap.Error(err))
					return
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// stop ends polling, then waits for in-flight handlers to drain, checking
// every 100ms until ctx expires.
func (c *consumer) stop(ctx context.Context) error {
	c.running.Store(false)
	c.pollCancel()

	select {
	case <-c.pollDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("consumer: %d handlers still in flight: %w", c.inFlight.Load(), ctx.Err())
		}
	}
}
