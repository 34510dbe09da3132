// Package consumer runs the polling side of the event fabric: a Runtime
// owns one polling goroutine per started consumer, bounds handler
// concurrency, keeps slow handlers' messages invisible through automatic
// visibility extension and acknowledges or releases messages based on the
// handler outcome.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/events"
	"github.com/infigaming-com/go-events/observability/metrics"
	"github.com/infigaming-com/go-events/util"
)

var (
	// ErrNotFound is returned by Stop and Stats for an unknown consumer id.
	ErrNotFound = errors.New("consumer: not found")
	// ErrStopped is returned by Start after StopAll.
	ErrStopped = errors.New("consumer: runtime stopped")
)

// Runtime owns the consumers of one process. All consumers share its
// broker, logger, metrics recorder and default options.
type Runtime struct {
	lg       *zap.Logger
	br       broker.Broker
	rec      *metrics.Recorder
	defaults []Option

	mu        sync.Mutex
	stopped   bool
	consumers map[string]*consumer
}

// WithConsumerDefaults installs options applied to every consumer before
// its per-Start options.
func WithConsumerDefaults(opts ...Option) RuntimeOption {
	return func(r *Runtime) {
		r.defaults = append(r.defaults, opts...)
	}
}

// WithMetrics wires a metrics recorder into every consumer.
func WithMetrics(rec *metrics.Recorder) RuntimeOption {
	return func(r *Runtime) {
		r.rec = rec
	}
}

func New(br broker.Broker, lg *zap.Logger, opts ...RuntimeOption) *Runtime {
	if lg == nil {
		lg = zap.NewNop()
	}
	r := &Runtime{
		lg:        lg,
		br:        br,
		consumers: make(map[string]*consumer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start registers a consumer for queue and launches its poll loop. It
// returns immediately; the returned id identifies the consumer for Stop
// and Stats. Several consumers may poll the same queue.
func (r *Runtime) Start(queue events.Queue, handler Handler, opts ...Option) (string, error) {
	if !queue.Valid() {
		return "", fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}
	if handler == nil {
		return "", broker.ErrNilHandler
	}
	o := applyOptions(r.defaults, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return "", ErrStopped
	}

	id := util.NewUUID()
	c := newConsumer(id, r.lg, r.br, r.rec, queue, handler, o)
	r.consumers[id] = c
	c.start()

	r.lg.Info("consumer started",
		zap.String("consumerId", id),
		zap.String("queue", queue.String()),
		zap.Int("batchSize", o.batchSize),
		zap.Int("maxConcurrency", o.maxConcurrency),
		zap.Duration("visibilityTimeout", o.visibilityTimeout))
	return id, nil
}

// Stop deregisters one consumer, ends its polling and waits for in-flight
// handlers to drain until ctx expires. Handlers are never cancelled; a
// ctx error means some were still running when it fired.
func (r *Runtime) Stop(ctx context.Context, consumerId string) error {
	r.mu.Lock()
	c, ok := r.consumers[consumerId]
	if ok {
		delete(r.consumers, consumerId)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	err := c.stop(ctx)
	r.lg.Info("consumer stopped",
		zap.String("consumerId", consumerId),
		zap.String("queue", c.queue.String()))
	return err
}

// StopAll stops every consumer concurrently and refuses further Starts.
func (r *Runtime) StopAll(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	stopping := make([]*consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		stopping = append(stopping, c)
	}
	r.consumers = make(map[string]*consumer)
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(stopping))
	for i, c := range stopping {
		wg.Add(1)
		go func(i int, c *consumer) {
			defer wg.Done()
			errs[i] = c.stop(ctx)
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stats is a live snapshot of one consumer.
type Stats struct {
	ConsumerId string
	Queue      events.Queue
	Running    bool
	InFlight   int
}

func (r *Runtime) Stats(consumerId string) (Stats, error) {
	r.mu.Lock()
	c, ok := r.consumers[consumerId]
	r.mu.Unlock()
	if !ok {
		return Stats{}, ErrNotFound
	}
	return Stats{
		ConsumerId: consumerId,
		Queue:      c.queue,
		Running:    c.running.Load(),
		InFlight:   int(c.inFlight.Load()),
	}, nil
}
