package redismq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/broker/fanout"
	"github.com/infigaming-com/go-events/events"
	"github.com/infigaming-com/go-events/observability/metrics"
	"github.com/infigaming-com/go-events/util"
)

const (
	DefaultKeyPrefix       = "events:"
	DefaultMaxReceiveCount = 3

	reclaimLockTTL = 10 * time.Second
)

type Config struct {
	Addr            string `mapstructure:"ADDR"`
	DB              int    `mapstructure:"DB"`
	Username        string `mapstructure:"USERNAME"`
	Password        string `mapstructure:"PASSWORD"`
	KeyPrefix       string `mapstructure:"KEY_PREFIX"`
	MaxReceiveCount int    `mapstructure:"MAX_RECEIVE_COUNT"`

	ConnectTimeout time.Duration

	// Client overrides the dialed connection; the broker then never
	// closes it.
	Client  *redis.Client
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Broker implements the queue/topic contract on a redis instance:
// a list per queue for receivable messages, a sorted set for delayed
// delivery, a hash plus deadline sorted set for in-flight tracking, and
// pub/sub channels for topic fanout. Topic delivery is fire-and-forget:
// a subscriber that is down when a message is published never sees it.
type Broker struct {
	lg         *zap.Logger
	client     *redis.Client
	ownsClient bool
	keys       keyspace
	maxReceive int
	locks      *redsync.Redsync
	fan        *fanout.Dispatcher
	rec        *metrics.Recorder

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

func New(ctx context.Context, cfg Config) (*Broker, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	client := cfg.Client
	ownsClient := false
	if client == nil {
		var err error
		client, err = util.NewRedisClient(ctx, util.RedisOptions{
			Addr:           cfg.Addr,
			DB:             cfg.DB,
			Username:       cfg.Username,
			Password:       cfg.Password,
			ConnectTimeout: cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("redismq: %w", err)
		}
		ownsClient = true
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	maxReceive := cfg.MaxReceiveCount
	if maxReceive <= 0 {
		maxReceive = DefaultMaxReceiveCount
	}

	b := &Broker{
		lg:         lg,
		client:     client,
		ownsClient: ownsClient,
		keys:       keyspace(prefix),
		maxReceive: maxReceive,
		locks:      redsync.New(goredis.NewPool(client)),
		fan:        fanout.New(lg),
		rec:        cfg.Metrics,
	}
	lg.Info("embedded broker ready",
		zap.String("addr", client.Options().Addr),
		zap.String("keyPrefix", prefix),
		zap.Int("maxReceiveCount", maxReceive),
	)
	return b, nil
}

func (b *Broker) Send(ctx context.Context, queue events.Queue, envelope *events.Envelope, opts ...broker.SendOption) (string, error) {
	if err := b.guardQueue(queue); err != nil {
		return "", err
	}
	if envelope == nil {
		return "", broker.ErrNilEnvelope
	}
	if err := envelope.Validate(); err != nil {
		return "", err
	}

	msg := queueMessage{
		MessageId:  util.NewUUID(),
		Queue:      queue.String(),
		Event:      envelope,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("redismq: marshal transport message: %w", err)
	}

	sendOpts := broker.ApplySendOptions(opts...)
	if sendOpts.Delay > 0 {
		due := time.Now().Add(sendOpts.Delay)
		err = b.client.ZAdd(ctx, b.keys.delayed(queue), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: string(raw),
		}).Err()
		if err != nil {
			return "", fmt.Errorf("redismq: schedule delayed message: %w", err)
		}
	} else {
		if err = b.client.LPush(ctx, b.keys.queue(queue), raw).Err(); err != nil {
			return "", fmt.Errorf("redismq: enqueue message: %w", err)
		}
	}
	return msg.MessageId, nil
}

func (b *Broker) Receive(ctx context.Context, queue events.Queue, opts broker.ReceiveOptions) ([]broker.Delivery, error) {
	if err := b.guardQueue(queue); err != nil {
		return nil, err
	}
	opts = opts.Normalized()

	if err := b.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}
	b.reclaimExpired(ctx, queue)

	deadline := time.Now().Add(opts.WaitTime)
	deliveries := make([]broker.Delivery, 0, opts.MaxMessages)
	for len(deliveries) < opts.MaxMessages {
		raw, err := b.pop(ctx, queue, len(deliveries) == 0, deadline)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, fmt.Errorf("redismq: pop message: %w", err)
		}
		delivery, err := b.checkout(ctx, queue, raw, opts.VisibilityTimeout)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			deliveries = append(deliveries, *delivery)
		}
	}
	if len(deliveries) > 0 {
		b.rec.Received(ctx, queue.String(), len(deliveries))
	}
	return deliveries, nil
}

// pop takes the oldest receivable message. Only the first message of a
// batch long-polls; the rest drain whatever is immediately available.
func (b *Broker) pop(ctx context.Context, queue events.Queue, blocking bool, deadline time.Time) (string, error) {
	key := b.keys.queue(queue)
	if blocking {
		wait := time.Until(deadline)
		if wait > 0 {
			vals, err := b.client.BRPop(ctx, wait, key).Result()
			if err != nil {
				return "", err
			}
			return vals[1], nil
		}
	}
	return b.client.RPop(ctx, key).Result()
}

// checkout moves a popped message into the in-flight structures and
// builds its delivery. A nil delivery with nil error means the message
// was unreadable and went straight to the dead-letter list.
func (b *Broker) checkout(ctx context.Context, queue events.Queue, raw string, visibility time.Duration) (*broker.Delivery, error) {
	var msg queueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// No transport wrapper means no receive count to track, so the
		// retry loop is skipped and the message is parked immediately.
		// The dead-letter queue itself is terminal: an unreadable entry
		// there is dropped instead of cascading into a further queue.
		if queue.IsDeadLetter() {
			b.lg.Error("dropped unreadable entry from dead-letter queue",
				zap.String("queue", queue.String()),
				zap.Error(err),
			)
			return nil, nil
		}
		if derr := b.client.LPush(ctx, b.keys.queue(queue.DeadLetter()), raw).Err(); derr != nil {
			return nil, fmt.Errorf("redismq: dead-letter unreadable message: %w", derr)
		}
		b.lg.Error("dead-lettered unreadable transport message",
			zap.String("queue", queue.String()),
			zap.Error(err),
		)
		b.rec.DeadLettered(ctx, queue.String())
		return nil, nil
	}

	handle := util.NewUUID()
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.keys.processing(queue), handle, raw)
	pipe.ZAdd(ctx, b.keys.pending(queue), redis.Z{
		Score:  float64(time.Now().Add(visibility).UnixMilli()),
		Member: handle,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redismq: check out message: %w", err)
	}

	delivery := broker.Delivery{
		MessageId:     msg.MessageId,
		ReceiptHandle: handle,
		ReceiveCount:  msg.ReceiveCount + 1,
		Body:          []byte(raw),
	}
	switch {
	case msg.Event == nil:
		delivery.ParseError = fmt.Errorf("redismq: transport message %s carries no envelope", msg.MessageId)
	default:
		if err := msg.Event.Validate(); err != nil {
			delivery.ParseError = err
		} else {
			delivery.Envelope = msg.Event
		}
	}
	return &delivery, nil
}

// promoteDelayed moves every due entry from the delayed set into the
// main list. ZRem acts as the claim so concurrent receivers do not
// promote the same entry twice.
func (b *Broker) promoteDelayed(ctx context.Context, queue events.Queue) error {
	due, err := b.client.ZRangeByScore(ctx, b.keys.delayed(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redismq: read delayed messages: %w", err)
	}
	for _, raw := range due {
		removed, err := b.client.ZRem(ctx, b.keys.delayed(queue), raw).Result()
		if err != nil {
			return fmt.Errorf("redismq: claim delayed message: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, b.keys.queue(queue), raw).Err(); err != nil {
			return fmt.Errorf("redismq: promote delayed message: %w", err)
		}
	}
	return nil
}

// reclaimExpired returns in-flight messages whose visibility deadline has
// passed, so a crashed consumer cannot strand them in the processing
// hash. Best effort: one receiver sweeps at a time and failures only log.
func (b *Broker) reclaimExpired(ctx context.Context, queue events.Queue) {
	mutex := b.locks.NewMutex(b.keys.reclaimLock(queue),
		redsync.WithExpiry(reclaimLockTTL),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var errTaken *redsync.ErrTaken
		if !errors.As(err, &errTaken) {
			b.lg.Warn("reclaim lock failed", zap.String("queue", queue.String()), zap.Error(err))
		}
		return
	}
	defer func() {
		_, _ = mutex.UnlockContext(ctx)
	}()

	expired, err := b.client.ZRangeByScore(ctx, b.keys.pending(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		b.lg.Warn("reclaim scan failed", zap.String("queue", queue.String()), zap.Error(err))
		return
	}
	for _, handle := range expired {
		requeued, err := b.requeue(ctx, queue, handle, "visibility expired")
		if err != nil {
			b.lg.Warn("reclaim failed",
				zap.String("queue", queue.String()),
				zap.String("receiptHandle", handle),
				zap.Error(err),
			)
			continue
		}
		if requeued {
			b.rec.Reclaimed(ctx, queue.String())
		}
	}
}

func (b *Broker) Delete(ctx context.Context, queue events.Queue, receiptHandle string) error {
	if err := b.guardQueue(queue); err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.keys.processing(queue), receiptHandle)
	pipe.ZRem(ctx, b.keys.pending(queue), receiptHandle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redismq: delete message: %w", err)
	}
	return nil
}

func (b *Broker) ExtendVisibility(ctx context.Context, queue events.Queue, receiptHandle string, timeout time.Duration) error {
	if err := b.guardQueue(queue); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = broker.DefaultVisibilityTimeout
	}
	// XX: only move the deadline of a handle that is still in flight;
	// expired or foreign handles are a no-op like Delete.
	err := b.client.ZAddArgs(ctx, b.keys.pending(queue), redis.ZAddArgs{
		XX: true,
		Members: []redis.Z{{
			Score:  float64(time.Now().Add(timeout).UnixMilli()),
			Member: receiptHandle,
		}},
	}).Err()
	if err != nil {
		return fmt.Errorf("redismq: extend visibility: %w", err)
	}
	return nil
}

func (b *Broker) Release(ctx context.Context, queue events.Queue, receiptHandle string) error {
	if err := b.guardQueue(queue); err != nil {
		return err
	}
	requeued, err := b.requeue(ctx, queue, receiptHandle, "released")
	if err != nil {
		return err
	}
	if requeued {
		b.rec.Released(ctx, queue.String())
	}
	return nil
}

// requeue returns one in-flight message to its queue, incrementing the
// receive count and routing to the dead-letter list once the count
// reaches the configured maximum. It reports whether the handle was in
// flight; unknown handles are a no-op.
func (b *Broker) requeue(ctx context.Context, queue events.Queue, receiptHandle, reason string) (bool, error) {
	raw, err := b.client.HGet(ctx, b.keys.processing(queue), receiptHandle).Result()
	if errors.Is(err, redis.Nil) {
		b.client.ZRem(ctx, b.keys.pending(queue), receiptHandle)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redismq: read in-flight message: %w", err)
	}

	payload := raw
	target := b.keys.queue(queue)
	deadLettered := false
	var msg queueMessage
	if uerr := json.Unmarshal([]byte(raw), &msg); uerr != nil {
		if queue.IsDeadLetter() {
			// Terminal destination: drop the unreadable entry.
			pipe := b.client.TxPipeline()
			pipe.HDel(ctx, b.keys.processing(queue), receiptHandle)
			pipe.ZRem(ctx, b.keys.pending(queue), receiptHandle)
			if _, err := pipe.Exec(ctx); err != nil {
				return false, fmt.Errorf("redismq: drop unreadable message: %w", err)
			}
			b.lg.Error("dropped unreadable entry from dead-letter queue",
				zap.String("queue", queue.String()),
				zap.Error(uerr),
			)
			return false, nil
		}
		target = b.keys.queue(queue.DeadLetter())
		deadLettered = true
	} else {
		msg.ReceiveCount++
		// A released dead-letter message goes back to its own queue; it
		// has nowhere further to fall.
		if msg.ReceiveCount >= b.maxReceive && !queue.IsDeadLetter() {
			target = b.keys.queue(queue.DeadLetter())
			deadLettered = true
		}
		buf, merr := json.Marshal(msg)
		if merr != nil {
			return false, fmt.Errorf("redismq: marshal transport message: %w", merr)
		}
		payload = string(buf)
	}

	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.keys.processing(queue), receiptHandle)
	pipe.ZRem(ctx, b.keys.pending(queue), receiptHandle)
	pipe.LPush(ctx, target, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redismq: requeue message: %w", err)
	}

	if deadLettered {
		b.lg.Warn("message dead-lettered",
			zap.String("queue", queue.String()),
			zap.String("messageId", msg.MessageId),
			zap.Int("receiveCount", msg.ReceiveCount),
			zap.String("reason", reason),
		)
		b.rec.DeadLettered(ctx, queue.String())
	}
	return true, nil
}

func (b *Broker) Publish(ctx context.Context, topic events.Topic, envelope *events.Envelope) (string, error) {
	if err := b.guardTopic(topic); err != nil {
		return "", err
	}
	if envelope == nil {
		return "", broker.ErrNilEnvelope
	}
	if err := envelope.Validate(); err != nil {
		return "", err
	}

	frame := topicMessage{
		MessageId: util.NewUUID(),
		Topic:     topic.String(),
		Event:     envelope,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("redismq: marshal topic message: %w", err)
	}
	if err := b.client.Publish(ctx, b.keys.topic(topic), raw).Err(); err != nil {
		return "", fmt.Errorf("redismq: publish topic message: %w", err)
	}
	return frame.MessageId, nil
}

func (b *Broker) Subscribe(ctx context.Context, topic events.Topic, handler broker.TopicHandler) (string, error) {
	if err := b.guardTopic(topic); err != nil {
		return "", err
	}
	return b.fan.Subscribe(topic, handler, func() (fanout.ReleaseFunc, error) {
		return b.openChannel(ctx, topic)
	})
}

func (b *Broker) Unsubscribe(ctx context.Context, topic events.Topic, subscriptionId string) error {
	if err := b.guardTopic(topic); err != nil {
		return err
	}
	return b.fan.Unsubscribe(topic, subscriptionId)
}

func (b *Broker) openChannel(ctx context.Context, topic events.Topic) (fanout.ReleaseFunc, error) {
	sub := b.client.Subscribe(context.WithoutCancel(ctx), b.keys.topic(topic))
	// Confirm the SUBSCRIBE round trip so open failures surface here and
	// no publish is lost between Subscribe returning and the reader
	// starting.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redismq: subscribe to topic channel: %w", err)
	}

	b.wg.Add(1)
	go b.channelReader(topic, sub)
	b.lg.Info("topic channel opened", zap.String("topic", topic.String()))
	return func() {
		_ = sub.Close()
	}, nil
}

// channelReader fans inbound frames out to the local handlers until the
// subscription is closed. go-redis reconnects the channel internally on
// transient errors.
func (b *Broker) channelReader(topic events.Topic, sub *redis.PubSub) {
	defer b.wg.Done()
	for m := range sub.Channel() {
		var frame topicMessage
		if err := json.Unmarshal([]byte(m.Payload), &frame); err != nil {
			b.lg.Error("dropped unreadable topic message",
				zap.String("topic", topic.String()),
				zap.Error(err),
			)
			continue
		}
		if frame.Event == nil || frame.Event.Validate() != nil {
			b.lg.Error("dropped topic message without valid envelope",
				zap.String("topic", topic.String()),
				zap.String("messageId", frame.MessageId),
			)
			continue
		}
		b.fan.Dispatch(context.Background(), topic, frame.Event)
	}
}

func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.fan.CloseAll()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.ownsClient {
		if err := b.client.Close(); err != nil {
			return fmt.Errorf("redismq: close client: %w", err)
		}
	}
	b.lg.Info("embedded broker closed")
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) guardQueue(queue events.Queue) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	if !queue.Valid() {
		return fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}
	return nil
}

func (b *Broker) guardTopic(topic events.Topic) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	if !topic.Valid() {
		return fmt.Errorf("%w: %s", broker.ErrUnknownTopic, topic)
	}
	return nil
}
