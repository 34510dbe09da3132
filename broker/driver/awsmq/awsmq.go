// Package awsmq implements the broker contract on the managed cloud stack:
// queues are SQS queues, topics are SNS topics. Queue semantics (visibility
// timeout, receive counting, dead-letter redrive, delayed delivery) are
// native to the service, so the driver is a thin mapping layer plus a
// polling bridge from subscriber queues to in-process topic handlers.
package awsmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/broker/fanout"
	"github.com/infigaming-com/go-events/broker/internal/backoff"
	"github.com/infigaming-com/go-events/events"
	"github.com/infigaming-com/go-events/observability/metrics"
)

const (
	// maxDelaySeconds is the longest send delay the queue service accepts.
	maxDelaySeconds = 900
	// maxVisibilitySeconds is the longest visibility timeout the queue
	// service accepts, 12 hours.
	maxVisibilitySeconds = 43200
	// maxWaitSeconds is the long-poll ceiling of the queue service.
	maxWaitSeconds = 20

	subscribePollBatch      = 10
	subscribePollWait       = 20 * time.Second
	subscribePollVisibility = 30 * time.Second
)

// Config carries the settings for the managed broker. SQS and SNS may be
// injected for tests or custom client setups; when either is nil both are
// built from Region, Endpoint and the static credentials, falling back to
// the ambient credential chain when AccessKeyId is empty.
type Config struct {
	Region          string `mapstructure:"REGION"`
	Endpoint        string `mapstructure:"ENDPOINT"`
	AccessKeyId     string `mapstructure:"ACCESS_KEY_ID"`
	SecretAccessKey string `mapstructure:"SECRET_ACCESS_KEY"`

	// ResourcePrefix is prepended to every queue and topic name when
	// resolving cloud resources, e.g. "prod-".
	ResourcePrefix string `mapstructure:"RESOURCE_PREFIX"`

	// ServiceName identifies this service instance. It selects the
	// subscriber queue "<topic>-<service>" that topic subscriptions poll,
	// so it is required for Subscribe and unused otherwise.
	ServiceName string `mapstructure:"SERVICE_NAME"`

	SQS     SQSAPI
	SNS     SNSAPI
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Broker is the managed implementation of broker.Broker.
type Broker struct {
	lg          *zap.Logger
	sqs         SQSAPI
	sns         SNSAPI
	fan         *fanout.Dispatcher
	rec         *metrics.Recorder
	prefix      string
	serviceName string

	mu        sync.Mutex
	closed    bool
	queueURLs map[string]string
	topicARNs map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

// New builds a managed broker. Queues and topics are expected to exist
// already; the driver resolves and caches their URLs and ARNs on first use.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	sqsClient, snsClient := cfg.SQS, cfg.SNS
	if sqsClient == nil || snsClient == nil {
		var err error
		sqsClient, snsClient, err = newClients(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	return &Broker{
		lg:          lg,
		sqs:         sqsClient,
		sns:         snsClient,
		fan:         fanout.New(lg),
		rec:         cfg.Metrics,
		prefix:      cfg.ResourcePrefix,
		serviceName: cfg.ServiceName,
		queueURLs:   make(map[string]string),
		topicARNs:   make(map[string]string),
		ctx:         pollCtx,
		cancel:      cancel,
	}, nil
}

// Send publishes the envelope to the queue and returns the provider message
// id. A WithDelay option maps to the native per-message delay, rounded up to
// whole seconds.
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
	body, err := envelope.Marshal()
	if err != nil {
		return "", err
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return "", err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	}
	so := broker.ApplySendOptions(opts...)
	if so.Delay > 0 {
		in.DelaySeconds = clampSeconds(so.Delay, maxDelaySeconds)
	}

	out, err := b.sqs.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("awsmq: send to %s: %w", queue, err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive polls the queue once and maps the returned batch. An empty result
// is a normal outcome, not an error.
func (b *Broker) Receive(ctx context.Context, queue events.Queue, opts broker.ReceiveOptions) ([]broker.Delivery, error) {
	if err := b.guardQueue(queue); err != nil {
		return nil, err
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	deliveries, err := b.receiveFromURL(ctx, url, opts.Normalized())
	if err != nil {
		return nil, fmt.Errorf("awsmq: receive from %s: %w", queue, err)
	}
	if len(deliveries) > 0 {
		b.rec.Received(ctx, queue.String(), len(deliveries))
	}
	return deliveries, nil
}

func (b *Broker) receiveFromURL(ctx context.Context, url string, opts broker.ReceiveOptions) ([]broker.Delivery, error) {
	out, err := b.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: int32(opts.MaxMessages),
		WaitTimeSeconds:     clampSeconds(opts.WaitTime, maxWaitSeconds),
		VisibilityTimeout:   clampSeconds(opts.VisibilityTimeout, maxVisibilitySeconds),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(out.Messages, func(m sqstypes.Message, _ int) broker.Delivery {
		return toDelivery(m)
	}), nil
}

func toDelivery(m sqstypes.Message) broker.Delivery {
	body := unwrapNotification([]byte(aws.ToString(m.Body)))
	d := broker.Delivery{
		MessageId:     aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          body,
	}
	if raw, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		d.ReceiveCount, _ = strconv.Atoi(raw)
	}
	env, err := events.Unmarshal(body)
	if err != nil {
		d.ParseError = err
		return d
	}
	d.Envelope = env
	return d
}

// Delete acknowledges a delivery. A stale or malformed receipt handle is
// treated as already-acknowledged and returns nil.
func (b *Broker) Delete(ctx context.Context, queue events.Queue, receiptHandle string) error {
	if err := b.guardQueue(queue); err != nil {
		return err
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = b.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		if isInvalidReceiptHandle(err) {
			b.lg.Debug("delete with stale receipt handle ignored", zap.String("queue", queue.String()))
			return nil
		}
		return fmt.Errorf("awsmq: delete from %s: %w", queue, err)
	}
	return nil
}

// DeleteBatch acknowledges up to any number of deliveries, chunking into the
// provider's batch limit of ten entries per call. Stale handles inside a
// batch are ignored like in Delete.
func (b *Broker) DeleteBatch(ctx context.Context, queue events.Queue, receiptHandles []string) error {
	if err := b.guardQueue(queue); err != nil {
		return err
	}
	if len(receiptHandles) == 0 {
		return nil
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	for _, chunk := range lo.Chunk(receiptHandles, broker.MaxBatchSize) {
		entries := lo.Map(chunk, func(h string, i int) sqstypes.DeleteMessageBatchRequestEntry {
			return sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(h),
			}
		})
		out, err := b.sqs.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("awsmq: delete batch from %s: %w", queue, err)
		}
		var failed []string
		for _, f := range out.Failed {
			if aws.ToString(f.Code) == "ReceiptHandleIsInvalid" {
				continue
			}
			failed = append(failed, fmt.Sprintf("%s: %s", aws.ToString(f.Id), aws.ToString(f.Code)))
		}
		if len(failed) > 0 {
			return fmt.Errorf("awsmq: delete batch from %s: %s", queue, strings.Join(failed, ", "))
		}
	}
	return nil
}

// ExtendVisibility pushes the delivery's visibility deadline out to timeout
// from now. Extending a delivery that was already acknowledged or expired is
// a no-op.
func (b *Broker) ExtendVisibility(ctx context.Context, queue events.Queue, receiptHandle string, timeout time.Duration) error {
	if err := b.guardQueue(queue); err != nil {
		return err
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = b.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: clampSeconds(timeout, maxVisibilitySeconds),
	})
	if err != nil {
		if isInvalidReceiptHandle(err) {
			return nil
		}
		return fmt.Errorf("awsmq: extend visibility on %s: %w", queue, err)
	}
	b.rec.Extended(ctx, queue.String())
	return nil
}

// Release zeroes the delivery's visibility timeout so the message becomes
// receivable again immediately instead of waiting out the remaining window.
// The provider counts the next receive and applies its redrive policy, so
// dead-lettering stays native. Stale handles are ignored.
func (b *Broker) Release(ctx context.Context, queue events.Queue, receiptHandle string) error {
	if err := b.guardQueue(queue); err != nil {
		return err
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = b.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		if isInvalidReceiptHandle(err) {
			return nil
		}
		return fmt.Errorf("awsmq: release on %s: %w", queue, err)
	}
	b.rec.Released(ctx, queue.String())
	return nil
}

// Publish sends the envelope to the topic and returns the provider message
// id. Delivery to subscriber queues is handled by the topic service.
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
	body, err := envelope.Marshal()
	if err != nil {
		return "", err
	}
	arn, err := b.topicARN(ctx, topic)
	if err != nil {
		return "", err
	}
	out, err := b.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(arn),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("awsmq: publish to %s: %w", topic, err)
	}
	return aws.ToString(out.MessageId), nil
}

// Subscribe registers handler for the topic. The first subscription starts a
// poller on this service's subscriber queue "<topic>-<service>", which the
// deployment provisions and subscribes to the topic out of band. Inbound
// envelopes are fanned out to every registered handler and then deleted.
func (b *Broker) Subscribe(ctx context.Context, topic events.Topic, handler broker.TopicHandler) (string, error) {
	if err := b.guardTopic(topic); err != nil {
		return "", err
	}
	if b.serviceName == "" {
		return "", errors.New("awsmq: service name required to subscribe")
	}
	return b.fan.Subscribe(topic, handler, func() (fanout.ReleaseFunc, error) {
		name := b.resourceName(fmt.Sprintf("%s-%s", topic, b.serviceName))
		url, err := b.queueURLByName(ctx, name)
		if err != nil {
			return nil, err
		}
		pollCtx, cancel := context.WithCancel(b.ctx)
		done := make(chan struct{})
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer close(done)
			b.pollTopicQueue(pollCtx, topic, url)
		}()
		return func() {
			cancel()
			<-done
		}, nil
	})
}

// Unsubscribe removes the subscription; the poller for the topic stops once
// its last handler is gone.
func (b *Broker) Unsubscribe(ctx context.Context, topic events.Topic, subscriptionId string) error {
	if err := b.guardTopic(topic); err != nil {
		return err
	}
	return b.fan.Unsubscribe(topic, subscriptionId)
}

// pollTopicQueue drains the subscriber queue for a topic until ctx is
// cancelled, dispatching each readable envelope to the local handlers.
// Topic delivery is best effort, so messages are deleted whether or not a
// handler succeeded; unreadable ones are deleted too, or they would recycle
// forever.
func (b *Broker) pollTopicQueue(ctx context.Context, topic events.Topic, url string) {
	boff := backoff.New(backoff.Config{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	})
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := b.receiveFromURL(ctx, url, broker.ReceiveOptions{
			MaxMessages:       subscribePollBatch,
			WaitTime:          subscribePollWait,
			VisibilityTimeout: subscribePollVisibility,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.lg.Warn("topic poll failed",
				zap.String("topic", topic.String()),
				zap.Error(err))
			select {
			case <-time.After(boff.Next()):
			case <-ctx.Done():
				return
			}
			continue
		}
		boff.Reset()

		for _, d := range deliveries {
			if d.ParseError != nil {
				b.lg.Error("dropping unreadable topic message",
					zap.String("topic", topic.String()),
					zap.String("messageId", d.MessageId),
					zap.Error(d.ParseError))
			} else {
				b.fan.Dispatch(ctx, topic, d.Envelope)
			}
			if _, err := b.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(url),
				ReceiptHandle: aws.String(d.ReceiptHandle),
			}); err != nil && !isInvalidReceiptHandle(err) && ctx.Err() == nil {
				b.lg.Warn("delete topic message failed",
					zap.String("topic", topic.String()),
					zap.String("messageId", d.MessageId),
					zap.Error(err))
			}
		}
	}
}

// Close stops all topic pollers and waits for them to finish, or until ctx
// expires.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.fan.CloseAll()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) guardQueue(queue events.Queue) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	if !queue.Valid() {
		return fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}
	return nil
}

func (b *Broker) guardTopic(topic events.Topic) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	if !topic.Valid() {
		return fmt.Errorf("%w: %s", broker.ErrUnknownTopic, topic)
	}
	return nil
}

func (b *Broker) resourceName(name string) string {
	return b.prefix + name
}

// queueURL resolves and caches the URL for a catalog queue.
func (b *Broker) queueURL(ctx context.Context, queue events.Queue) (string, error) {
	return b.queueURLByName(ctx, b.resourceName(queue.String()))
}

func (b *Broker) queueURLByName(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	if url, ok := b.queueURLs[name]; ok {
		b.mu.Unlock()
		return url, nil
	}
	b.mu.Unlock()

	out, err := b.sqs.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("awsmq: resolve queue url for %s: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)

	b.mu.Lock()
	b.queueURLs[name] = url
	b.mu.Unlock()
	return url, nil
}

// topicARN resolves and caches the ARN for a catalog topic. CreateTopic is
// idempotent on the provider side and doubles as a lookup.
func (b *Broker) topicARN(ctx context.Context, topic events.Topic) (string, error) {
	name := b.resourceName(topic.String())

	b.mu.Lock()
	if arn, ok := b.topicARNs[name]; ok {
		b.mu.Unlock()
		return arn, nil
	}
	b.mu.Unlock()

	out, err := b.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("awsmq: resolve topic arn for %s: %w", name, err)
	}
	arn := aws.ToString(out.TopicArn)

	b.mu.Lock()
	b.topicARNs[name] = arn
	b.mu.Unlock()
	return arn, nil
}

func isInvalidReceiptHandle(err error) bool {
	var rhi *sqstypes.ReceiptHandleIsInvalid
	if errors.As(err, &rhi) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue":
			return true
		}
	}
	return false
}

// clampSeconds converts d to whole seconds, rounding up, capped at max.
func clampSeconds(d time.Duration, max int32) int32 {
	if d <= 0 {
		return 0
	}
	s := (d + time.Second - 1) / time.Second
	if s > time.Duration(max) {
		return max
	}
	return int32(s)
}
