package broker

import (
	"context"
	"time"

	"github.com/infigaming-com/go-events/events"
)

// Broker is the contract every backend implements. Queue operations are
// at-least-once: a received message stays invisible to other receivers
// for its visibility timeout and reappears unless deleted. Topic
// operations fan a published envelope out to every subscriber.
// Implementations must be safe for concurrent use.
type Broker interface {
	// Send enqueues an envelope. With WithDelay the message does not
	// become receivable before now + delay.
	Send(ctx context.Context, queue events.Queue, envelope *events.Envelope, opts ...SendOption) (string, error)

	// Receive fetches up to opts.MaxMessages currently-visible messages,
	// long-polling up to opts.WaitTime when the queue is empty. An empty
	// result is not an error.
	Receive(ctx context.Context, queue events.Queue, opts ReceiveOptions) ([]Delivery, error)

	// Delete permanently removes a message. Deleting with an expired or
	// foreign receipt handle is a no-op, not an error.
	Delete(ctx context.Context, queue events.Queue, receiptHandle string) error

	// ExtendVisibility pushes out the invisibility window of an in-flight
	// message without touching its content.
	ExtendVisibility(ctx context.Context, queue events.Queue, receiptHandle string, timeout time.Duration) error

	// Release hands an in-flight message back for redelivery ahead of its
	// visibility deadline. Backends whose visibility expires on its own
	// may treat this as a no-op.
	Release(ctx context.Context, queue events.Queue, receiptHandle string) error

	Publish(ctx context.Context, topic events.Topic, envelope *events.Envelope) (string, error)
	Subscribe(ctx context.Context, topic events.Topic, handler TopicHandler) (string, error)
	Unsubscribe(ctx context.Context, topic events.Topic, subscriptionId string) error

	Close(ctx context.Context) error
}

// TopicHandler processes one broadcast envelope. A returned error is
// isolated to this handler: it is logged and never blocks other handlers
// of the same topic.
type TopicHandler func(ctx context.Context, envelope *events.Envelope) error

// Delivery is one received message. ParseError is set instead of
// Envelope when the body does not carry a valid envelope; the receipt
// handle remains usable so callers can delete or release the message.
type Delivery struct {
	MessageId     string
	ReceiptHandle string
	Envelope      *events.Envelope
	ReceiveCount  int
	Body          []byte
	ParseError    error
}

const (
	DefaultVisibilityTimeout = 30 * time.Second
	MaxBatchSize             = 10
)

// ReceiveOptions tune a single Receive call.
type ReceiveOptions struct {
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// Normalized clamps the options into the range every backend supports.
func (o ReceiveOptions) Normalized() ReceiveOptions {
	if o.MaxMessages <= 0 {
		o.MaxMessages = 1
	}
	if o.MaxMessages > MaxBatchSize {
		o.MaxMessages = MaxBatchSize
	}
	if o.WaitTime < 0 {
		o.WaitTime = 0
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return o
}

type SendOption func(*SendOptions)

type SendOptions struct {
	Delay time.Duration
}

func WithDelay(d time.Duration) SendOption {
	return func(o *SendOptions) {
		if d > 0 {
			o.Delay = d
		}
	}
}

// ApplySendOptions resolves the variadic options backends receive.
func ApplySendOptions(opts ...SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
