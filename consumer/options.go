package consumer

import (
	"time"

	"github.com/infigaming-com/go-events/broker"
)

type Option func(*options)

type RuntimeOption func(*Runtime)

type options struct {
	batchSize         int
	visibilityTimeout time.Duration
	waitTime          time.Duration
	maxConcurrency    int
	autoDelete        bool
	autoExtend        bool
	extendInterval    time.Duration
	idleDelay         time.Duration
	errorDelay        time.Duration
}

func defaultOptions() options {
	return options{
		batchSize:         10,
		visibilityTimeout: broker.DefaultVisibilityTimeout,
		waitTime:          20 * time.Second,
		maxConcurrency:    10,
		autoDelete:        true,
		autoExtend:        true,
		extendInterval:    15 * time.Second,
		idleDelay:         time.Second,
		errorDelay:        5 * time.Second,
	}
}

func applyOptions(defaults []Option, opts []Option) options {
	o := defaultOptions()
	for _, opt := range defaults {
		if opt != nil {
			opt(&o)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithBatchSize caps how many messages one poll may return. Values above
// the broker batch limit are clamped by the broker.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithVisibilityTimeout sets how long each received message stays
// invisible to other consumers.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibilityTimeout = d
		}
	}
}

// WithWaitTime sets the long-poll duration of an empty receive. Zero
// switches to short polling.
func WithWaitTime(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.waitTime = d
		}
	}
}

// WithMaxConcurrency bounds how many handlers run at once across all
// batches of this consumer.
func WithMaxConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithManualDelete leaves acknowledgement to the handler: successful
// handlers must call Delete themselves or the message is redelivered.
func WithManualDelete() Option {
	return func(o *options) {
		o.autoDelete = false
	}
}

// WithoutAutoExtend disables the visibility extender; handlers must finish
// inside the visibility timeout.
func WithoutAutoExtend() Option {
	return func(o *options) {
		o.autoExtend = false
	}
}

// WithExtendInterval sets how often the extender re-arms the visibility
// timeout of an in-flight message.
func WithExtendInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.extendInterval = d
		}
	}
}

// WithIdleDelay sets the pause after an empty poll and while all
// concurrency slots are taken.
func WithIdleDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleDelay = d
		}
	}
}

// WithErrorDelay sets the pause after a failed poll.
func WithErrorDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.errorDelay = d
		}
	}
}
