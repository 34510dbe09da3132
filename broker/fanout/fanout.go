package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/events"
	"github.com/infigaming-com/go-events/util"
)

type ReleaseFunc func()

// Opener opens the backend channel subscription for a topic. It is
// invoked once, when the first handler for the topic is registered, and
// the returned release func is invoked when the last handler is removed.
type Opener func() (ReleaseFunc, error)

// Dispatcher maintains the per-topic handler sets and fans every inbound
// envelope out to all of them. One handler failing or panicking never
// prevents the remaining handlers from running.
type Dispatcher struct {
	lg *zap.Logger

	mu     sync.RWMutex
	topics map[events.Topic]*topicEntry
}

type topicEntry struct {
	handlers map[string]broker.TopicHandler
	release  ReleaseFunc
}

func New(lg *zap.Logger) *Dispatcher {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Dispatcher{
		lg:     lg,
		topics: make(map[events.Topic]*topicEntry),
	}
}

// Subscribe registers handler for topic and returns its subscription id.
// The opener runs only when this is the first handler for the topic; on
// opener failure nothing is registered.
func (d *Dispatcher) Subscribe(topic events.Topic, handler broker.TopicHandler, open Opener) (string, error) {
	if handler == nil {
		return "", broker.ErrNilHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.topics[topic]
	if !ok {
		release := ReleaseFunc(func() {})
		if open != nil {
			opened, err := open()
			if err != nil {
				return "", err
			}
			if opened != nil {
				release = opened
			}
		}
		entry = &topicEntry{
			handlers: make(map[string]broker.TopicHandler),
			release:  release,
		}
		d.topics[topic] = entry
	}

	subscriptionId := util.NewUUID()
	entry.handlers[subscriptionId] = handler
	return subscriptionId, nil
}

// Unsubscribe removes one handler. Removing the last handler of a topic
// releases the underlying channel subscription.
func (d *Dispatcher) Unsubscribe(topic events.Topic, subscriptionId string) error {
	d.mu.Lock()
	entry, ok := d.topics[topic]
	if !ok {
		d.mu.Unlock()
		return broker.ErrSubscriptionNotFound
	}
	if _, ok := entry.handlers[subscriptionId]; !ok {
		d.mu.Unlock()
		return broker.ErrSubscriptionNotFound
	}
	delete(entry.handlers, subscriptionId)

	var release ReleaseFunc
	if len(entry.handlers) == 0 {
		release = entry.release
		delete(d.topics, topic)
	}
	d.mu.Unlock()

	// Released outside the lock: release may block on goroutine shutdown.
	if release != nil {
		release()
	}
	return nil
}

// Dispatch invokes every handler currently registered for topic.
func (d *Dispatcher) Dispatch(ctx context.Context, topic events.Topic, envelope *events.Envelope) {
	d.mu.RLock()
	entry, ok := d.topics[topic]
	if !ok {
		d.mu.RUnlock()
		return
	}
	handlers := make(map[string]broker.TopicHandler, len(entry.handlers))
	for id, h := range entry.handlers {
		handlers[id] = h
	}
	d.mu.RUnlock()

	for id, h := range handlers {
		d.invoke(ctx, topic, id, h, envelope)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, topic events.Topic, subscriptionId string, handler broker.TopicHandler, envelope *events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.lg.Error("topic handler panic",
				zap.String("topic", topic.String()),
				zap.String("subscriptionId", subscriptionId),
				zap.String("eventId", envelope.ID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := handler(ctx, envelope); err != nil {
		d.lg.Error("topic handler failed",
			zap.String("topic", topic.String()),
			zap.String("subscriptionId", subscriptionId),
			zap.String("eventId", envelope.ID),
			zap.Error(err),
		)
	}
}

// HandlerCount reports the number of registered handlers for topic.
func (d *Dispatcher) HandlerCount(topic events.Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.topics[topic]
	if !ok {
		return 0
	}
	return len(entry.handlers)
}

// CloseAll drops every subscription and releases all channel
// subscriptions.
func (d *Dispatcher) CloseAll() {
	d.mu.Lock()
	releases := make([]ReleaseFunc, 0, len(d.topics))
	for _, entry := range d.topics {
		releases = append(releases, entry.release)
	}
	d.topics = make(map[events.Topic]*topicEntry)
	d.mu.Unlock()

	for _, release := range releases {
		release()
	}
}
