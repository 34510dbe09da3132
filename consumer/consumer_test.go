package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/events"
	"github.com/infigaming-com/go-events/util"
)

type receiveCall struct {
	queue events.Queue
	opts  broker.ReceiveOptions
}

type extendCall struct {
	handle  string
	timeout time.Duration
}

// fakeBroker is a queue-keyed in-memory broker for exercising the runtime
// without a backend. Receive drains pushed deliveries; Release does not
// requeue.
type fakeBroker struct {
	mu         sync.Mutex
	queues     map[events.Queue][]broker.Delivery
	receiveErr error
	receives   []receiveCall
	deleted    []string
	released   []string
	extends    []extendCall
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[events.Queue][]broker.Delivery)}
}

func (f *fakeBroker) push(queue events.Queue, deliveries ...broker.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queue] = append(f.queues[queue], deliveries...)
}

func (f *fakeBroker) failNextReceive(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveErr = err
}

func (f *fakeBroker) Send(ctx context.Context, queue events.Queue, envelope *events.Envelope, opts ...broker.SendOption) (string, error) {
	return "m-0", nil
}

func (f *fakeBroker) Receive(ctx context.Context, queue events.Queue, opts broker.ReceiveOptions) ([]broker.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives = append(f.receives, receiveCall{queue: queue, opts: opts})
	if f.receiveErr != nil {
		err := f.receiveErr
		f.receiveErr = nil
		return nil, err
	}
	pending := f.queues[queue]
	n := opts.MaxMessages
	if n <= 0 {
		n = 1
	}
	if n > len(pending) {
		n = len(pending)
	}
	out := append([]broker.Delivery(nil), pending[:n]...)
	f.queues[queue] = pending[n:]
	return out, nil
}

func (f *fakeBroker) Delete(ctx context.Context, queue events.Queue, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeBroker) ExtendVisibility(ctx context.Context, queue events.Queue, receiptHandle string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends = append(f.extends, extendCall{handle: receiptHandle, timeout: timeout})
	return nil
}

func (f *fakeBroker) Release(ctx context.Context, queue events.Queue, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, receiptHandle)
	return nil
}

func (f *fakeBroker) Publish(ctx context.Context, topic events.Topic, envelope *events.Envelope) (string, error) {
	return "m-0", nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, topic events.Topic, handler broker.TopicHandler) (string, error) {
	return "", nil
}

func (f *fakeBroker) Unsubscribe(ctx context.Context, topic events.Topic, subscriptionId string) error {
	return nil
}

func (f *fakeBroker) Close(ctx context.Context) error { return nil }

func (f *fakeBroker) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeBroker) releasedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeBroker) extendCalls(handle string) []extendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []extendCall
	for _, c := range f.extends {
		if c.handle == handle {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBroker) receivesFor(queue events.Queue) []receiveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []receiveCall
	for _, c := range f.receives {
		if c.queue == queue {
			out = append(out, c)
		}
	}
	return out
}

func newDelivery(t *testing.T, handle string, opts ...events.Option) broker.Delivery {
	t.Helper()
	env, err := events.New("task.created", "1.0", "task-service", map[string]any{"taskId": handle}, opts...)
	require.NoError(t, err)
	return broker.Delivery{
		MessageId:     "m-" + handle,
		ReceiptHandle: handle,
		Envelope:      env,
		ReceiveCount:  1,
	}
}

// fastOptions shrink the loop delays so tests settle quickly.
func fastOptions(extra ...Option) []Option {
	return append([]Option{
		WithWaitTime(0),
		WithIdleDelay(2 * time.Millisecond),
		WithErrorDelay(2 * time.Millisecond),
	}, extra...)
}

func newTestRuntime(t *testing.T, br broker.Broker, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt := New(br, nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.StopAll(ctx)
	})
	return rt
}

func TestProcessSuccessDeletes(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-1"))
	rt := newTestRuntime(t, fb)

	var mu sync.Mutex
	var got []*events.Envelope
	_, err := rt.Start(events.QueueTaskCreated, func(_ context.Context, d broker.Delivery) error {
		mu.Lock()
		got = append(got, d.Envelope)
		mu.Unlock()
		return nil
	}, fastOptions()...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, h := range fb.deletedHandles() {
			if h == "rh-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "task.created", got[0].Type)
	mu.Unlock()
	assert.Empty(t, fb.releasedHandles())
}

func TestManualDeleteLeavesMessage(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-1"))
	rt := newTestRuntime(t, fb)

	handled := make(chan struct{})
	var once sync.Once
	_, err := rt.Start(events.QueueTaskCreated, func(context.Context, broker.Delivery) error {
		once.Do(func() { close(handled) })
		return nil
	}, fastOptions(WithManualDelete())...)
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fb.deletedHandles(), "manual delete mode must not acknowledge")
	assert.Empty(t, fb.releasedHandles())
}

func TestHandlerErrorReleases(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-1"))
	rt := newTestRuntime(t, fb)

	_, err := rt.Start(events.QueueTaskCreated, func(context.Context, broker.Delivery) error {
		return errors.New("downstream unavailable")
	}, fastOptions()...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		released := fb.releasedHandles()
		return len(released) == 1 && released[0] == "rh-1"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, fb.deletedHandles())
}

func TestHandlerPanicReleasesAndConsumerSurvives(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-1"))
	rt := newTestRuntime(t, fb)

	var calls sync.Map
	_, err := rt.Start(events.QueueTaskCreated, func(_ context.Context, d broker.Delivery) error {
		calls.Store(d.ReceiptHandle, true)
		if d.ReceiptHandle == "rh-1" {
			panic("corrupt state")
		}
		return nil
	}, fastOptions()...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		released := fb.releasedHandles()
		return len(released) == 1 && released[0] == "rh-1"
	}, 2*time.Second, 5*time.Millisecond)

	// The loop keeps polling after the panic.
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-2"))
	assert.Eventually(t, func() bool {
		for _, h := range fb.deletedHandles() {
			if h == "rh-2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestParseErrorReleasedWithoutHandler(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, broker.Delivery{
		MessageId:     "m-bad",
		ReceiptHandle: "rh-bad",
		Body:          []byte("not an envelope"),
		ParseError:    errors.New("unmarshal envelope"),
		ReceiveCount:  1,
	})
	rt := newTestRuntime(t, fb)

	var invoked sync.Map
	_, err := rt.Start(events.QueueTaskCreated, func(_ context.Context, d broker.Delivery) error {
		invoked.Store(d.MessageId, true)
		return nil
	}, fastOptions()...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		released := fb.releasedHandles()
		return len(released) == 1 && released[0] == "rh-bad"
	}, 2*time.Second, 5*time.Millisecond)

	_, handlerRan := invoked.Load("m-bad")
	assert.False(t, handlerRan, "unreadable deliveries bypass the handler")
}

func TestConcurrencyBounded(t *testing.T) {
	fb := newFakeBroker()
	for _, h := range []string{"rh-1", "rh-2", "rh-3", "rh-4", "rh-5"} {
		fb.push(events.QueueTaskCreated, newDelivery(t, h))
	}
	rt := newTestRuntime(t, fb)

	gate := make(chan struct{})
	var mu sync.Mutex
	active, maxActive, total := 0, 0, 0

	id, err := rt.Start(events.QueueTaskCreated, func(context.Context, broker.Delivery) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		<-gate
		mu.Lock()
		active--
		total++
		mu.Unlock()
		return nil
	}, fastOptions(WithMaxConcurrency(2))...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 2
	}, 2*time.Second, 5*time.Millisecond)

	stats, err := rt.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, events.QueueTaskCreated, stats.Queue)
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.InFlight)

	close(gate)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, maxActive, "never more handlers than maxConcurrency")
	mu.Unlock()
	for _, call := range fb.receivesFor(events.QueueTaskCreated) {
		assert.LessOrEqual(t, call.opts.MaxMessages, 2, "poll batch respects free slots")
	}
}

func TestAutoExtendWhileHandlerRuns(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-slow"))
	rt := newTestRuntime(t, fb)

	_, err := rt.Start(events.QueueTaskCreated, func(context.Context, broker.Delivery) error {
		time.Sleep(120 * time.Millisecond)
		return nil
	}, fastOptions(WithExtendInterval(15*time.Millisecond), WithVisibilityTimeout(time.Minute))...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(fb.extendCalls("rh-slow")) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	calls := fb.extendCalls("rh-slow")
	require.NotEmpty(t, calls)
	assert.Equal(t, time.Minute, calls[0].timeout)

	// Once the handler is done the extender stops.
	assert.Eventually(t, func() bool {
		for _, h := range fb.deletedHandles() {
			if h == "rh-slow" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	settled := len(fb.extendCalls("rh-slow"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, len(fb.extendCalls("rh-slow")))
}

func TestWithoutAutoExtend(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-1"))
	rt := newTestRuntime(t, fb)

	_, err := rt.Start(events.QueueTaskCreated, func(context.Context, broker.Delivery) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}, fastOptions(WithoutAutoExtend(), WithExtendInterval(5*time.Millisecond))...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(fb.deletedHandles()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, fb.extendCalls("rh-1"))
}

func TestReceiveErrorDoesNotKillLoop(t *testing.T) {
	fb := newFakeBroker()
	fb.failNextReceive(errors.New("backend hiccup"))
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-1"))
	rt := newTestRuntime(t, fb)

	_, err := rt.Start(events.QueueTaskCreated, func(context.Context, broker.Delivery) error {
		return nil
	}, fastOptions()...)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, h := range fb.deletedHandles() {
			if h == "rh-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerContextCarriesIdentity(t *testing.T) {
	fb := newFakeBroker()
	fb.push(events.QueueTaskCreated, newDelivery(t, "rh-1",
		events.WithCorrelationId("corr-1"),
		events.WithTenant("tenant-1", "acme"),
		events.WithUserId("user-1"),
	))
	rt := newTestRuntime(t, fb)

	type identity struct {
		correlationId string
		tenantId      string
		userId        string
	}
	idCh := make(chan identity, 1)
	_, err := rt.Start(events.QueueTaskCreated, func(ctx context.Context, _ broker.Delivery) error {
		var got identity
		got.correlationId, _ = util.CorrelationIdFromCtx(ctx)
		got.tenantId, _ = util.TenantIdFromCtx(ctx)
		got.userId, _ = util.UserIdFromCtx(ctx)
		idCh <- got
		return nil
	}, fastOptions()...)
	require.NoError(t, err)

	select {
	case got := <-idCh:
		assert.Equal(t, "corr-1", got.correlationId)
		assert.Equal(t, "tenant-1", got.tenantId)
		assert.Equal(t, "user-1", got.userId)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}
