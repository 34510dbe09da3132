package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/events"
)

func testEnvelope(t *testing.T) *events.Envelope {
	t.Helper()
	e, err := events.New("tenant.created", "1.0", "tenant-service", map[string]any{"tenantId": "tenant-1"})
	require.NoError(t, err)
	return e
}

func noopHandler(context.Context, *events.Envelope) error { return nil }

func TestSubscribeOpensChannelOnce(t *testing.T) {
	d := New(zap.NewNop())

	var opened, released atomic.Int32
	open := func() (ReleaseFunc, error) {
		opened.Add(1)
		return func() { released.Add(1) }, nil
	}

	first, err := d.Subscribe(events.TopicTenantCreated, noopHandler, open)
	require.NoError(t, err)
	second, err := d.Subscribe(events.TopicTenantCreated, noopHandler, open)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(1), opened.Load(), "channel opens only for the first handler")
	assert.Equal(t, 2, d.HandlerCount(events.TopicTenantCreated))

	require.NoError(t, d.Unsubscribe(events.TopicTenantCreated, first))
	assert.Equal(t, int32(0), released.Load(), "channel stays open while handlers remain")

	require.NoError(t, d.Unsubscribe(events.TopicTenantCreated, second))
	assert.Equal(t, int32(1), released.Load(), "last removal releases the channel")
	assert.Equal(t, 0, d.HandlerCount(events.TopicTenantCreated))
}

func TestSubscribeOpenerError(t *testing.T) {
	d := New(zap.NewNop())

	openErr := errors.New("connect refused")
	_, err := d.Subscribe(events.TopicTenantCreated, noopHandler, func() (ReleaseFunc, error) {
		return nil, openErr
	})
	assert.ErrorIs(t, err, openErr)
	assert.Equal(t, 0, d.HandlerCount(events.TopicTenantCreated), "failed open leaves nothing registered")
}

func TestSubscribeNilHandler(t *testing.T) {
	d := New(zap.NewNop())
	_, err := d.Subscribe(events.TopicTenantCreated, nil, nil)
	assert.ErrorIs(t, err, broker.ErrNilHandler)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	d := New(zap.NewNop())

	var calls atomic.Int32
	_, err := d.Subscribe(events.TopicUserRegistered, func(context.Context, *events.Envelope) error {
		calls.Add(1)
		return errors.New("boom")
	}, nil)
	require.NoError(t, err)
	_, err = d.Subscribe(events.TopicUserRegistered, func(context.Context, *events.Envelope) error {
		calls.Add(1)
		panic("handler exploded")
	}, nil)
	require.NoError(t, err)
	_, err = d.Subscribe(events.TopicUserRegistered, func(context.Context, *events.Envelope) error {
		calls.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), events.TopicUserRegistered, testEnvelope(t))
	})
	assert.Equal(t, int32(3), calls.Load(), "every handler runs despite failures")
}

func TestDispatchWithoutHandlers(t *testing.T) {
	d := New(zap.NewNop())
	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), events.TopicTenantUpdated, testEnvelope(t))
	})
}

func TestUnsubscribeUnknown(t *testing.T) {
	d := New(zap.NewNop())
	assert.ErrorIs(t, d.Unsubscribe(events.TopicTenantCreated, "missing"), broker.ErrSubscriptionNotFound)

	id, err := d.Subscribe(events.TopicTenantCreated, noopHandler, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Unsubscribe(events.TopicTenantCreated, "missing"), broker.ErrSubscriptionNotFound)
	assert.ErrorIs(t, d.Unsubscribe(events.TopicTenantUpdated, id), broker.ErrSubscriptionNotFound)
}

func TestCloseAll(t *testing.T) {
	d := New(zap.NewNop())

	var released atomic.Int32
	open := func() (ReleaseFunc, error) {
		return func() { released.Add(1) }, nil
	}
	_, err := d.Subscribe(events.TopicTenantCreated, noopHandler, open)
	require.NoError(t, err)
	_, err = d.Subscribe(events.TopicUserRegistered, noopHandler, open)
	require.NoError(t, err)

	d.CloseAll()
	assert.Equal(t, int32(2), released.Load())
	assert.Equal(t, 0, d.HandlerCount(events.TopicTenantCreated))
}
