package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEvent 测试用事件
type fakeEvent struct {
	typ string
	agg string
}

func (e fakeEvent) EventType() string   { return e.typ }
func (e fakeEvent) AggregateID() string { return e.agg }

func TestDispatchOrderAndFanout(t *testing.T) {
	d := New()
	var got []string

	d.Subscribe("a", func(ctx context.Context, e Event) error {
		got = append(got, "a:"+e.AggregateID())
		return nil
	})
	d.Subscribe("b", func(ctx context.Context, e Event) error {
		got = append(got, "b:"+e.AggregateID())
		return nil
	})

	d.Dispatch(context.Background(),
		fakeEvent{"a", "1"}, fakeEvent{"b", "2"}, fakeEvent{"a", "3"})

	// 事件按产生顺序分发
	assert.Equal(t, []string{"a:1", "b:2", "a:3"}, got)
}

func TestSubscriberErrorDoesNotStopOthers(t *testing.T) {
	d := New()
	var calls []string
	var reported []error

	d.OnError(func(ctx context.Context, e Event, err error) { reported = append(reported, err) })
	d.Subscribe("x", func(ctx context.Context, e Event) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	d.Subscribe("x", func(ctx context.Context, e Event) error {
		calls = append(calls, "second")
		return nil
	})

	d.Dispatch(context.Background(), fakeEvent{"x", "1"})

	assert.Equal(t, []string{"first", "second"}, calls)
	require.Len(t, reported, 1)
	assert.EqualError(t, reported[0], "boom")
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	d := New()
	var second bool

	d.Subscribe("x", func(ctx context.Context, e Event) error { panic("kaboom") })
	d.Subscribe("x", func(ctx context.Context, e Event) error { second = true; return nil })

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), fakeEvent{"x", "1"})
	})
	assert.True(t, second)
}

func TestRunPublishesOnlyAfterCommit(t *testing.T) {
	d := New()
	var delivered int
	d.Subscribe("x", func(ctx context.Context, e Event) error { delivered++; return nil })

	// 提交失败：不发布
	err := d.Run(context.Background(), func(ctx context.Context) ([]Event, error) {
		return []Event{fakeEvent{"x", "1"}}, errors.New("db down")
	})
	require.Error(t, err)
	assert.Zero(t, delivered)

	// 提交成功：发布
	err = d.Run(context.Background(), func(ctx context.Context) ([]Event, error) {
		return []Event{fakeEvent{"x", "1"}, nil, fakeEvent{"x", "2"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
}

func TestObserverSeesAllEvents(t *testing.T) {
	d := New()
	var seen []string
	d.Observe(func(ctx context.Context, e Event) { seen = append(seen, e.EventType()) })

	d.Dispatch(context.Background(), fakeEvent{"a", "1"}, fakeEvent{"b", "2"})
	assert.Equal(t, []string{"a", "b"}, seen)
}
