// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type cleanupRecorder struct {
	mu      sync.Mutex
	reasons []CloseReason
	causes  []error
}

func (c *cleanupRecorder) cleanup(reason CloseReason, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
	c.causes = append(c.causes, cause)
	return nil
}

func (c *cleanupRecorder) calls() []CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CloseReason(nil), c.reasons...)
}

// stepIterator yields steps in order; a step with a non-nil err fails.
func stepIterator(rec *cleanupRecorder, steps ...func() (Event, error)) EventIterator {
	i := 0
	return NewFuncIterator(func(context.Context) (Event, error) {
		step := steps[i]
		i++
		return step()
	}, rec.cleanup)
}

func threeStepIterator(rec *cleanupRecorder) EventIterator {
	return stepIterator(rec,
		func() (Event, error) { return Event{Value: "hello"}, nil },
		func() (Event, error) {
			return Event{Value: map[string]any{"n": 2}, Meta: &EventMeta{ID: "id-1"}}, nil
		},
		func() (Event, error) {
			return Event{Value: "bye", Meta: &EventMeta{ID: "id-2"}, Done: true}, nil
		},
	)
}

func collectingQueue() (*ConsumableQueue[EventPayload], *[]EventPayload) {
	var got []EventPayload
	q := NewConsumableQueue(func(_ RequestID, p EventPayload) error {
		got = append(got, p)
		return nil
	}, nil)
	return q, &got
}

func TestSendEventIterator(t *testing.T) {
	require := require.New(t)

	q, got := collectingQueue()
	q.Open("1")
	rec := &cleanupRecorder{}

	var completions []error
	err := SendEventIterator(context.Background(), q, "1", threeStepIterator(rec), func(err error) {
		completions = append(completions, err)
	})
	require.NoError(err)
	require.Equal([]EventPayload{
		{Event: EventKindMessage, Data: "hello"},
		{Event: EventKindMessage, Data: map[string]any{"n": 2}, Meta: &EventMeta{ID: "id-1"}},
		{Event: EventKindDone, Data: "bye", Meta: &EventMeta{ID: "id-2"}},
	}, *got)
	require.Equal([]CloseReason{CloseReasonNext}, rec.calls())
	require.Equal([]error{nil}, completions)
}

func TestSendEventIteratorErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want EventPayload
	}{
		{
			name: "event error keeps data and meta",
			err:  &EventError{Data: map[string]any{"code": "BAD"}, Meta: &EventMeta{ID: "e-1"}},
			want: EventPayload{Event: EventKindError, Data: map[string]any{"code": "BAD"}, Meta: &EventMeta{ID: "e-1"}},
		},
		{
			name: "plain error carries no data",
			err:  errors.New("internal detail"),
			want: EventPayload{Event: EventKindError},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			q, got := collectingQueue()
			q.Open("1")
			rec := &cleanupRecorder{}
			it := stepIterator(rec,
				func() (Event, error) { return Event{Value: 1}, nil },
				func() (Event, error) { return Event{}, tt.err },
			)

			require.NoError(SendEventIterator(context.Background(), q, "1", it, nil))
			require.Equal([]EventPayload{{Event: EventKindMessage, Data: 1}, tt.want}, *got)
			require.Equal([]CloseReason{CloseReasonNext}, rec.calls())
		})
	}
}

func TestSendEventIteratorStopsWhenClosed(t *testing.T) {
	require := require.New(t)

	var (
		q    *ConsumableQueue[EventPayload]
		sent int
	)
	q = NewConsumableQueue(func(id RequestID, _ EventPayload) error {
		sent++
		if sent == 2 {
			q.Close(id, nil)
		}
		return nil
	}, nil)
	q.Open("1")

	rec := &cleanupRecorder{}
	it := NewFuncIterator(func(context.Context) (Event, error) {
		return Event{Value: "tick"}, nil
	}, rec.cleanup)

	require.NoError(SendEventIterator(context.Background(), q, "1", it, nil))
	require.Equal(2, sent)
	require.Equal([]CloseReason{CloseReasonReturn}, rec.calls())
}

func TestSendEventIteratorPushFailure(t *testing.T) {
	require := require.New(t)

	sendErr := errors.New("socket closed")
	q := NewConsumableQueue(func(RequestID, EventPayload) error {
		return sendErr
	}, nil)
	q.Open("1")

	rec := &cleanupRecorder{}
	var completion error
	err := SendEventIterator(context.Background(), q, "1", threeStepIterator(rec), func(err error) {
		completion = err
	})
	require.ErrorIs(err, sendErr)
	require.ErrorIs(completion, sendErr)
	require.Equal([]CloseReason{CloseReasonThrow}, rec.calls())
	require.ErrorIs(rec.causes[0], sendErr)
}

func TestSendEventIteratorContextCancelled(t *testing.T) {
	require := require.New(t)

	q, got := collectingQueue()
	q.Open("1")

	ctx, cancel := context.WithCancel(context.Background())
	rec := &cleanupRecorder{}
	it := NewFuncIterator(func(ctx context.Context) (Event, error) {
		cancel()
		<-ctx.Done()
		return Event{}, ctx.Err()
	}, rec.cleanup)

	require.NoError(SendEventIterator(ctx, q, "1", it, nil))
	require.Empty(*got)
	require.Equal([]CloseReason{CloseReasonReturn}, rec.calls())
}

func TestToEventIteratorReplay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	q := NewPullableQueue[EventPayload]()
	q.Open("1")
	require.NoError(q.Push("1", EventPayload{Event: EventKindMessage, Data: "hello"}))
	require.NoError(q.Push("1", EventPayload{Event: EventKindMessage, Data: 2.0, Meta: &EventMeta{ID: "id-1"}}))
	require.NoError(q.Push("1", EventPayload{Event: EventKindDone, Data: "bye", Meta: &EventMeta{ID: "id-2"}}))

	var reasons []CloseReason
	it := ToEventIterator(q, "1", func(reason CloseReason) {
		reasons = append(reasons, reason)
	})

	ev, err := it.Next(ctx)
	require.NoError(err)
	require.Equal(Event{Value: "hello"}, ev)

	ev, err = it.Next(ctx)
	require.NoError(err)
	require.Equal(Event{Value: 2.0, Meta: &EventMeta{ID: "id-1"}}, ev)

	ev, err = it.Next(ctx)
	require.NoError(err)
	require.Equal(Event{Value: "bye", Meta: &EventMeta{ID: "id-2"}, Done: true}, ev)

	for i := 0; i < 2; i++ {
		ev, err = it.Next(ctx)
		require.NoError(err)
		require.Equal(Event{Done: true}, ev)
	}

	require.NoError(it.Close(CloseReasonReturn, nil))
	require.Equal([]CloseReason{CloseReasonNext}, reasons)
}

func TestToEventIteratorErrorEvent(t *testing.T) {
	require := require.New(t)

	q := NewPullableQueue[EventPayload]()
	q.Open("1")
	require.NoError(q.Push("1", EventPayload{Event: EventKindError, Data: "boom", Meta: &EventMeta{ID: "x"}}))

	it := ToEventIterator(q, "1", nil)
	_, err := it.Next(context.Background())
	var evErr *EventError
	require.True(errors.As(err, &evErr))
	require.Equal("boom", evErr.Data)
	require.Equal(&EventMeta{ID: "x"}, evErr.Meta)
}

func TestToEventIteratorEarlyClose(t *testing.T) {
	require := require.New(t)

	q := NewPullableQueue[EventPayload]()
	q.Open("1")

	var reasons []CloseReason
	it := ToEventIterator(q, "1", func(reason CloseReason) {
		reasons = append(reasons, reason)
	})
	require.NoError(it.Close(CloseReasonNext, nil))
	require.NoError(it.Close(CloseReasonThrow, nil))
	require.Equal([]CloseReason{CloseReasonReturn}, reasons)

	ev, err := it.Next(context.Background())
	require.NoError(err)
	require.True(ev.Done)
}

func TestToEventIteratorQueueClosed(t *testing.T) {
	require := require.New(t)

	q := NewPullableQueue[EventPayload]()
	q.Open("1")

	var reasons []CloseReason
	it := ToEventIterator(q, "1", func(reason CloseReason) {
		reasons = append(reasons, reason)
	})
	q.Close("1", ErrAborted)

	_, err := it.Next(context.Background())
	require.ErrorIs(err, ErrQueueNotOpen)
	require.Equal([]CloseReason{CloseReasonNext}, reasons)
}

func TestToEventIteratorCallerTimeoutKeepsStream(t *testing.T) {
	require := require.New(t)

	q := NewPullableQueue[EventPayload]()
	q.Open("1")
	it := ToEventIterator(q, "1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := it.Next(ctx)
	require.ErrorIs(err, context.Canceled)

	require.NoError(q.Push("1", EventPayload{Event: EventKindMessage, Data: "late"}))
	ev, err := it.Next(context.Background())
	require.NoError(err)
	require.Equal("late", ev.Value)
}

func TestSliceIterator(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	it := NewSliceIterator([]any{"a", "b"}, "end")
	var got []Event
	for {
		ev, err := it.Next(ctx)
		require.NoError(err)
		got = append(got, ev)
		if ev.Done {
			break
		}
	}
	require.Equal([]Event{{Value: "a"}, {Value: "b"}, {Value: "end", Done: true}}, got)
	require.NoError(it.Close(CloseReasonNext, nil))
}
