// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EventKind tags one item of a streamed body.
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindError   EventKind = "error"
	EventKindDone    EventKind = "done"
)

// EventMeta carries resumption hints for one event, in the spirit of
// Server-Sent-Events fields.
type EventMeta struct {
	ID       string   `json:"id,omitempty"`
	Retry    *int     `json:"retry,omitempty"`
	Comments []string `json:"comments,omitempty"`
}

// EventPayload is what travels in an EVENT_ITERATOR message.
type EventPayload struct {
	Event EventKind
	Data  any
	Meta  *EventMeta
}

// Event is one step of an EventIterator. Done marks the final value.
type Event struct {
	Value any
	Meta  *EventMeta
	Done  bool
}

// EventError is an error carried inside a stream. Data is forwarded to the
// remote end; any other error crosses the wire without data.
type EventError struct {
	Data any
	Meta *EventMeta
}

func (e *EventError) Error() string {
	if e.Data == nil {
		return "peer: event iterator error"
	}
	return fmt.Sprintf("peer: event iterator error: %v", e.Data)
}

// CloseReason tells an EventIterator why it is being closed.
type CloseReason int

const (
	// CloseReasonNext: the stream ended on its own (done or error).
	CloseReasonNext CloseReason = iota
	// CloseReasonReturn: the consumer stopped before the end.
	CloseReasonReturn
	// CloseReasonThrow: delivering the stream failed; cause holds the error.
	CloseReasonThrow
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNext:
		return "next"
	case CloseReasonReturn:
		return "return"
	case CloseReasonThrow:
		return "throw"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// EventIterator is a streamed body. Next blocks for the next event; after a
// Done event or an error the stream is over. Close releases the source and
// is called at most once by the peers.
type EventIterator interface {
	Next(ctx context.Context) (Event, error)
	Close(reason CloseReason, cause error) error
}

// SendEventIterator drains it into queue under id, one EVENT_ITERATOR
// payload per step, and returns once the stream ended, the id was closed or
// a push failed. it is always closed exactly once. onComplete, if not nil,
// runs once with the returned error.
func SendEventIterator(ctx context.Context, queue *ConsumableQueue[EventPayload], id RequestID, it EventIterator, onComplete func(error)) (err error) {
	if onComplete != nil {
		defer func() { onComplete(err) }()
	}

	cancelled := func() bool {
		return !queue.IsOpen(id) || ctx.Err() != nil
	}

	for {
		ev, nextErr := it.Next(ctx)
		if cancelled() {
			_ = it.Close(CloseReasonReturn, context.Cause(ctx))
			return nil
		}

		var payload EventPayload
		final := true
		switch {
		case nextErr != nil:
			payload = EventPayload{Event: EventKindError}
			var evErr *EventError
			if errors.As(nextErr, &evErr) {
				payload.Data, payload.Meta = evErr.Data, evErr.Meta
			}
		case ev.Done:
			payload = EventPayload{Event: EventKindDone, Data: ev.Value, Meta: ev.Meta}
		default:
			payload = EventPayload{Event: EventKindMessage, Data: ev.Value, Meta: ev.Meta}
			final = false
		}

		if pushErr := queue.Push(id, payload); pushErr != nil {
			if cancelled() {
				_ = it.Close(CloseReasonReturn, context.Cause(ctx))
				return nil
			}
			_ = it.Close(CloseReasonThrow, pushErr)
			return pushErr
		}
		if final {
			_ = it.Close(CloseReasonNext, nil)
			return nil
		}
		if cancelled() {
			_ = it.Close(CloseReasonReturn, context.Cause(ctx))
			return nil
		}
	}
}

// discardBody closes body when it is a stream that will never be drained.
func discardBody(body any, reason CloseReason, cause error) {
	if it, ok := body.(EventIterator); ok {
		_ = it.Close(reason, cause)
	}
}

type remoteIterator struct {
	queue      *PullableQueue[EventPayload]
	id         RequestID
	onComplete func(CloseReason)

	mu   sync.Mutex
	done bool
	once sync.Once
}

// ToEventIterator exposes the EVENT_ITERATOR payloads arriving for id as an
// EventIterator. onComplete runs once: with CloseReasonNext when the stream
// ends, or with the consumer's reason when it closes early.
func ToEventIterator(queue *PullableQueue[EventPayload], id RequestID, onComplete func(CloseReason)) EventIterator {
	return &remoteIterator{queue: queue, id: id, onComplete: onComplete}
}

func (r *remoteIterator) Next(ctx context.Context) (Event, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return Event{Done: true}, nil
	}

	p, err := r.queue.Pull(ctx, r.id)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
			// The caller gave up waiting; the stream itself is still live.
			return Event{}, err
		}
		r.finish(CloseReasonNext)
		return Event{}, err
	}

	switch p.Event {
	case EventKindMessage:
		return Event{Value: p.Data, Meta: p.Meta}, nil
	case EventKindDone:
		r.finish(CloseReasonNext)
		return Event{Value: p.Data, Meta: p.Meta, Done: true}, nil
	case EventKindError:
		r.finish(CloseReasonNext)
		return Event{}, &EventError{Data: p.Data, Meta: p.Meta}
	default:
		r.finish(CloseReasonNext)
		return Event{}, fmt.Errorf("%w: unknown event %q", ErrMalformedMessage, p.Event)
	}
}

// Close stops the stream early. Closing a finished stream is a no-op.
func (r *remoteIterator) Close(reason CloseReason, _ error) error {
	if reason == CloseReasonNext {
		reason = CloseReasonReturn
	}
	r.finish(reason)
	return nil
}

func (r *remoteIterator) finish(reason CloseReason) {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	r.once.Do(func() {
		if r.onComplete != nil {
			r.onComplete(reason)
		}
	})
}

type funcIterator struct {
	next    func(ctx context.Context) (Event, error)
	cleanup func(reason CloseReason, cause error) error
	once    sync.Once
}

// NewFuncIterator builds an EventIterator from a step function and an
// optional cleanup, which runs at most once whatever the close reason.
func NewFuncIterator(next func(ctx context.Context) (Event, error), cleanup func(reason CloseReason, cause error) error) EventIterator {
	return &funcIterator{next: next, cleanup: cleanup}
}

func (f *funcIterator) Next(ctx context.Context) (Event, error) {
	return f.next(ctx)
}

func (f *funcIterator) Close(reason CloseReason, cause error) error {
	var err error
	f.once.Do(func() {
		if f.cleanup != nil {
			err = f.cleanup(reason, cause)
		}
	})
	return err
}

// NewSliceIterator yields each value of values, then ends with final.
func NewSliceIterator(values []any, final any) EventIterator {
	var (
		mu sync.Mutex
		i  int
	)
	return NewFuncIterator(func(context.Context) (Event, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case i < len(values):
			v := values[i]
			i++
			return Event{Value: v}, nil
		case i == len(values):
			i++
			return Event{Value: final, Done: true}, nil
		default:
			return Event{Done: true}, nil
		}
	}, nil)
}
