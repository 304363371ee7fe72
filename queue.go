// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"fmt"
	"sync"
)

type pullResult[T any] struct {
	item T
	err  error
}

type pullState[T any] struct {
	items   []T
	waiters []chan pullResult[T]
}

// PullableQueue is a set of FIFO mailboxes keyed by id. Consumers Pull and
// wait for the next pushed item; items pushed with no waiter are buffered.
type PullableQueue[T any] struct {
	mu   sync.Mutex
	open map[RequestID]*pullState[T]
}

func NewPullableQueue[T any]() *PullableQueue[T] {
	return &PullableQueue[T]{open: make(map[RequestID]*pullState[T])}
}

// Open creates the mailbox for id. Opening an open id is a no-op.
func (q *PullableQueue[T]) Open(id RequestID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.open[id]; !ok {
		q.open[id] = &pullState[T]{}
	}
}

func (q *PullableQueue[T]) IsOpen(id RequestID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.open[id]
	return ok
}

// Len returns the number of open ids.
func (q *PullableQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.open)
}

// Push hands item to the longest waiting Pull, or buffers it.
func (q *PullableQueue[T]) Push(id RequestID, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.open[id]
	if !ok {
		return fmt.Errorf("%w: push %q", ErrQueueNotOpen, string(id))
	}
	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		w <- pullResult[T]{item: item}
		return nil
	}
	st.items = append(st.items, item)
	return nil
}

// Pull returns the next item for id, waiting until one is pushed, the id
// is closed or ctx is done.
func (q *PullableQueue[T]) Pull(ctx context.Context, id RequestID) (T, error) {
	var zero T

	q.mu.Lock()
	st, ok := q.open[id]
	if !ok {
		q.mu.Unlock()
		return zero, fmt.Errorf("%w: pull %q", ErrQueueNotOpen, string(id))
	}
	if len(st.items) > 0 {
		item := st.items[0]
		st.items = st.items[1:]
		q.mu.Unlock()
		return item, nil
	}
	ch := make(chan pullResult[T], 1)
	st.waiters = append(st.waiters, ch)
	q.mu.Unlock()

	select {
	case r := <-ch:
		return r.item, r.err
	case <-ctx.Done():
	}

	q.mu.Lock()
	removed := false
	if st, ok := q.open[id]; ok {
		for i, w := range st.waiters {
			if w == ch {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				removed = true
				break
			}
		}
	}
	q.mu.Unlock()
	if !removed {
		// A push or close already answered this waiter.
		r := <-ch
		return r.item, r.err
	}
	return zero, context.Cause(ctx)
}

// Close removes id, rejecting its pending pulls with reason and dropping
// buffered items. A nil reason rejects with ErrQueueClosed.
func (q *PullableQueue[T]) Close(id RequestID, reason error) {
	if reason == nil {
		reason = ErrQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.open[id]
	if !ok {
		return
	}
	delete(q.open, id)
	for _, w := range st.waiters {
		w <- pullResult[T]{err: reason}
	}
}

// CloseAll closes every open id with reason.
func (q *PullableQueue[T]) CloseAll(reason error) {
	if reason == nil {
		reason = ErrQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, st := range q.open {
		delete(q.open, id)
		for _, w := range st.waiters {
			w <- pullResult[T]{err: reason}
		}
	}
}

// ConsumableQueue forwards each Push straight to a sink. Nothing is
// buffered; it only tracks which ids may still push.
type ConsumableQueue[T any] struct {
	mu      sync.Mutex
	open    map[RequestID]struct{}
	consume func(id RequestID, item T) error
	onClose func(id RequestID, reason error)
}

// NewConsumableQueue binds consume as the sink. onClose, if not nil, runs
// for every id that is closed while open.
func NewConsumableQueue[T any](consume func(id RequestID, item T) error, onClose func(id RequestID, reason error)) *ConsumableQueue[T] {
	return &ConsumableQueue[T]{
		open:    make(map[RequestID]struct{}),
		consume: consume,
		onClose: onClose,
	}
}

func (q *ConsumableQueue[T]) Open(id RequestID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.open[id] = struct{}{}
}

func (q *ConsumableQueue[T]) IsOpen(id RequestID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.open[id]
	return ok
}

func (q *ConsumableQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.open)
}

// Push calls the sink with item and returns its error. The sink runs
// without the queue lock held, so a Push that passed the open check may
// still reach the sink after a concurrent Close of the same id. Close does
// not wait for it: a sink can block on the transport, and the remote end
// drops messages for ids it has already closed.
func (q *ConsumableQueue[T]) Push(id RequestID, item T) error {
	if !q.IsOpen(id) {
		return fmt.Errorf("%w: push %q", ErrQueueNotOpen, string(id))
	}
	return q.consume(id, item)
}

func (q *ConsumableQueue[T]) Close(id RequestID, reason error) {
	q.mu.Lock()
	_, ok := q.open[id]
	delete(q.open, id)
	q.mu.Unlock()
	if ok && q.onClose != nil {
		q.onClose(id, reason)
	}
}

func (q *ConsumableQueue[T]) CloseAll(reason error) {
	q.mu.Lock()
	ids := make([]RequestID, 0, len(q.open))
	for id := range q.open {
		ids = append(ids, id)
	}
	q.open = make(map[RequestID]struct{})
	q.mu.Unlock()
	if q.onClose == nil {
		return
	}
	for _, id := range ids {
		q.onClose(id, reason)
	}
}
