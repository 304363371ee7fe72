// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPullableQueueFIFO(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	q := NewPullableQueue[int]()
	q.Open("1")
	require.True(q.IsOpen("1"))
	require.False(q.IsOpen("2"))

	require.NoError(q.Push("1", 1))
	require.NoError(q.Push("1", 2))

	v, err := q.Pull(ctx, "1")
	require.NoError(err)
	require.Equal(1, v)

	require.NoError(q.Push("1", 3))
	v, err = q.Pull(ctx, "1")
	require.NoError(err)
	require.Equal(2, v)
	v, err = q.Pull(ctx, "1")
	require.NoError(err)
	require.Equal(3, v)
}

func TestPullableQueueWaitersPairInOrder(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewPullableQueue[string]()
	q.Open("a")

	const n = 3
	results := make([]chan string, n)
	for i := range results {
		results[i] = make(chan string, 1)
		go func(ch chan string) {
			v, err := q.Pull(ctx, "a")
			if err != nil {
				ch <- err.Error()
				return
			}
			ch <- v
		}(results[i])
		// Let each pull register before starting the next one.
		require.Eventually(func() bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			return len(q.open["a"].waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	require.NoError(q.Push("a", "first"))
	require.NoError(q.Push("a", "second"))
	require.NoError(q.Push("a", "third"))

	require.Equal("first", <-results[0])
	require.Equal("second", <-results[1])
	require.Equal("third", <-results[2])
}

func TestPullableQueueCloseRejectsPendingPulls(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewPullableQueue[int]()
	q.Open("1")

	reason := errors.New("gone")
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pull(ctx, "1")
			errs <- err
		}()
	}
	require.Eventually(func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.open["1"].waiters) == 4
	}, time.Second, time.Millisecond)

	q.Close("1", reason)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(err, reason)
	}
	require.False(q.IsOpen("1"))
}

func TestPullableQueueCloseDiscardsBuffered(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	q := NewPullableQueue[int]()
	q.Open("1")
	require.NoError(q.Push("1", 7))
	q.Close("1", nil)

	_, err := q.Pull(ctx, "1")
	require.ErrorIs(err, ErrQueueNotOpen)

	q.Open("1")
	_, err = q.Pull(ctx, "1")
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestPullableQueueUnknownID(t *testing.T) {
	require := require.New(t)

	q := NewPullableQueue[int]()
	require.ErrorIs(q.Push("x", 1), ErrQueueNotOpen)
	_, err := q.Pull(context.Background(), "x")
	require.ErrorIs(err, ErrQueueNotOpen)

	q.Close("x", nil)
	require.Zero(q.Len())
}

func TestPullableQueuePullCancelled(t *testing.T) {
	require := require.New(t)

	q := NewPullableQueue[int]()
	q.Open("1")

	cause := errors.New("caller gave up")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(cause)
	}()
	_, err := q.Pull(ctx, "1")
	require.ErrorIs(err, cause)

	// The abandoned pull must not swallow the next item.
	require.NoError(q.Push("1", 5))
	v, err := q.Pull(context.Background(), "1")
	require.NoError(err)
	require.Equal(5, v)
}

func TestPullableQueueCloseAll(t *testing.T) {
	require := require.New(t)

	q := NewPullableQueue[int]()
	q.Open("1")
	q.Open("2")
	require.Equal(2, q.Len())

	q.CloseAll(nil)
	require.Zero(q.Len())
	require.ErrorIs(q.Push("1", 1), ErrQueueNotOpen)
}

func TestConsumableQueue(t *testing.T) {
	require := require.New(t)

	type item struct {
		id RequestID
		v  int
	}
	var (
		got    []item
		closed []RequestID
	)
	sinkErr := errors.New("sink failed")
	q := NewConsumableQueue(func(id RequestID, v int) error {
		if v < 0 {
			return sinkErr
		}
		got = append(got, item{id, v})
		return nil
	}, func(id RequestID, _ error) {
		closed = append(closed, id)
	})

	require.ErrorIs(q.Push("1", 1), ErrQueueNotOpen)

	q.Open("1")
	q.Open("2")
	require.NoError(q.Push("1", 1))
	require.NoError(q.Push("2", 2))
	require.NoError(q.Push("1", 3))
	require.ErrorIs(q.Push("1", -1), sinkErr)
	require.Equal([]item{{"1", 1}, {"2", 2}, {"1", 3}}, got)

	q.Close("1", nil)
	q.Close("1", nil)
	require.Equal([]RequestID{"1"}, closed)
	require.False(q.IsOpen("1"))

	q.CloseAll(nil)
	require.Equal([]RequestID{"1", "2"}, closed)
	require.Zero(q.Len())
}
