// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import "context"

// abortContext derives a context from parent that is cancelled with
// ErrAborted once an item lands on signals for id, or with the close
// reason once id is closed. The watcher exits with the id.
func abortContext(parent context.Context, signals *PullableQueue[struct{}], id RequestID) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		if _, err := signals.Pull(ctx, id); err != nil {
			cancel(err)
			return
		}
		cancel(ErrAborted)
	}()
	return ctx, cancel
}
