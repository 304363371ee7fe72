// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"errors"
	"fmt"
)

var (
	ErrQueueNotOpen     = errors.New("peer: queue id is not open")
	ErrQueueClosed      = errors.New("peer: queue closed")
	ErrExchangeClosed   = errors.New("peer: exchange closed")
	ErrAborted          = errors.New("peer: aborted by remote")
	ErrPeerClosed       = errors.New("peer: closed")
	ErrMalformedMessage = errors.New("peer: malformed message")
	ErrTransportClosed  = errors.New("peer: transport closed")
	ErrMessageTooLarge  = errors.New("peer: message too large")
)

// DecodeError is returned when the envelope of a message could be read but
// its payload could not. ID identifies the exchange the message belonged to.
type DecodeError struct {
	ID  RequestID
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("peer: decode message %q: %v", string(e.ID), e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformedMessage, e.Err}
}

// StatusError carries a non-success response back to a Call site, or lets a
// Handler choose the status of its error response.
type StatusError struct {
	Status int
	Body   any
}

func (e *StatusError) Error() string {
	if e.Body == nil {
		return fmt.Sprintf("peer: status %d", e.Status)
	}
	return fmt.Sprintf("peer: status %d: %v", e.Status, e.Body)
}
