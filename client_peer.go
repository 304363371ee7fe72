// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type clientExchange struct {
	state ExchangeState
	// stop detaches the abort forwarder from the caller's context.
	stop func() bool
}

// ClientPeer issues requests over one message channel and matches the
// server's answers back to them. It is safe for concurrent use.
type ClientPeer struct {
	send    SendFunc
	log     *zap.Logger
	metrics *Metrics
	ids     IDGenerator

	requests       *ConsumableQueue[*Request]
	requestEvents  *ConsumableQueue[EventPayload]
	requestSignals *ConsumableQueue[struct{}]

	responses       *PullableQueue[*Response]
	responseEvents  *PullableQueue[EventPayload]
	responseSignals *PullableQueue[struct{}]

	mu        sync.Mutex
	exchanges map[RequestID]*clientExchange
}

// NewClientPeer returns a peer that writes outbound messages with send.
// Messages received from the server must be passed to Message.
func NewClientPeer(send SendFunc, opts ...PeerOption) *ClientPeer {
	o := newPeerOptions(opts)
	c := &ClientPeer{
		send:            send,
		log:             o.logger,
		metrics:         o.metrics,
		ids:             o.ids,
		responses:       NewPullableQueue[*Response](),
		responseEvents:  NewPullableQueue[EventPayload](),
		responseSignals: NewPullableQueue[struct{}](),
		exchanges:       make(map[RequestID]*clientExchange),
	}
	c.requests = NewConsumableQueue(func(id RequestID, req *Request) error {
		return c.transmit(id, MessageTypeRequest, req)
	}, nil)
	c.requestEvents = NewConsumableQueue(func(id RequestID, ev EventPayload) error {
		return c.transmit(id, MessageTypeEventIterator, ev)
	}, nil)
	c.requestSignals = NewConsumableQueue(func(id RequestID, _ struct{}) error {
		return c.transmit(id, MessageTypeAbortSignal, nil)
	}, nil)
	return c
}

func (c *ClientPeer) transmit(id RequestID, typ MessageType, payload any) error {
	msg, err := EncodeRequestMessage(id, typ, payload)
	if err != nil {
		return err
	}
	if err := c.send(context.Background(), msg); err != nil {
		c.metrics.sendFailed(sideClient)
		return err
	}
	c.metrics.messageSent(sideClient, typ)
	return nil
}

// Request sends req and waits for the matching response. ctx acts as the
// request's abort signal: cancelling it before the exchange finishes sends
// one ABORT_SIGNAL and fails the call with context.Cause(ctx).
//
// When the response streams, its Body is an EventIterator and the exchange
// stays open until the stream ends or is closed by the caller.
func (c *ClientPeer) Request(ctx context.Context, req *Request) (*Response, error) {
	if err := context.Cause(ctx); err != nil {
		discardBody(req.Body, CloseReasonReturn, err)
		return nil, err
	}

	id := c.ids.NextID()
	c.open(id)

	if err := c.requests.Push(id, req); err != nil {
		discardBody(req.Body, CloseReasonThrow, err)
		c.Close(id, err)
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.abort(id)
		c.Close(id, context.Cause(ctx))
	})
	c.mu.Lock()
	if ex, ok := c.exchanges[id]; ok {
		ex.stop = stop
	} else {
		stop()
	}
	c.mu.Unlock()

	if it, ok := req.Body.(EventIterator); ok {
		bodyCtx, cancelBody := abortContext(context.Background(), c.responseSignals, id)
		go func() {
			_ = SendEventIterator(bodyCtx, c.requestEvents, id, it, func(err error) {
				cancelBody(nil)
				if err != nil {
					c.Close(id, err)
				}
			})
		}()
	}

	resp, err := c.responses.Pull(context.Background(), id)
	if err != nil {
		return nil, err
	}

	if IsEventIteratorHeaders(resp.Headers) {
		c.setState(id, StateStreaming)
		resp.Body = ToEventIterator(c.responseEvents, id, func(reason CloseReason) {
			if reason != CloseReasonNext {
				c.abort(id)
			}
			c.Close(id, nil)
		})
		return resp, nil
	}

	c.Close(id, nil)
	return resp, nil
}

// abort tells the server to stop working on id. Failures are only logged.
func (c *ClientPeer) abort(id RequestID) {
	if !c.requestSignals.IsOpen(id) {
		return
	}
	if err := c.requestSignals.Push(id, struct{}{}); err != nil {
		c.log.Debug("failed to forward abort",
			zap.String("id", string(id)),
			zap.Error(err),
		)
	}
}

// Message handles one message received from the server. Traffic for ids
// that are no longer open is dropped. A payload that cannot be decoded
// fails its exchange; an unreadable envelope is returned as an error.
func (c *ClientPeer) Message(_ context.Context, raw []byte) error {
	id, typ, payload, err := DecodeResponseMessage(raw)
	if err != nil {
		c.metrics.decodeFailed(sideClient)
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) && c.isOpen(decodeErr.ID) {
			c.Close(decodeErr.ID, err)
			return nil
		}
		return err
	}
	c.metrics.messageReceived(sideClient, typ)

	switch typ {
	case MessageTypeEventIterator:
		err = c.responseEvents.Push(id, payload.(EventPayload))
	case MessageTypeAbortSignal:
		err = c.responseSignals.Push(id, struct{}{})
	case MessageTypeResponse:
		err = c.responses.Push(id, payload.(*Response))
	}
	if err != nil {
		c.log.Debug("dropping message",
			zap.String("id", string(id)),
			zap.Stringer("type", typ),
			zap.Error(err),
		)
	}
	return nil
}

func (c *ClientPeer) open(id RequestID) {
	c.mu.Lock()
	c.exchanges[id] = &clientExchange{state: StateOpen}
	c.mu.Unlock()

	c.requests.Open(id)
	c.requestEvents.Open(id)
	c.requestSignals.Open(id)
	c.responses.Open(id)
	c.responseEvents.Open(id)
	c.responseSignals.Open(id)
	c.metrics.exchangeOpened(sideClient)
}

func (c *ClientPeer) isOpen(id RequestID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.exchanges[id]
	return ok
}

func (c *ClientPeer) setState(id RequestID, state ExchangeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex, ok := c.exchanges[id]; ok {
		ex.state = state
	}
}

// State reports where the exchange for id is in its lifecycle.
func (c *ClientPeer) State(id RequestID) ExchangeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex, ok := c.exchanges[id]; ok {
		return ex.state
	}
	return StateClosed
}

// Len returns the number of open exchanges.
func (c *ClientPeer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exchanges)
}

// Close tears down the exchange for id, failing whatever still waits on it
// with reason. A nil reason means ErrExchangeClosed.
func (c *ClientPeer) Close(id RequestID, reason error) {
	if reason == nil {
		reason = ErrExchangeClosed
	}
	c.mu.Lock()
	ex, ok := c.exchanges[id]
	delete(c.exchanges, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.requests.Close(id, reason)
	c.requestEvents.Close(id, reason)
	c.requestSignals.Close(id, reason)
	c.responses.Close(id, reason)
	c.responseEvents.Close(id, reason)
	c.responseSignals.Close(id, reason)
	if ex.stop != nil {
		ex.stop()
	}
	c.metrics.exchangeClosed(sideClient)
}

// CloseAll tears down every open exchange. Adapters call it when the
// underlying channel goes away.
func (c *ClientPeer) CloseAll(reason error) {
	c.mu.Lock()
	ids := make([]RequestID, 0, len(c.exchanges))
	for id := range c.exchanges {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Close(id, reason)
	}
}
