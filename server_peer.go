// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type serverExchange struct {
	state  ExchangeState
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// ServerPeer answers the requests arriving over one message channel. It is
// safe for concurrent use.
type ServerPeer struct {
	send    SendFunc
	log     *zap.Logger
	metrics *Metrics

	responses       *ConsumableQueue[*Response]
	responseEvents  *ConsumableQueue[EventPayload]
	responseSignals *ConsumableQueue[struct{}]

	requestEvents  *PullableQueue[EventPayload]
	requestSignals *PullableQueue[struct{}]

	mu        sync.Mutex
	exchanges map[RequestID]*serverExchange
}

// NewServerPeer returns a peer that writes outbound messages with send.
// Messages received from the client must be passed to Message.
func NewServerPeer(send SendFunc, opts ...PeerOption) *ServerPeer {
	o := newPeerOptions(opts)
	s := &ServerPeer{
		send:           send,
		log:            o.logger,
		metrics:        o.metrics,
		requestEvents:  NewPullableQueue[EventPayload](),
		requestSignals: NewPullableQueue[struct{}](),
		exchanges:      make(map[RequestID]*serverExchange),
	}
	s.responses = NewConsumableQueue(func(id RequestID, resp *Response) error {
		return s.transmit(id, MessageTypeResponse, resp)
	}, nil)
	s.responseEvents = NewConsumableQueue(func(id RequestID, ev EventPayload) error {
		return s.transmit(id, MessageTypeEventIterator, ev)
	}, nil)
	s.responseSignals = NewConsumableQueue(func(id RequestID, _ struct{}) error {
		return s.transmit(id, MessageTypeAbortSignal, nil)
	}, nil)
	return s
}

func (s *ServerPeer) transmit(id RequestID, typ MessageType, payload any) error {
	msg, err := EncodeResponseMessage(id, typ, payload)
	if err != nil {
		return err
	}
	if err := s.send(context.Background(), msg); err != nil {
		s.metrics.sendFailed(sideServer)
		return err
	}
	s.metrics.messageSent(sideServer, typ)
	return nil
}

// Message handles one message received from the client. For a new REQUEST
// it returns the decoded request, whose context ends when the client
// aborts or the exchange closes; ctx is the parent of that context. For
// every other message the returned request is nil.
//
// Control messages for ids that are not open are dropped.
func (s *ServerPeer) Message(ctx context.Context, raw []byte) (RequestID, *Request, error) {
	id, typ, payload, err := DecodeRequestMessage(raw)
	if err != nil {
		s.metrics.decodeFailed(sideServer)
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) && s.isOpen(decodeErr.ID) {
			s.Close(decodeErr.ID, err)
			return decodeErr.ID, nil, nil
		}
		return id, nil, err
	}
	s.metrics.messageReceived(sideServer, typ)

	switch typ {
	case MessageTypeRequest:
		if s.isOpen(id) {
			s.log.Debug("dropping duplicate request", zap.String("id", string(id)))
			return id, nil, nil
		}
		req := payload.(*Request)
		req.ctx = s.open(ctx, id)
		if IsEventIteratorHeaders(req.Headers) {
			req.Body = ToEventIterator(s.requestEvents, id, func(reason CloseReason) {
				if reason != CloseReasonNext {
					s.abort(id)
				}
			})
		}
		return id, req, nil

	case MessageTypeEventIterator:
		if err := s.requestEvents.Push(id, payload.(EventPayload)); err != nil {
			s.drop(id, typ, err)
		}

	case MessageTypeAbortSignal:
		if err := s.requestSignals.Push(id, struct{}{}); err != nil {
			s.drop(id, typ, err)
			return id, nil, nil
		}
		s.Close(id, ErrAborted)
	}
	return id, nil, nil
}

func (s *ServerPeer) drop(id RequestID, typ MessageType, err error) {
	s.log.Debug("dropping message",
		zap.String("id", string(id)),
		zap.Stringer("type", typ),
		zap.Error(err),
	)
}

// abort tells the client to stop streaming the request body for id.
func (s *ServerPeer) abort(id RequestID) {
	if !s.responseSignals.IsOpen(id) {
		return
	}
	if err := s.responseSignals.Push(id, struct{}{}); err != nil {
		s.log.Debug("failed to forward abort",
			zap.String("id", string(id)),
			zap.Error(err),
		)
	}
}

// Response answers the request id with resp. Once id is closed it sends
// nothing and only closes a streamed body. A streamed body is drained before
// Response returns; the stream stops early when ctx ends or the client
// aborts. The exchange is closed when Response returns.
func (s *ServerPeer) Response(ctx context.Context, id RequestID, resp *Response) error {
	if resp == nil {
		resp = &Response{}
	}
	s.mu.Lock()
	ex, ok := s.exchanges[id]
	s.mu.Unlock()
	if !ok {
		discardBody(resp.Body, CloseReasonReturn, ErrExchangeClosed)
		return nil
	}

	if err := s.responses.Push(id, resp); err != nil {
		discardBody(resp.Body, CloseReasonThrow, err)
		s.Close(id, err)
		return err
	}

	it, ok := resp.Body.(EventIterator)
	if !ok {
		s.Close(id, nil)
		return nil
	}

	s.setState(id, StateStreaming)
	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(ex.ctx, func() {
		cancel(context.Cause(ex.ctx))
	})
	defer stop()

	err := SendEventIterator(streamCtx, s.responseEvents, id, it, nil)
	s.Close(id, err)
	return err
}

func (s *ServerPeer) open(parent context.Context, id RequestID) context.Context {
	s.responses.Open(id)
	s.responseEvents.Open(id)
	s.responseSignals.Open(id)
	s.requestEvents.Open(id)
	s.requestSignals.Open(id)

	ctx, cancel := abortContext(parent, s.requestSignals, id)
	s.mu.Lock()
	s.exchanges[id] = &serverExchange{state: StateOpen, ctx: ctx, cancel: cancel}
	s.mu.Unlock()
	s.metrics.exchangeOpened(sideServer)
	return ctx
}

func (s *ServerPeer) isOpen(id RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.exchanges[id]
	return ok
}

func (s *ServerPeer) setState(id RequestID, state ExchangeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[id]; ok {
		ex.state = state
	}
}

// State reports where the exchange for id is in its lifecycle.
func (s *ServerPeer) State(id RequestID) ExchangeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[id]; ok {
		return ex.state
	}
	return StateClosed
}

// Len returns the number of open exchanges.
func (s *ServerPeer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchanges)
}

// Close tears down the exchange for id and cancels its request context
// with reason. A nil reason means ErrExchangeClosed.
func (s *ServerPeer) Close(id RequestID, reason error) {
	if reason == nil {
		reason = ErrExchangeClosed
	}
	s.mu.Lock()
	ex, ok := s.exchanges[id]
	delete(s.exchanges, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	ex.cancel(reason)
	s.responses.Close(id, reason)
	s.responseEvents.Close(id, reason)
	s.responseSignals.Close(id, reason)
	s.requestEvents.Close(id, reason)
	s.requestSignals.Close(id, reason)
	s.metrics.exchangeClosed(sideServer)
}

// CloseAll tears down every open exchange.
func (s *ServerPeer) CloseAll(reason error) {
	s.mu.Lock()
	ids := make([]RequestID, 0, len(s.exchanges))
	for id := range s.exchanges {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Close(id, reason)
	}
}
