// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Commands understood by a Router
const (
	CommandExecuteScript = "executeScript"
	CommandPostMessage   = "postMessage"
)

// emptyResult is the result of a postMessage command.
var emptyResult = json.RawMessage(`{}`)

// MessageHandler receives the params of every postMessage command. Handlers
// run on the router's dispatcher goroutine, one message at a time, so a
// handler must not wait for a later message on the same router.
type MessageHandler func(ctx context.Context, params any)

// HandlerID identifies a registered message handler.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn MessageHandler
}

// Router consumes call envelopes from one RecvChannel, executes them and
// replies on the channel named in each envelope. It has no terminal state
// other than Close.
type Router struct {
	host     *Host
	recv     *RecvChannel
	listener ListenerID
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []handlerEntry
	nextID   HandlerID
}

// NewRouter claims id for reading, connects it and starts routing.
func (h *Host) NewRouter(ctx context.Context, id string) (*Router, error) {
	recv, err := h.NewRecvChannel(id)
	if err != nil {
		return nil, err
	}
	if err := recv.Connect(ctx); err != nil {
		return nil, err
	}
	return h.ServeChannel(recv), nil
}

// ServeChannel routes commands arriving on an existing receive channel.
func (h *Host) ServeChannel(recv *RecvChannel) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		host:   h,
		recv:   recv,
		ctx:    ctx,
		cancel: cancel,
	}
	r.listener = recv.AddListener(r.handleMessage)
	return r
}

// ID returns the id of the channel the router listens on.
func (r *Router) ID() string { return r.recv.ID() }

// Channel returns the receive channel the router listens on.
func (r *Router) Channel() *RecvChannel { return r.recv }

// AddMessageHandler registers fn for postMessage commands. Handlers run in
// registration order.
func (r *Router) AddMessageHandler(fn MessageHandler) HandlerID {
	return r.addHandler(func(HandlerID) MessageHandler { return fn })
}

func (r *Router) addHandler(build func(id HandlerID) MessageHandler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers = append(r.handlers, handlerEntry{id: id, fn: build(id)})
	return id
}

// RemoveMessageHandler deregisters a handler.
func (r *Router) RemoveMessageHandler(id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handlers {
		if h.id == id {
			r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
			return
		}
	}
}

// NextMessage waits for the params of the next postMessage command.
func (r *Router) NextMessage(ctx context.Context) (any, error) {
	p := NewPromise()
	id := r.addHandler(func(id HandlerID) MessageHandler {
		return func(_ context.Context, params any) {
			r.RemoveMessageHandler(id)
			p.Resolve(params)
		}
	})

	v, err := p.Await(ctx)
	if err != nil {
		r.RemoveMessageHandler(id)
		return nil, err
	}
	return v, nil
}

// Close stops routing and closes the receive channel.
func (r *Router) Close() error {
	r.cancel()
	r.recv.RemoveListener(r.listener)
	return r.recv.Close()
}

// handleMessage runs on the channel's dispatcher goroutine, so calls are
// taken in arrival order. postMessage handlers and their replies complete
// before the next message is read; an executeScript call is decoded and
// compiled in order, and only its invocation runs concurrently.
func (r *Router) handleMessage(msg json.RawMessage) {
	log := r.host.log

	var call CallMessage
	if err := r.host.codec.Decode(msg, &call); err != nil {
		log.Warn("dropping malformed call", zap.String("channel", r.recv.ID()), zap.Error(err))
		return
	}
	log.Debug("command", zap.String("command", call.Command), zap.Int64("id", call.ID))

	switch call.Command {
	case CommandExecuteScript:
		run, err := r.prepareScript(call.Params)
		if err != nil {
			r.reply(&call, nil, err)
			return
		}
		go func() {
			result, err := run(r.ctx)
			r.reply(&call, result, err)
		}()
	case CommandPostMessage:
		result, err := r.postMessage(r.ctx, call.Params)
		r.reply(&call, result, err)
	default:
		r.reply(&call, nil, newError("route", KindNotImplemented, "unknown command %q", call.Command))
	}
}

// reply sends {id, result} or {id, error} on the call's response channel.
func (r *Router) reply(call *CallMessage, result json.RawMessage, err error) {
	log := r.host.log

	resp := ResponseMessage{ID: call.ID}
	if err != nil {
		resp.Error = errorDetail(err)
		log.Debug("command failed", zap.Int64("id", call.ID), zap.Error(err))
	} else {
		resp.Result = result
	}

	if call.RespChannel == nil {
		log.Warn("call without respChannel", zap.Int64("id", call.ID))
		return
	}
	v, err := r.host.Deserialize(call.RespChannel)
	if err != nil {
		log.Warn("bad respChannel", zap.Int64("id", call.ID), zap.Error(err))
		return
	}
	ch, ok := v.(*SendChannel)
	if !ok {
		log.Warn("respChannel is not a channel", zap.Int64("id", call.ID), zap.String("type", fmt.Sprintf("%T", v)))
		return
	}
	if err := ch.Connect(r.ctx); err != nil {
		log.Warn("connect respChannel", zap.String("channel", ch.ID()), zap.Error(err))
		return
	}
	if err := ch.sendMessage(r.ctx, resp); err != nil {
		log.Warn("send response", zap.String("channel", ch.ID()), zap.Error(err))
	}
}

func (r *Router) postMessage(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var params any
	if len(raw) > 0 {
		if err := r.host.codec.Decode(raw, &params); err != nil {
			return nil, wrapError(CommandPostMessage, KindProtocolViolation, err, "params")
		}
	}
	r.mu.Lock()
	handlers := make([]handlerEntry, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()
	for _, h := range handlers {
		h.fn(ctx, params)
	}
	return emptyResult, nil
}

// prepareScript decodes and localizes the arguments and compiles fn. The
// returned func calls it, awaits a returned *Promise and encodes the result.
func (r *Router) prepareScript(raw json.RawMessage) (func(ctx context.Context) (json.RawMessage, error), error) {
	const op = CommandExecuteScript

	var params executeScriptParams
	if err := r.host.codec.Decode(raw, &params); err != nil {
		return nil, wrapError(op, KindProtocolViolation, err, "params")
	}
	if params.Fn == nil {
		return nil, protocolViolation(op, "missing fn")
	}
	src, err := params.Fn.text(op)
	if err != nil {
		return nil, err
	}

	args := make([]any, len(params.Args))
	for i, rec := range params.Args {
		v, err := r.host.Deserialize(rec)
		if err != nil {
			return nil, err
		}
		if args[i], err = r.host.Localize(v); err != nil {
			return nil, err
		}
	}

	if r.host.evaluator == nil {
		return nil, unsupportedValue(op, src, "no evaluator configured")
	}
	fn, err := r.host.evaluator.Compile(src)
	if err != nil {
		return nil, wrapError(op, KindScript, err, "compile")
	}
	r.host.log.Debug("executeScript", zap.String("fn", src), zap.Int("args", len(args)))

	return func(ctx context.Context) (json.RawMessage, error) {
		result, err := fn.Call(ctx, args...)
		if err != nil {
			return nil, wrapError(op, KindScript, err, "call")
		}
		if p, ok := result.(*Promise); ok {
			if result, err = p.Await(ctx); err != nil {
				return nil, wrapError(op, KindScript, err, "await")
			}
		}

		rec, err := r.host.Serialize(result)
		if err != nil {
			return nil, err
		}
		r.host.log.Debug("result", zap.String("type", string(rec.Type)))
		return r.host.codec.Encode(rec)
	}, nil
}

func errorDetail(err error) *ErrorDetail {
	var e *Error
	if errors.As(err, &e) {
		return &ErrorDetail{Kind: e.Kind, Message: e.message()}
	}
	return &ErrorDetail{Kind: KindScript, Message: err.Error()}
}
