// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Remote is the caller-side proxy for a Router. It owns the send channel to
// the router and, once connected, a private response channel whose messages
// are matched to pending calls by id.
type Remote struct {
	host *Host
	send *SendChannel

	connMu    sync.Mutex
	connected bool
	recv      *RecvChannel
	resp      *SendChannel

	mu      sync.Mutex
	pending map[int64]*Promise
	nextID  int64
}

// NewRemote returns a proxy for the router listening on dest.
func (h *Host) NewRemote(dest string) *Remote {
	return h.NewRemoteFor(h.NewSendChannel(dest))
}

// NewRemoteFor returns a proxy that sends calls on ch.
func (h *Host) NewRemoteFor(ch *SendChannel) *Remote {
	return &Remote{
		host:    h,
		send:    ch,
		pending: make(map[int64]*Promise),
	}
}

// Connect creates the response channel. Call does this on first use.
func (r *Remote) Connect(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.connected {
		return nil
	}

	recv, resp, err := r.host.Channel(ctx)
	if err != nil {
		return err
	}
	recv.AddListener(r.handleResponse)
	r.recv, r.resp = recv, resp
	r.connected = true
	return nil
}

// handleResponse resolves and forgets the pending call with the response id.
// Responses for unknown ids are dropped.
func (r *Remote) handleResponse(msg json.RawMessage) {
	var resp ResponseMessage
	if err := r.host.codec.Decode(msg, &resp); err != nil {
		r.host.log.Warn("dropping malformed response", zap.Error(err))
		return
	}

	r.mu.Lock()
	p, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if resp.Error != nil {
		p.Reject(resp.Error.err("call"))
		return
	}
	p.Resolve(resp.Result)
}

// Pending returns the number of calls awaiting a response.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Call sends command with params and waits for the matching response. Ids
// start at 0 and increase by one per call. Call never gives up on its own;
// only ctx ends the wait.
func (r *Remote) Call(ctx context.Context, command string, params any) (json.RawMessage, error) {
	if err := r.Connect(ctx); err != nil {
		return nil, err
	}

	rawParams, err := r.host.codec.Encode(params)
	if err != nil {
		return nil, wrapError(command, KindProtocolViolation, err, "encode params")
	}
	respChannel, err := r.host.Serialize(r.resp)
	if err != nil {
		return nil, err
	}

	p := NewPromise()
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.pending[id] = p
	r.mu.Unlock()

	msg := CallMessage{
		ID:          id,
		Command:     command,
		Params:      rawParams,
		RespChannel: respChannel,
	}
	if err := r.send.sendMessage(ctx, msg); err != nil {
		r.forget(id)
		return nil, err
	}

	v, err := p.Await(ctx)
	if err != nil {
		r.forget(id)
		return nil, err
	}
	result, _ := v.(json.RawMessage)
	return result, nil
}

func (r *Remote) forget(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// ExecuteScript runs fn in the remote context with args and returns the
// deserialized result. fn is source text, a *Function or any Sourcer.
func (r *Remote) ExecuteScript(ctx context.Context, fn any, args ...any) (any, error) {
	var (
		fnRec *Record
		err   error
	)
	switch f := fn.(type) {
	case string:
		// Plain source has no identity to preserve, so it is not registered.
		fnRec = &Record{Type: TagFunction, Value: f}
	case Sourcer:
		if fnRec, err = r.host.Serialize(f); err != nil {
			return nil, err
		}
	default:
		return nil, unsupportedValue(CommandExecuteScript, fn, "fn must be source text or a Sourcer, got %T", fn)
	}

	params := executeScriptParams{Fn: fnRec, Args: make([]*Record, len(args))}
	for i, arg := range args {
		if params.Args[i], err = r.host.Serialize(arg); err != nil {
			return nil, err
		}
	}

	raw, err := r.Call(ctx, CommandExecuteScript, params)
	if err != nil {
		return nil, err
	}
	return r.host.DecodeValue(raw)
}

// PostMessage delivers {msg} to the router's message handlers and waits for
// the acknowledgement.
func (r *Remote) PostMessage(ctx context.Context, msg any) error {
	_, err := r.Call(ctx, CommandPostMessage, map[string]any{"msg": msg})
	return err
}

// Close closes the response channel.
func (r *Remote) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.recv == nil {
		return nil
	}
	return r.recv.Close()
}
