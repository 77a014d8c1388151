// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// SendChannel is the write end of a logical channel. Any number of send
// channels may exist per id; they share one cached transport.
type SendChannel struct {
	host *Host
	id   string

	mu     sync.Mutex
	tr     Transport
	failed error
}

// NewSendChannel returns an unconnected write end for id.
func (h *Host) NewSendChannel(id string) *SendChannel {
	return &SendChannel{host: h, id: id}
}

// ID returns the logical channel id.
func (c *SendChannel) ID() string { return c.id }

// Connected reports whether Connect has succeeded.
func (c *SendChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr != nil
}

// Connect opens (or reuses) the write transport. It is a no-op when already
// connected. A channel whose write failed stays failed: Connect and Send
// return ErrChannelMisuse and never redial.
func (c *SendChannel) Connect(ctx context.Context) error {
	_, err := c.transport(ctx)
	return err
}

func (c *SendChannel) transport(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	tr, failed := c.tr, c.failed
	c.mu.Unlock()
	if failed != nil {
		return nil, channelMisuse("send", "channel %s failed: %v", c.id, failed)
	}
	if tr != nil {
		return tr, nil
	}

	tr, err := c.host.socket(ctx, c.id, Write)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.tr == nil {
		c.tr = tr
	}
	tr = c.tr
	c.mu.Unlock()
	return tr, nil
}

// Send serializes v to a Wire Record and writes it, connecting first if
// needed.
func (c *SendChannel) Send(ctx context.Context, v any) error {
	rec, err := c.host.Serialize(v)
	if err != nil {
		return err
	}
	return c.sendMessage(ctx, rec)
}

// sendMessage writes msg as-is. Call and response envelopes go through here.
func (c *SendChannel) sendMessage(ctx context.Context, msg any) error {
	data, err := c.host.codec.Encode(msg)
	if err != nil {
		return wrapError("send", KindProtocolViolation, err, "encode message")
	}

	tr, err := c.transport(ctx)
	if err != nil {
		return err
	}

	c.host.log.Debug("send", zap.String("channel", c.id), zap.ByteString("msg", data))
	if err := tr.Send(ctx, data); err != nil {
		err = wrapError("send", KindTransport, err, "write to channel "+c.id)
		c.mu.Lock()
		c.tr = nil
		c.failed = err
		c.mu.Unlock()
		c.host.dropSocket(c.id, tr)
		return err
	}
	return nil
}

// Listener receives every message read from a RecvChannel.
type Listener func(msg json.RawMessage)

// ListenerID identifies a registered listener.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// RecvChannel is the read end of a logical channel. At most one exists per
// id for the lifetime of its Host.
type RecvChannel struct {
	host *Host
	id   string

	mu        sync.Mutex
	tr        Transport
	listeners []listenerEntry
	nextID    ListenerID
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRecvChannel claims id for reading. It fails with ErrChannelMisuse if a
// reader for id was already created, before any transport is opened.
func (h *Host) NewRecvChannel(id string) (*RecvChannel, error) {
	if err := h.claimReader(id); err != nil {
		return nil, err
	}
	return &RecvChannel{host: h, id: id, done: make(chan struct{})}, nil
}

// ID returns the logical channel id.
func (c *RecvChannel) ID() string { return c.id }

// Connect opens the read transport and starts dispatching inbound messages
// to listeners. Connecting twice fails with ErrChannelMisuse.
func (c *RecvChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.tr != nil || c.cancel != nil {
		c.mu.Unlock()
		return channelMisuse("connect", "tried to connect to already connected channel %s", c.id)
	}
	// Reserve the slot so a concurrent Connect fails too.
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	tr, err := c.host.socket(ctx, c.id, Read)
	if err != nil {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()

	go c.readLoop(loopCtx, tr)
	return nil
}

func (c *RecvChannel) readLoop(ctx context.Context, tr Transport) {
	defer close(c.done)

	for {
		data, err := tr.Recv(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrTransportClosed) {
				c.host.log.Warn("read loop stopped", zap.String("channel", c.id), zap.Error(err))
			}
			return
		}
		c.host.log.Debug("readMessage", zap.String("channel", c.id), zap.ByteString("msg", data))
		c.dispatch(json.RawMessage(data))
	}
}

// dispatch calls the listeners registered when msg arrived, in registration
// order.
func (c *RecvChannel) dispatch(msg json.RawMessage) {
	c.mu.Lock()
	listeners := make([]listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.fn(msg)
	}
}

// AddListener registers fn for every subsequent message.
func (c *RecvChannel) AddListener(fn Listener) ListenerID {
	return c.addListener(func(ListenerID) Listener { return fn })
}

func (c *RecvChannel) addListener(build func(id ListenerID) Listener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: build(id)})
	return id
}

// RemoveListener deregisters a listener. Unknown ids are ignored.
func (c *RecvChannel) RemoveListener(id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Next waits for the next message. The one-shot listener it installs
// removes itself on first delivery.
func (c *RecvChannel) Next(ctx context.Context) (json.RawMessage, error) {
	p := NewPromise()
	id := c.addListener(func(id ListenerID) Listener {
		return func(msg json.RawMessage) {
			c.RemoveListener(id)
			p.Resolve(msg)
		}
	})

	v, err := p.Await(ctx)
	if err != nil {
		c.RemoveListener(id)
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// NextValue waits for the next message and decodes it as a Wire Record.
func (c *RecvChannel) NextValue(ctx context.Context) (any, error) {
	msg, err := c.Next(ctx)
	if err != nil {
		return nil, err
	}
	return c.host.DecodeValue(msg)
}

// Done is closed when the dispatcher stops.
func (c *RecvChannel) Done() <-chan struct{} {
	return c.done
}

// Close stops dispatching and closes the read transport. The id stays
// claimed.
func (c *RecvChannel) Close() error {
	c.mu.Lock()
	tr, cancel := c.tr, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		return tr.Close()
	}
	return nil
}
