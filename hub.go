// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub is the message-channel broker: one unbounded FIFO queue per channel
// id, at most one attached reader and any number of writers. Frames written
// before the reader attaches are kept until it does. A queue is dropped once
// its last reader and writer have detached.
//
// A Hub is itself a Dialer, so hosts in one process can talk through it
// directly; broker servers attach network transports to it.
type Hub struct {
	mu     sync.Mutex
	queues map[string]*hubQueue
	log    *zap.Logger
}

type hubQueue struct {
	mu        sync.Mutex
	frames    [][]byte
	notify    chan struct{}
	hasReader bool
	writers   int
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = Logger()
	}
	return &Hub{
		queues: make(map[string]*hubQueue),
		log:    log,
	}
}

var (
	sharedHubsMu sync.Mutex
	sharedHubs   = map[string]*Hub{}
)

// SharedHub returns the process-wide hub registered under name, creating it
// on first use. mem:// URLs resolve through it.
func SharedHub(name string) *Hub {
	sharedHubsMu.Lock()
	defer sharedHubsMu.Unlock()
	h, ok := sharedHubs[name]
	if !ok {
		h = NewHub(nil)
		sharedHubs[name] = h
	}
	return h
}

// Dial attaches to the queue for id. It implements Dialer.
func (h *Hub) Dial(ctx context.Context, id string, dir Direction) (Transport, error) {
	return h.Attach(id, dir)
}

// Attach registers a reader or writer for id. A second reader fails with
// ErrChannelMisuse.
func (h *Hub) Attach(id string, dir Direction) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[id]
	if !ok {
		q = &hubQueue{notify: make(chan struct{}, 1)}
	}

	q.mu.Lock()
	switch dir {
	case Read:
		if q.hasReader {
			q.mu.Unlock()
			return nil, channelMisuse("attach", "tried to start multiple readers for channel %s", id)
		}
		q.hasReader = true
	case Write:
		q.writers++
	default:
		q.mu.Unlock()
		return nil, channelMisuse("attach", "unknown direction %q", dir)
	}
	q.mu.Unlock()

	h.queues[id] = q
	h.log.Debug("attach", zap.String("channel", id), zap.String("direction", string(dir)))
	return &hubPort{hub: h, queue: q, id: id, dir: dir, closed: make(chan struct{})}, nil
}

func (h *Hub) detach(id string, dir Direction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[id]
	if !ok {
		return
	}
	q.mu.Lock()
	if dir == Read {
		q.hasReader = false
	} else {
		q.writers--
	}
	empty := !q.hasReader && q.writers <= 0
	q.mu.Unlock()

	if empty {
		delete(h.queues, id)
	}
	h.log.Debug("detach", zap.String("channel", id), zap.String("direction", string(dir)))
}

// Pending returns the number of undelivered frames queued for id.
func (h *Hub) Pending(id string) int {
	h.mu.Lock()
	q, ok := h.queues[id]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *hubQueue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *hubQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	if len(q.frames) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return frame, true
}

// hubPort is one attached end of a hub queue.
type hubPort struct {
	hub    *Hub
	queue  *hubQueue
	id     string
	dir    Direction
	closed chan struct{}
	once   atomic.Bool
}

func (p *hubPort) Send(ctx context.Context, data []byte) error {
	if p.dir != Write {
		return channelMisuse("send", "channel %s is attached for reading", p.id)
	}
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	p.queue.push(frame)
	return nil
}

func (p *hubPort) Recv(ctx context.Context) ([]byte, error) {
	if p.dir != Read {
		// Writers never receive; block until closed.
		select {
		case <-p.closed:
			return nil, ErrTransportClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for {
		if frame, ok := p.queue.pop(); ok {
			return frame, nil
		}
		select {
		case <-p.queue.notify:
		case <-p.closed:
			return nil, ErrTransportClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *hubPort) Close() error {
	if p.once.Swap(true) {
		return nil
	}
	close(p.closed)
	p.hub.detach(p.id, p.dir)
	return nil
}

// Bridge pumps frames between an attached hub port and a remote connection
// until either side closes. For a reader, frames flow from the hub to conn;
// for a writer, from conn to the hub. The remote side of a reader is still
// read so that its disconnect is noticed.
func Bridge(ctx context.Context, port Transport, dir Direction, conn Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch dir {
	case Read:
		go func() {
			defer cancel()
			for {
				if _, err := conn.Recv(ctx); err != nil {
					return
				}
			}
		}()
		for {
			frame, err := port.Recv(ctx)
			if err != nil {
				return nil
			}
			if err := conn.Send(ctx, frame); err != nil {
				return err
			}
		}
	default:
		for {
			frame, err := conn.Recv(ctx)
			if err != nil {
				return nil
			}
			if err := port.Send(ctx, frame); err != nil {
				return err
			}
		}
	}
}
