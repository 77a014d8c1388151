// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Host is one execution context: it owns the identity registry, the socket
// cache and the set of ids that already have a reader. Values serialized by
// a host carry object ids minted by its registry.
type Host struct {
	registry  *Registry
	dialer    Dialer
	evaluator Evaluator
	codec     Codec
	log       *zap.Logger
	newID     func() string
	contextID string

	mu      sync.Mutex
	writers map[string]Transport
	readers map[string]struct{}
	opening singleflight.Group
}

// Option configures a Host
type Option func(*hostOptions)

type hostOptions struct {
	dialer    Dialer
	evaluator Evaluator
	codec     Codec
	logger    *zap.Logger
	newID     func() string
	contextID string
}

// WithDialer sets how channel transports are opened
func WithDialer(d Dialer) Option {
	return func(o *hostOptions) { o.dialer = d }
}

// WithEvaluator sets the capability used to compile function source
func WithEvaluator(ev Evaluator) Option {
	return func(o *hostOptions) { o.evaluator = ev }
}

// WithCodec sets a custom frame codec
func WithCodec(c Codec) Option {
	return func(o *hostOptions) { o.codec = c }
}

// WithLogger sets the host logger. Defaults to Logger().
func WithLogger(l *zap.Logger) Option {
	return func(o *hostOptions) { o.logger = l }
}

// WithIDGenerator sets the generator for channel and reference ids
func WithIDGenerator(fn func() string) Option {
	return func(o *hostOptions) { o.newID = fn }
}

// WithContextID sets the well-known id ContextChannel listens on
func WithContextID(id string) Option {
	return func(o *hostOptions) { o.contextID = id }
}

// NewHost creates a host. Without WithDialer channels can be created and
// serialized but not connected.
func NewHost(opts ...Option) *Host {
	o := &hostOptions{
		codec:  defaultCodec,
		newID:  uuid.NewString,
		logger: Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.contextID == "" {
		o.contextID = o.newID()
	}

	return &Host{
		registry:  NewRegistry(o.newID),
		dialer:    o.dialer,
		evaluator: o.evaluator,
		codec:     o.codec,
		log:       o.logger,
		newID:     o.newID,
		contextID: o.contextID,
		writers:   make(map[string]Transport),
		readers:   make(map[string]struct{}),
	}
}

// Registry returns the host's identity registry.
func (h *Host) Registry() *Registry {
	return h.registry
}

// ContextID returns the id ContextChannel listens on.
func (h *Host) ContextID() string {
	return h.contextID
}

// Channel creates a fresh id and returns its reader and writer, both
// connected.
func (h *Host) Channel(ctx context.Context) (*RecvChannel, *SendChannel, error) {
	id := h.newID()
	recv, err := h.NewRecvChannel(id)
	if err != nil {
		return nil, nil, err
	}
	send := h.NewSendChannel(id)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recv.Connect(gctx) })
	g.Go(func() error { return send.Connect(gctx) })
	if err := g.Wait(); err != nil {
		recv.Close()
		return nil, nil, err
	}
	return recv, send, nil
}

// ContextChannel starts a Router on the host's context id.
func (h *Host) ContextChannel(ctx context.Context) (*Router, error) {
	return h.NewRouter(ctx, h.contextID)
}

// socket returns a transport for (id, dir). Write transports are cached and
// shared; concurrent first opens of one id share a single dial. Read
// transports are always dialed fresh, NewRecvChannel guarantees there is
// only one per id.
func (h *Host) socket(ctx context.Context, id string, dir Direction) (Transport, error) {
	if h.dialer == nil {
		return nil, newError("open", KindTransport, "no dialer configured")
	}

	switch dir {
	case Read:
		return h.dialer.Dial(ctx, id, Read)
	case Write:
	default:
		return nil, channelMisuse("open", "unknown direction %q", dir)
	}

	h.mu.Lock()
	t, ok := h.writers[id]
	h.mu.Unlock()
	if ok {
		return t, nil
	}

	v, err, _ := h.opening.Do(id, func() (any, error) {
		h.mu.Lock()
		t, ok := h.writers[id]
		h.mu.Unlock()
		if ok {
			return t, nil
		}

		t, err := h.dialer.Dial(ctx, id, Write)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.writers[id] = t
		h.mu.Unlock()
		h.log.Debug("opened write socket", zap.String("channel", id))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Transport), nil
}

// dropSocket evicts a failed write transport from the cache. New send
// channels for id dial a fresh one; the failed channel does not.
func (h *Host) dropSocket(id string, t Transport) {
	h.mu.Lock()
	if h.writers[id] == t {
		delete(h.writers, id)
	}
	h.mu.Unlock()
	t.Close()
}

// claimReader records that id has a reader. It fails if one was ever
// created in this host.
func (h *Host) claimReader(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.readers[id]; ok {
		return channelMisuse("open", "already created RecvChannel with id %s", id)
	}
	h.readers[id] = struct{}{}
	return nil
}

// Close closes every cached write transport.
func (h *Host) Close() error {
	h.mu.Lock()
	writers := h.writers
	h.writers = make(map[string]Transport)
	h.mu.Unlock()

	var errs []error
	for _, t := range writers {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
