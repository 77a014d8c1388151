// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

type dialFunc func(u *url.URL) (Dialer, error)
type listenFunc func(u *url.URL, hub *Hub, o *serverOptions) (Server, error)

// Server is a broker endpoint that attaches remote transports to a Hub.
type Server interface {
	// Serve accepts connections (blocks until the server is closed)
	Serve(ctx context.Context) error

	// Close stops the server
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// ServerOption configures broker servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger *zap.Logger
}

// WithServerLogger sets the logger for a broker server
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// NewDialer resolves a broker URL to a Dialer by scheme:
//
//	mem://name                    in-process hub named "name"
//	ws://host:port/msg_channel    WebSocket broker
//	tcp://host:port               framed TCP broker
//	grpc://host:port              gRPC broker (build tag grpc)
func NewDialer(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	dial, _, ok := lookupTransport(u.Scheme)
	if !ok || dial == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, u.Scheme)
	}
	return dial(u)
}

// Dial creates a Host whose channels connect through the broker at rawURL.
// Transports are opened lazily, on first use of a channel.
func Dial(rawURL string, opts ...Option) (*Host, error) {
	d, err := NewDialer(rawURL)
	if err != nil {
		return nil, err
	}
	return NewHost(append([]Option{WithDialer(d)}, opts...)...), nil
}

// Listen creates a broker server for hub on rawURL, e.g. "ws://:8000/msg_channel"
// or "tcp://:8001".
func Listen(rawURL string, hub *Hub, opts ...ServerOption) (Server, error) {
	o := &serverOptions{
		logger: Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse listen url: %w", err)
	}
	_, listen, ok := lookupTransport(u.Scheme)
	if !ok || listen == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, u.Scheme)
	}
	return listen(u, hub, o)
}

func dialMem(u *url.URL) (Dialer, error) {
	return SharedHub(u.Host), nil
}
