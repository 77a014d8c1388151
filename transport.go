// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"io"
	"sort"
	"sync"
)

// Direction is the side of a logical channel a transport serves.
type Direction string

const (
	Read  Direction = "read"
	Write Direction = "write"
)

// Transport represents the underlying transport mechanism for one
// (channel id, direction) pair. Frames are delivered in order.
type Transport interface {
	io.Closer
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Dialer opens transports. Dial returns once the transport is ready to carry
// frames; it has no timeout of its own.
type Dialer interface {
	Dial(ctx context.Context, id string, dir Direction) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, id string, dir Direction) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, id string, dir Direction) (Transport, error) {
	return f(ctx, id, dir)
}

// Transport schemes
const (
	TransportMem  = "mem"  // in-process Hub
	TransportWS   = "ws"   // WebSocket broker
	TransportWSS  = "wss"  // WebSocket broker over TLS
	TransportTCP  = "tcp"  // framed TCP broker
	TransportGRPC = "grpc" // gRPC broker, requires build tag
)

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   dialFunc
		listen listenFunc
	}{
		TransportMem: {dialMem, nil},
		TransportWS:  {dialWS, listenWS},
		TransportWSS: {dialWS, nil},
		TransportTCP: {dialTCP, listenTCP},
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = struct {
		dial   dialFunc
		listen listenFunc
	}{dial, listen}
}

func lookupTransport(name string) (dialFunc, listenFunc, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t.dial, t.listen, ok
}

// AvailableTransports returns the registered transport schemes
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}
