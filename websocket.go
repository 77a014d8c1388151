// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultBrokerPath is the HTTP path the WebSocket broker is served on.
const DefaultBrokerPath = "/msg_channel"

// wsTransport carries text frames over one WebSocket connection.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// WebSocketDialer opens channel transports against a WebSocket broker at
// URL, e.g. "ws://localhost:8000/msg_channel". The channel id and direction
// travel as the uuid and direction query parameters.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, id string, dir Direction) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("uuid", id)
	q.Set("direction", string(dir))
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, wrapError("dial", KindChannelMisuse, err, "channel "+id+" already has a reader")
		}
		return nil, wrapError("dial", KindTransport, err, "websocket "+u.Redacted())
	}
	return newWSTransport(conn), nil
}

func dialWS(u *url.URL) (Dialer, error) {
	base := *u
	if base.Path == "" {
		base.Path = DefaultBrokerPath
	}
	return &WebSocketDialer{URL: base.String()}, nil
}

// Broker serves the WebSocket side of a Hub. Each connection names one
// channel id and direction in its query string.
type Broker struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewBroker returns an http.Handler attaching WebSocket clients to hub.
func NewBroker(hub *Hub, log *zap.Logger) *Broker {
	if log == nil {
		log = Logger()
	}
	return &Broker{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, dir := q.Get("uuid"), Direction(q.Get("direction"))
	if id == "" || (dir != Read && dir != Write) {
		http.Error(w, "uuid and direction=read|write are required", http.StatusBadRequest)
		return
	}

	port, err := b.hub.Attach(id, dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer port.Close()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("upgrade", zap.String("channel", id), zap.Error(err))
		return
	}
	t := newWSTransport(conn)
	defer t.Close()

	b.log.Debug("web_socket_transfer_data", zap.String("channel", id), zap.String("direction", string(dir)))
	if err := Bridge(r.Context(), port, dir, t); err != nil {
		b.log.Debug("bridge stopped", zap.String("channel", id), zap.Error(err))
	}
}

// wsServer is a Server running a Broker on an HTTP listener.
type wsServer struct {
	listener net.Listener
	server   *http.Server
}

func listenWS(u *url.URL, hub *Hub, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	path := u.Path
	if path == "" {
		path = DefaultBrokerPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, NewBroker(hub, o.logger))
	return &wsServer{
		listener: listener,
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

func (s *wsServer) Serve(ctx context.Context) error {
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *wsServer) Close() error {
	return s.server.Close()
}

func (s *wsServer) Addr() string {
	return s.listener.Addr().String()
}
