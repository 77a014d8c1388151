// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MaxFrameSize bounds a single TCP frame.
const MaxFrameSize = 64 * 1024 * 1024

var ErrFrameTooLarge = errors.New("msgchannel: frame too large")

// MessageType identifies TCP broker frame types
type MessageType uint8

const (
	MsgAttach MessageType = 0x01
	MsgAck    MessageType = 0x02
	MsgError  MessageType = 0x03
	MsgData   MessageType = 0x04
)

// attachRequest is the payload of the MsgAttach frame that opens every
// broker connection.
type attachRequest struct {
	UUID      string    `json:"uuid"`
	Direction Direction `json:"direction"`
}

// frameConn is a Transport over a stream connection.
// Frames are encoded as [4 len][1 type][payload].
type frameConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	readMu  sync.Mutex
	closed  atomic.Bool
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{conn: conn}
}

func (f *frameConn) writeFrame(ctx context.Context, typ MessageType, payload []byte) error {
	if f.closed.Load() {
		return ErrTransportClosed
	}
	if len(payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}

	msgLen := 1 + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(typ)
	copy(buf[5:], payload)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		f.conn.SetWriteDeadline(deadline)
		defer f.conn.SetWriteDeadline(time.Time{})
	}
	_, err := f.conn.Write(buf)
	return err
}

func (f *frameConn) readFrame(ctx context.Context) (MessageType, []byte, error) {
	f.readMu.Lock()
	defer f.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		f.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f.conn, header); err != nil {
		return 0, nil, f.readErr(ctx, err)
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 || msgLen > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(f.conn, msg); err != nil {
		return 0, nil, f.readErr(ctx, err)
	}
	return MessageType(msg[0]), msg[1:], nil
}

func (f *frameConn) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return err
}

func (f *frameConn) Send(ctx context.Context, data []byte) error {
	return f.writeFrame(ctx, MsgData, data)
}

// Recv returns the next data frame. An error frame from the peer ends the
// transport.
func (f *frameConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		typ, payload, err := f.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch typ {
		case MsgData:
			return payload, nil
		case MsgError:
			return nil, frameError(payload)
		}
	}
}

func (f *frameConn) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.conn.Close()
}

func frameError(payload []byte) error {
	var detail ErrorDetail
	if err := defaultCodec.Decode(payload, &detail); err != nil || detail.Kind == "" {
		return newError("attach", KindTransport, "%s", payload)
	}
	return detail.err("attach")
}

// TCPDialer opens channel transports against a framed TCP broker.
type TCPDialer struct {
	Addr string
}

func (d *TCPDialer) Dial(ctx context.Context, id string, dir Direction) (Transport, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, wrapError("dial", KindTransport, err, "tcp "+d.Addr)
	}
	fc := newFrameConn(conn)

	payload, err := defaultCodec.Encode(attachRequest{UUID: id, Direction: dir})
	if err != nil {
		fc.Close()
		return nil, err
	}
	if err := fc.writeFrame(ctx, MsgAttach, payload); err != nil {
		fc.Close()
		return nil, wrapError("dial", KindTransport, err, "attach")
	}

	typ, payload, err := fc.readFrame(ctx)
	if err != nil {
		fc.Close()
		return nil, wrapError("dial", KindTransport, err, "attach")
	}
	switch typ {
	case MsgAck:
		return fc, nil
	case MsgError:
		fc.Close()
		return nil, frameError(payload)
	}
	fc.Close()
	return nil, protocolViolation("dial", "unexpected frame type %#x during attach", typ)
}

func dialTCP(u *url.URL) (Dialer, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("tcp broker url %q has no host", u.String())
	}
	return &TCPDialer{Addr: u.Host}, nil
}

// TCPServer attaches framed TCP connections to a Hub.
type TCPServer struct {
	listener net.Listener
	hub      *Hub
	log      *zap.Logger
	conns    sync.Map
	closed   atomic.Bool
}

// NewTCPServer creates a TCP broker for hub on listener.
func NewTCPServer(listener net.Listener, hub *Hub, log *zap.Logger) *TCPServer {
	if log == nil {
		log = Logger()
	}
	return &TCPServer{
		listener: listener,
		hub:      hub,
		log:      log,
	}
}

func listenTCP(u *url.URL, hub *Hub, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return NewTCPServer(listener, hub, o.logger), nil
}

// Serve accepts connections until Close
func (s *TCPServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	fc := newFrameConn(conn)
	defer fc.Close()
	s.conns.Store(fc, struct{}{})
	defer s.conns.Delete(fc)

	typ, payload, err := fc.readFrame(ctx)
	if err != nil {
		return
	}
	if typ != MsgAttach {
		s.reject(ctx, fc, protocolViolation("attach", "expected attach frame, got %#x", typ))
		return
	}
	var req attachRequest
	if err := defaultCodec.Decode(payload, &req); err != nil || req.UUID == "" {
		s.reject(ctx, fc, protocolViolation("attach", "bad attach request"))
		return
	}

	port, err := s.hub.Attach(req.UUID, req.Direction)
	if err != nil {
		s.reject(ctx, fc, err)
		return
	}
	defer port.Close()

	if err := fc.writeFrame(ctx, MsgAck, nil); err != nil {
		return
	}
	s.log.Debug("attached", zap.String("channel", req.UUID), zap.String("direction", string(req.Direction)))
	if err := Bridge(ctx, port, req.Direction, fc); err != nil {
		s.log.Debug("bridge stopped", zap.String("channel", req.UUID), zap.Error(err))
	}
}

func (s *TCPServer) reject(ctx context.Context, fc *frameConn, err error) {
	s.log.Debug("reject", zap.Error(err))
	payload, encErr := defaultCodec.Encode(errorDetail(err))
	if encErr != nil {
		return
	}
	fc.writeFrame(ctx, MsgError, payload)
}

// Close closes the listener and every attached connection
func (s *TCPServer) Close() error {
	s.closed.Store(true)
	s.conns.Range(func(key, _ any) bool {
		key.(*frameConn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *TCPServer) Addr() string {
	return s.listener.Addr().String()
}
