//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func init() {
	// Register gRPC transport when build tag is enabled
	encoding.RegisterCodec(grpcJSONCodec{})
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

const (
	grpcServiceName = "msgchannel.Broker"
	grpcAttach      = "/" + grpcServiceName + "/Attach"
)

// grpcJSONCodec carries stream messages as JSON so the broker needs no
// generated protobuf types.
type grpcJSONCodec struct{}

func (grpcJSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (grpcJSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (grpcJSONCodec) Name() string                       { return "json" }

type grpcFrame struct {
	Data []byte `json:"data"`
}

type brokerService interface {
	attach(stream grpc.ServerStream) error
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*brokerService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Attach",
		Handler:       attachHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "msgchannel/broker",
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(brokerService).attach(stream)
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream a
// transport needs.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcStream adapts either end of an Attach stream to Transport.
type grpcStream struct {
	stream  msgStream
	sendMu  sync.Mutex
	cancel  context.CancelFunc
	closeFn func() error
	closed  atomic.Bool
}

func (s *grpcStream) Send(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(&grpcFrame{Data: data})
}

func (s *grpcStream) Recv(ctx context.Context) ([]byte, error) {
	if s.cancel != nil {
		stop := context.AfterFunc(ctx, s.cancel)
		defer stop()
	}
	var f grpcFrame
	if err := s.stream.RecvMsg(&f); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.closed.Load() || errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return f.Data, nil
}

func (s *grpcStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.closeFn != nil {
		err = s.closeFn()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// GRPCDialer opens one Attach stream per channel transport.
type GRPCDialer struct {
	conn *grpc.ClientConn
}

func dialGRPC(u *url.URL) (Dialer, error) {
	conn, err := grpc.NewClient(u.Host,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcJSONCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCDialer{conn: conn}, nil
}

func (d *GRPCDialer) Dial(ctx context.Context, id string, dir Direction) (Transport, error) {
	// The stream outlives ctx; ctx only bounds the attach handshake.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, "uuid", id, "direction", string(dir))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	stream, err := d.conn.NewStream(streamCtx, &brokerServiceDesc.Streams[0], grpcAttach)
	if err != nil {
		cancel()
		return nil, grpcError(err)
	}
	md, err := stream.Header()
	if err == nil && md == nil {
		// Trailers-only response: the server rejected the attach.
		err = stream.RecvMsg(new(grpcFrame))
		if err == nil || errors.Is(err, io.EOF) {
			err = protocolViolation("dial", "attach stream ended without headers")
		}
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, grpcError(err)
	}
	return &grpcStream{stream: stream, cancel: cancel, closeFn: stream.CloseSend}, nil
}

// Close closes the underlying client connection.
func (d *GRPCDialer) Close() error {
	return d.conn.Close()
}

func grpcError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	st, ok := status.FromError(err)
	if !ok {
		return wrapError("dial", KindTransport, err, "grpc")
	}
	switch st.Code() {
	case codes.AlreadyExists:
		return channelMisuse("dial", "%s", st.Message())
	case codes.InvalidArgument:
		return protocolViolation("dial", "%s", st.Message())
	}
	return wrapError("dial", KindTransport, err, "grpc")
}

// GRPCServer attaches gRPC Attach streams to a Hub.
type GRPCServer struct {
	listener net.Listener
	server   *grpc.Server
	hub      *Hub
	log      *zap.Logger
}

// NewGRPCServer creates a gRPC broker for hub on listener.
func NewGRPCServer(listener net.Listener, hub *Hub, log *zap.Logger) *GRPCServer {
	if log == nil {
		log = Logger()
	}
	s := &GRPCServer{
		listener: listener,
		server:   grpc.NewServer(),
		hub:      hub,
		log:      log,
	}
	s.server.RegisterService(&brokerServiceDesc, s)
	return s
}

func listenGRPC(u *url.URL, hub *Hub, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return NewGRPCServer(listener, hub, o.logger), nil
}

func (s *GRPCServer) attach(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	id, dir := firstValue(md, "uuid"), Direction(firstValue(md, "direction"))
	if id == "" || (dir != Read && dir != Write) {
		return status.Error(codes.InvalidArgument, "uuid and direction=read|write are required")
	}

	port, err := s.hub.Attach(id, dir)
	if err != nil {
		return status.Error(codes.AlreadyExists, err.Error())
	}
	defer port.Close()

	if err := stream.SendHeader(metadata.Pairs("attached", id)); err != nil {
		return err
	}
	s.log.Debug("attached", zap.String("channel", id), zap.String("direction", string(dir)))
	if err := Bridge(stream.Context(), port, dir, &grpcStream{stream: stream}); err != nil {
		s.log.Debug("bridge stopped", zap.String("channel", id), zap.Error(err))
	}
	return nil
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Serve accepts streams until Close
func (s *GRPCServer) Serve(ctx context.Context) error {
	err := s.server.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *GRPCServer) Close() error {
	s.server.Stop()
	return nil
}

func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}
