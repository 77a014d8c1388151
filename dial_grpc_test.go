//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGRPCTransportRegistered(t *testing.T) {
	require.True(t, HasTransport(TransportGRPC))
	require.Contains(t, AvailableTransports(), TransportGRPC)
}

func TestGRPCRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, _ := startServer(t, "grpc://127.0.0.1:0")
	d, err := NewDialer("grpc://" + server.Addr())
	require.NoError(t, err)
	defer d.(*GRPCDialer).Close()

	w, err := d.Dial(ctx, "chan", Write)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Send(ctx, []byte("hello")))

	r, err := d.Dial(ctx, "chan", Read)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	_, err = d.Dial(ctx, "chan", Read)
	require.ErrorIs(t, err, ErrChannelMisuse)
}

func TestGRPCExecuteScript(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, _ := startServer(t, "grpc://127.0.0.1:0")
	url := "grpc://" + server.Addr()

	callee, err := Dial(url, WithEvaluator(addEvaluator()))
	require.NoError(t, err)
	router, err := callee.ContextChannel(ctx)
	require.NoError(t, err)
	defer router.Close()

	caller, err := Dial(url)
	require.NoError(t, err)
	remote := caller.NewRemote(callee.ContextID())
	defer remote.Close()

	got, err := remote.ExecuteScript(ctx, "(a, b) => a + b", 2, 3)
	require.NoError(t, err)
	require.Equal(t, float64(5), got)
}
