// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubBuffersUntilReader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(nil)
	w, err := hub.Attach("q", Write)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Send(ctx, []byte("one")))
	require.NoError(t, w.Send(ctx, []byte("two")))
	require.Equal(t, 2, hub.Pending("q"))

	r, err := hub.Attach("q", Read)
	require.NoError(t, err)
	defer r.Close()

	for _, want := range []string{"one", "two"} {
		got, err := r.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
	require.Zero(t, hub.Pending("q"))
}

func TestHubSingleReader(t *testing.T) {
	hub := NewHub(nil)
	r, err := hub.Attach("q", Read)
	require.NoError(t, err)

	_, err = hub.Attach("q", Read)
	require.ErrorIs(t, err, ErrChannelMisuse)

	require.NoError(t, r.Close())
	r2, err := hub.Attach("q", Read)
	require.NoError(t, err)
	require.NoError(t, r2.Close())
}

func TestHubQueueOutlivesReader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(nil)
	w, err := hub.Attach("q", Write)
	require.NoError(t, err)
	r, err := hub.Attach("q", Read)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	require.NoError(t, w.Send(ctx, []byte("kept")))

	r, err = hub.Attach("q", Read)
	require.NoError(t, err)
	got, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "kept", string(got))

	require.NoError(t, r.Close())
	require.NoError(t, w.Close())
	hub.mu.Lock()
	require.Empty(t, hub.queues)
	hub.mu.Unlock()
}

func TestHubPortDirections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	hub := NewHub(nil)
	r, err := hub.Attach("q", Read)
	require.NoError(t, err)
	defer r.Close()
	require.ErrorIs(t, r.Send(ctx, []byte("x")), ErrChannelMisuse)

	w, err := hub.Attach("q", Write)
	require.NoError(t, err)
	_, err = w.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Send(context.Background(), []byte("x")), ErrTransportClosed)
}

func TestHubRecvUnblocksOnClose(t *testing.T) {
	hub := NewHub(nil)
	r, err := hub.Attach("q", Read)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Recv(context.Background())
		errCh <- err
	}()
	require.NoError(t, r.Close())
	require.ErrorIs(t, <-errCh, ErrTransportClosed)
}

func TestSharedHub(t *testing.T) {
	require.Same(t, SharedHub("shared-test"), SharedHub("shared-test"))
	require.NotSame(t, SharedHub("shared-test"), SharedHub("other-test"))

	d, err := NewDialer("mem://shared-test")
	require.NoError(t, err)
	require.Same(t, SharedHub("shared-test"), d)
}

func TestBridgeWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// conn stands in for a remote client: frames it receives from its peer
	// are written into the hub.
	hub, peers := NewHub(nil), NewHub(nil)
	remote, err := peers.Attach("wire", Write)
	require.NoError(t, err)
	conn, err := peers.Attach("wire", Read)
	require.NoError(t, err)

	port, err := hub.Attach("q", Write)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- Bridge(ctx, port, Write, conn) }()

	require.NoError(t, remote.Send(ctx, []byte("via bridge")))

	r, err := hub.Attach("q", Read)
	require.NoError(t, err)
	got, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "via bridge", string(got))

	require.NoError(t, conn.Close())
	require.NoError(t, <-done)
}
