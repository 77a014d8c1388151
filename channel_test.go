// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvChannelSingleReader(t *testing.T) {
	// No dialer: the second reader must fail before any transport exists.
	h := NewHost()
	_, err := h.NewRecvChannel("dup")
	require.NoError(t, err)
	_, err = h.NewRecvChannel("dup")
	require.ErrorIs(t, err, ErrChannelMisuse)
}

func TestRecvChannelConnectTwice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := NewHost(WithDialer(NewHub(nil)))
	recv, err := h.NewRecvChannel("c")
	require.NoError(t, err)
	require.NoError(t, recv.Connect(ctx))
	defer recv.Close()
	require.ErrorIs(t, recv.Connect(ctx), ErrChannelMisuse)
}

func TestConnectWithoutDialer(t *testing.T) {
	err := NewHost().NewSendChannel("c").Connect(context.Background())
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, KindTransport, e.Kind)
}

func TestChannelSendReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(nil)
	sender := NewHost(WithDialer(hub))
	receiver := NewHost(WithDialer(hub))

	recv, err := receiver.NewRecvChannel("inbox")
	require.NoError(t, err)
	msgs := make(chan json.RawMessage, 4)
	recv.AddListener(func(msg json.RawMessage) { msgs <- msg })

	// Sent before the reader connects: the broker holds it.
	send := sender.NewSendChannel("inbox")
	require.NoError(t, send.Send(ctx, "early"))
	require.True(t, send.Connected())

	require.NoError(t, recv.Connect(ctx))
	defer recv.Close()
	require.NoError(t, send.Send(ctx, []any{1, "late"}))

	v, err := receiver.DecodeValue(<-msgs)
	require.NoError(t, err)
	require.Equal(t, "early", v)

	v, err = receiver.DecodeValue(<-msgs)
	require.NoError(t, err)
	local, err := receiver.Localize(v)
	require.NoError(t, err)
	require.Equal(t, []any{float64(1), "late"}, local)
}

func TestHostChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := NewHost(WithDialer(NewHub(nil)))
	recv, send, err := h.Channel(ctx)
	require.NoError(t, err)
	defer recv.Close()
	require.Equal(t, recv.ID(), send.ID())
	require.True(t, send.Connected())

	_, err = h.NewRecvChannel(recv.ID())
	require.ErrorIs(t, err, ErrChannelMisuse)
}

func TestRecvChannelNextIsOneShot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recv, err := NewHost().NewRecvChannel("c")
	require.NoError(t, err)

	got := make(chan json.RawMessage, 1)
	go func() {
		msg, err := recv.Next(ctx)
		if err == nil {
			got <- msg
		}
	}()
	require.Eventually(t, func() bool { return listenerCount(recv) == 1 }, time.Second, time.Millisecond)

	recv.dispatch(json.RawMessage(`"first"`))
	recv.dispatch(json.RawMessage(`"second"`))
	require.JSONEq(t, `"first"`, string(<-got))
	require.Zero(t, listenerCount(recv))
}

func TestRecvChannelNextCanceled(t *testing.T) {
	recv, err := NewHost().NewRecvChannel("c")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = recv.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, listenerCount(recv))
}

func TestRecvChannelListenerOrder(t *testing.T) {
	recv, err := NewHost().NewRecvChannel("c")
	require.NoError(t, err)

	var order []string
	recv.AddListener(func(json.RawMessage) { order = append(order, "a") })
	id := recv.AddListener(func(json.RawMessage) { order = append(order, "b") })
	recv.AddListener(func(json.RawMessage) { order = append(order, "c") })

	recv.dispatch(json.RawMessage(`null`))
	recv.RemoveListener(id)
	recv.RemoveListener(id)
	recv.dispatch(json.RawMessage(`null`))

	require.Equal(t, []string{"a", "b", "c", "a", "c"}, order)
}

func listenerCount(c *RecvChannel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// countingDialer counts write dials made through it.
type countingDialer struct {
	Dialer
	writes atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, id string, dir Direction) (Transport, error) {
	if dir == Write {
		d.writes.Add(1)
	}
	return d.Dialer.Dial(ctx, id, dir)
}

func TestSendSocketCache(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &countingDialer{Dialer: NewHub(nil)}
	h := NewHost(WithDialer(d))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.NewSendChannel("shared").Connect(ctx))
		}()
	}
	wg.Wait()
	require.NoError(t, h.NewSendChannel("shared").Send(ctx, "x"))
	require.EqualValues(t, 1, d.writes.Load())

	require.NoError(t, h.NewSendChannel("other").Connect(ctx))
	require.EqualValues(t, 2, d.writes.Load())
}

type brokenTransport struct{}

func (brokenTransport) Send(context.Context, []byte) error { return errors.New("broken pipe") }
func (brokenTransport) Recv(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (brokenTransport) Close() error { return nil }

func TestSendFailureIsTerminal(t *testing.T) {
	var dials atomic.Int32
	h := NewHost(WithDialer(DialerFunc(func(context.Context, string, Direction) (Transport, error) {
		dials.Add(1)
		return brokenTransport{}, nil
	})))

	send := h.NewSendChannel("c")
	err := send.Send(context.Background(), "x")
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, KindTransport, e.Kind)
	require.False(t, send.Connected())

	err = send.Send(context.Background(), "y")
	require.ErrorIs(t, err, ErrChannelMisuse)
	require.ErrorIs(t, send.Connect(context.Background()), ErrChannelMisuse)
	require.EqualValues(t, 1, dials.Load())

	// The broken socket left the cache, so a new channel dials again.
	require.Error(t, h.NewSendChannel("c").Send(context.Background(), "z"))
	require.EqualValues(t, 2, dials.Load())
}
