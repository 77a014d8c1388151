// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(DefaultBrokerPath, NewBroker(NewHub(nil), nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultBrokerPath
}

func TestWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &WebSocketDialer{URL: startBroker(t)}

	w, err := d.Dial(ctx, "chan", Write)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Send(ctx, []byte(`{"type":"string","value":"hi"}`)))

	r, err := d.Dial(ctx, "chan", Read)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"string","value":"hi"}`, string(got))
}

func TestWebSocketSecondReader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &WebSocketDialer{URL: startBroker(t)}
	r, err := d.Dial(ctx, "chan", Read)
	require.NoError(t, err)
	defer r.Close()

	_, err = d.Dial(ctx, "chan", Read)
	require.ErrorIs(t, err, ErrChannelMisuse)
}

func TestWebSocketBadRequest(t *testing.T) {
	url := strings.Replace(startBroker(t), "ws", "http", 1)
	resp, err := http.Get(url + "?uuid=x&direction=sideways")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketRecvContext(t *testing.T) {
	d := &WebSocketDialer{URL: startBroker(t)}
	r, err := d.Dial(context.Background(), "idle", Read)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocketExecuteScript(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := startBroker(t)

	callee, err := Dial(url, WithEvaluator(addEvaluator()))
	require.NoError(t, err)
	defer callee.Close()
	router, err := callee.ContextChannel(ctx)
	require.NoError(t, err)
	defer router.Close()

	caller, err := Dial(url)
	require.NoError(t, err)
	defer caller.Close()
	remote := caller.NewRemote(callee.ContextID())
	defer remote.Close()

	got, err := remote.ExecuteScript(ctx, "(a, b) => a + b", 2, 3)
	require.NoError(t, err)
	require.Equal(t, float64(5), got)

	require.NoError(t, remote.PostMessage(ctx, "done"))
}

func TestListenWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(nil)
	server, err := Listen("ws://127.0.0.1:0", hub)
	require.NoError(t, err)
	go server.Serve(ctx)
	defer server.Close()

	h, err := Dial("ws://" + server.Addr())
	require.NoError(t, err)
	defer h.Close()

	recv, send, err := h.Channel(ctx)
	require.NoError(t, err)
	defer recv.Close()

	got := make(chan any, 1)
	recv.AddListener(func(msg json.RawMessage) {
		v, err := h.DecodeValue(msg)
		if err == nil {
			got <- v
		}
	})
	require.NoError(t, send.Send(ctx, "over the wire"))
	require.Equal(t, "over the wire", <-got)
}
