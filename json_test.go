// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startBridge(t *testing.T) (*BridgeClient, *Router) {
	t.Helper()
	router, caller := pair(t)
	remote := caller.NewRemote(router.ID())
	t.Cleanup(func() { remote.Close() })

	handler, err := NewBridgeHandler(remote)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewBridgeClient(srv.URL)
	require.NoError(t, err)
	return client, router
}

func TestBridgeExecuteScript(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _ := startBridge(t)
	got, err := client.ExecuteScript(ctx, "(a, b) => a + b", 2, 3)
	require.NoError(t, err)
	require.Equal(t, float64(5), got)

	got, err = client.ExecuteScript(ctx, "() => ({a: [1, 'x']})")
	require.NoError(t, err)
	local, err := Localize(got, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": []any{float64(1), "x"}}, local)
}

func TestBridgeErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _ := startBridge(t)
	_, err := client.ExecuteScript(ctx, "() => { throw new Error('boom') }")
	require.ErrorIs(t, err, ErrScript)
	require.Contains(t, err.Error(), "boom")

	_, err = client.Call(ctx, "reload", nil)
	require.ErrorIs(t, err, ErrNotImplemented)
}

func TestBridgePostMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, router := startBridge(t)
	got := make(chan any, 1)
	router.AddMessageHandler(func(_ context.Context, params any) { got <- params })

	require.NoError(t, client.PostMessage(ctx, map[string]any{"k": "v"}))
	require.Equal(t, map[string]any{"msg": map[string]any{"k": "v"}}, <-got)

	raw, err := client.Call(ctx, CommandPostMessage, map[string]any{"msg": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(raw))
	require.Equal(t, map[string]any{"msg": float64(1)}, <-got)
}
