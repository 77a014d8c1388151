// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromiseSettlesOnce(t *testing.T) {
	p := NewPromise()
	require.False(t, p.Settled())
	require.True(t, p.Resolve(1))
	require.False(t, p.Resolve(2))
	require.False(t, p.Reject(errors.New("late")))
	require.True(t, p.Settled())

	v, err := p.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestPromiseReject(t *testing.T) {
	p := NewPromise()
	boom := errors.New("boom")
	p.Reject(boom)
	_, err := p.Await(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestPromiseAwaitContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewPromise().Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
