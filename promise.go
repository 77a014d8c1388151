// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"sync"
)

// Promise is a pending result that is settled at most once. It backs
// one-shot listeners, pending calls and asynchronous script results, and is
// itself a reference-bearing value.
type Promise struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewPromise returns an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve settles the promise with v. It reports false if the promise was
// already settled.
func (p *Promise) Resolve(v any) bool {
	return p.settle(v, nil)
}

// Reject settles the promise with err.
func (p *Promise) Reject(err error) bool {
	return p.settle(nil, err)
}

func (p *Promise) settle(v any, err error) bool {
	settled := false
	p.once.Do(func() {
		p.value, p.err = v, err
		close(p.done)
		settled = true
	})
	return settled
}

// Done is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether Resolve or Reject has been called.
func (p *Promise) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Await blocks until the promise settles or ctx is done. There is no
// built-in timeout; a promise that is never settled blocks for as long as
// ctx allows.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
