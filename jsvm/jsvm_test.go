// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package jsvm

import (
	"context"
	"testing"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/msgchannel"
)

func call(t *testing.T, src string, args ...any) (any, error) {
	t.Helper()
	fn, err := New(nil).Compile(src)
	require.NoError(t, err)
	require.Equal(t, src, fn.Source())
	return fn.Call(context.Background(), args...)
}

func TestCall(t *testing.T) {
	tests := []struct {
		name string
		src  string
		args []any
		want any
	}{
		{"sum", "(a, b) => a + b", []any{2.0, 3.0}, 5},
		{"async", "async (a, b) => a * b", []any{4.0, 2.5}, 10},
		{"string", "(s) => s.toUpperCase()", []any{"hi"}, "HI"},
		{"array", "(xs) => xs.length", []any{[]any{1.0, 2.0, 3.0}}, 3},
		{"object", "(o) => o.k + '!'", []any{map[string]any{"k": "v"}}, "v!"},
		{"null", "() => null", nil, nil},
		{"undefined arg", "(x) => x === undefined", []any{msgchannel.Undefined}, true},
		{"null arg", "(x) => x === null", []any{nil}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := call(t, tt.src, tt.args...)
			require.NoError(t, err)
			require.EqualValues(t, tt.want, got)
		})
	}
}

func TestCallReturnsUndefined(t *testing.T) {
	got, err := call(t, "() => {}")
	require.NoError(t, err)
	require.Equal(t, msgchannel.Undefined, got)
}

func TestCallMapArgument(t *testing.T) {
	m := linkedhashmap.New()
	m.Put("a", 1.0)
	m.Put("b", 2.0)
	got, err := call(t, "(m) => [...m.keys()].join(',') + ':' + m.get('b')", m)
	require.NoError(t, err)
	require.Equal(t, "a,b:2", got)
}

func TestCallCallableArgument(t *testing.T) {
	ev := New(nil)
	double, err := ev.Compile("(x) => x * 2")
	require.NoError(t, err)

	got, err := call(t, "(f, v) => f(v) + 1", double, 3.0)
	require.NoError(t, err)
	require.EqualValues(t, 7, got)
}

func TestCallReturnsFunction(t *testing.T) {
	got, err := call(t, "() => (x) => x + 1")
	require.NoError(t, err)
	fn, ok := got.(msgchannel.Callable)
	require.True(t, ok)
	require.Contains(t, fn.Source(), "x + 1")

	v, err := fn.Call(context.Background(), 1.0)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
}

func TestCallReturnsMap(t *testing.T) {
	got, err := call(t, "() => new Map([['z', 1], ['a', new Set(['x'])]])")
	require.NoError(t, err)
	m, ok := got.(*linkedhashmap.Map)
	require.True(t, ok, "got %T", got)
	require.Equal(t, []any{"z", "a"}, m.Keys())

	z, _ := m.Get("z")
	require.EqualValues(t, 1, z)
	inner, _ := m.Get("a")
	set, ok := inner.(*linkedhashset.Set)
	require.True(t, ok, "got %T", inner)
	require.Equal(t, []any{"x"}, set.Values())
}

func TestCallReturnsSet(t *testing.T) {
	got, err := call(t, "() => [new Set([2, 1, 2])]")
	require.NoError(t, err)
	list, ok := got.([]any)
	require.True(t, ok, "got %T", got)
	require.Len(t, list, 1)
	set, ok := list[0].(*linkedhashset.Set)
	require.True(t, ok, "got %T", list[0])
	require.Equal(t, 2, set.Size())
	require.EqualValues(t, 2, set.Values()[0])
	require.EqualValues(t, 1, set.Values()[1])
}

func TestCallExportErrors(t *testing.T) {
	_, err := call(t, "() => { const o = {}; o.self = o; return o }")
	require.ErrorIs(t, err, ErrCyclicValue)

	_, err = call(t, "() => new Map([[{}, 1]])")
	require.ErrorContains(t, err, "Map key")
}

func TestScriptErrors(t *testing.T) {
	_, err := call(t, "() => { throw new Error('boom') }")
	require.ErrorContains(t, err, "boom")

	_, err = call(t, "async () => { throw new Error('later') }")
	require.ErrorContains(t, err, "later")

	_, err = New(nil).Compile("(a, b) =>")
	require.Error(t, err)

	_, err = New(nil).Compile("42")
	require.ErrorIs(t, err, ErrNotFunction)
}

func TestCallInterrupted(t *testing.T) {
	fn, err := New(nil).Compile("() => { for (;;) {} }")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fn.Call(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouterWithEvaluator(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := msgchannel.NewHub(nil)
	callee := msgchannel.NewHost(msgchannel.WithDialer(hub), msgchannel.WithEvaluator(New(nil)))
	router, err := callee.ContextChannel(ctx)
	require.NoError(t, err)
	defer router.Close()

	caller := msgchannel.NewHost(msgchannel.WithDialer(hub))
	remote := caller.NewRemote(callee.ContextID())
	defer remote.Close()

	got, err := remote.ExecuteScript(ctx, "(a, b) => a + b", 2, 3)
	require.NoError(t, err)
	require.Equal(t, float64(5), got)

	got, err = remote.ExecuteScript(ctx, "async (xs) => xs.map(x => x * 10)", []any{1, 2})
	require.NoError(t, err)
	local, err := caller.Localize(got)
	require.NoError(t, err)
	require.Equal(t, []any{float64(10), float64(20)}, local)

	got, err = remote.ExecuteScript(ctx, "() => new Map([['a', 1]])")
	require.NoError(t, err)
	require.Equal(t, msgchannel.TagMap, got.(*msgchannel.RemoteObject).Type)

	got, err = remote.ExecuteScript(ctx, "() => new Set([1, 2])")
	require.NoError(t, err)
	require.Equal(t, msgchannel.TagSet, got.(*msgchannel.RemoteObject).Type)
	local, err = caller.Localize(got)
	require.NoError(t, err)
	require.Equal(t, []any{float64(1), float64(2)}, local.(*linkedhashset.Set).Values())

	_, err = remote.ExecuteScript(ctx, "() => { throw new TypeError('nope') }")
	require.ErrorIs(t, err, msgchannel.ErrScript)
	require.ErrorContains(t, err, "TypeError: nope")
}
