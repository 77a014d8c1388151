// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func localized(t *testing.T, from, to *Host, v any) any {
	t.Helper()
	got, err := to.Localize(transmit(t, from, to, v))
	require.NoError(t, err)
	return got
}

func TestLocalizeContainers(t *testing.T) {
	a, b := NewHost(), NewHost()

	in := map[string]any{
		"list":   []any{1, "two", []any{true}},
		"nested": map[string]any{"k": nil},
		"undef":  Undefined,
	}
	want := map[string]any{
		"list":   []any{float64(1), "two", []any{true}},
		"nested": map[string]any{"k": nil},
		"undef":  Undefined,
	}
	got := localized(t, a, b, in)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("localized value mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalizeMapAndSet(t *testing.T) {
	a, b := NewHost(), NewHost()

	m := linkedhashmap.New()
	m.Put("second", 2)
	m.Put("first", 1)
	got := localized(t, a, b, m).(*linkedhashmap.Map)
	require.Equal(t, []any{"second", "first"}, got.Keys())
	require.Equal(t, []any{float64(2), float64(1)}, got.Values())

	s := linkedhashset.New("x", 1)
	gotSet := localized(t, a, b, s).(*linkedhashset.Set)
	require.Equal(t, []any{"x", float64(1)}, gotSet.Values())
}

func TestLocalizeSetRejectsUnhashableMember(t *testing.T) {
	obj := &RemoteObject{
		Type:  TagSet,
		Value: []any{&RemoteObject{Type: TagArray, Value: []any{}}},
	}
	_, err := Localize(obj, nil)
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestLocalizeScalars(t *testing.T) {
	a, b := NewHost(), NewHost()

	when := time.Date(2024, 3, 1, 12, 30, 0, 5000, time.UTC)
	got := localized(t, a, b, when).(time.Time)
	require.True(t, when.Equal(got))

	re := localized(t, a, b, regexp.MustCompile(`a+b`)).(*regexp.Regexp)
	require.Equal(t, "a+b", re.String())

	buf := localized(t, a, b, []byte{0, 1, 2, 255}).([]byte)
	require.Equal(t, []byte{0, 1, 2, 255}, buf)

	remoteErr := localized(t, a, b, errors.New("boom"))
	var re2 *RemoteError
	require.ErrorAs(t, remoteErr.(error), &re2)
	require.Equal(t, "boom", re2.Message)
	require.NotEmpty(t, re2.ObjectID)
}

func TestParseRegExpFlags(t *testing.T) {
	re, err := parseRegExp("/abc/gi")
	require.NoError(t, err)
	require.True(t, re.MatchString("xABCx"))

	_, err = parseRegExp("abc")
	require.ErrorIs(t, err, ErrProtocolViolation)
	_, err = parseRegExp("/abc/x")
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestLocalizeUnsupportedKinds(t *testing.T) {
	a, b := NewHost(), NewHost()

	for _, v := range []any{
		NewSymbol("s"),
		&WeakMap{Label: "w"},
		&WeakSet{Label: "w"},
		NewPromise(),
		&TypedArray{Kind: "Uint8Array"},
	} {
		_, err := b.Localize(transmit(t, a, b, v))
		require.ErrorIs(t, err, ErrUnsupportedValue, "%T", v)
	}
}

func TestLocalizeFunction(t *testing.T) {
	a := NewHost()
	b := NewHost(WithEvaluator(addEvaluator()))

	v := transmit(t, a, b, NewFunction("(a, b) => a + b"))
	_, err := Localize(v, nil)
	require.ErrorIs(t, err, ErrUnsupportedValue)

	got, err := b.Localize(v)
	require.NoError(t, err)
	fn, ok := got.(Callable)
	require.True(t, ok)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sum, err := fn.Call(ctx, 2.0, 3.0)
	require.NoError(t, err)
	require.Equal(t, float64(5), sum)
}

func TestLocalizePassesNativeValues(t *testing.T) {
	got, err := Localize([]int{1, 2}, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, got)
}
