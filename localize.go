// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"encoding/base64"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/linkedhashset"
)

type localizeEntry struct {
	value  any
	assign func(any)
}

// Localize converts RemoteObject trees into native values using the host's
// evaluator for function records.
func (h *Host) Localize(v any) (any, error) {
	return Localize(v, h.evaluator)
}

// Localize converts v, and any RemoteObject inside it, into native Go values:
//
//	array  -> []any
//	object -> map[string]any
//	map    -> *linkedhashmap.Map
//	set    -> *linkedhashset.Set
//	function -> Callable compiled by ev
//	error  -> *RemoteError
//	arraybuffer, regexp, date -> []byte, *regexp.Regexp, time.Time
//
// Kinds with no native representation (symbols, weak collections, promises,
// typed arrays) fail with ErrUnsupportedValue. Values that are not
// RemoteObjects are returned unchanged.
func Localize(v any, ev Evaluator) (any, error) {
	var (
		root     any
		finalize []func() error
	)

	queue := []localizeEntry{{value: v, assign: func(x any) { root = x }}}
	for len(queue) > 0 {
		entry := queue[0]
		queue[0] = localizeEntry{}
		queue = queue[1:]

		obj, ok := entry.value.(*RemoteObject)
		if !ok || obj == nil {
			entry.assign(entry.value)
			continue
		}

		switch obj.Type {
		case TagArray:
			items, err := remoteItems(obj)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(items))
			entry.assign(out)
			for i, item := range items {
				queue = append(queue, localizeEntry{value: item, assign: func(x any) { out[i] = x }})
			}

		case TagSet:
			items, err := remoteItems(obj)
			if err != nil {
				return nil, err
			}
			out := linkedhashset.New()
			members := make([]any, len(items))
			entry.assign(out)
			for i, item := range items {
				queue = append(queue, localizeEntry{value: item, assign: func(x any) { members[i] = x }})
			}
			finalize = append(finalize, func() error {
				for _, m := range members {
					if m != nil && !reflect.ValueOf(m).Comparable() {
						return unsupportedValue("localize", m, "set member %T is not hashable", m)
					}
					out.Add(m)
				}
				return nil
			})

		case TagObject:
			m, err := remoteFields(obj)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, m.Size())
			entry.assign(out)
			it := m.Iterator()
			for it.Next() {
				key := keyString(it.Key())
				queue = append(queue, localizeEntry{value: it.Value(), assign: func(x any) { out[key] = x }})
			}

		case TagMap:
			m, err := remoteFields(obj)
			if err != nil {
				return nil, err
			}
			out := linkedhashmap.New()
			entry.assign(out)
			it := m.Iterator()
			for it.Next() {
				key := it.Key()
				out.Put(key, nil)
				queue = append(queue, localizeEntry{value: it.Value(), assign: func(x any) { out.Put(key, x) }})
			}

		default:
			x, err := localizeScalar(obj, ev)
			if err != nil {
				return nil, err
			}
			entry.assign(x)
		}
	}

	for _, fn := range finalize {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return root, nil
}

func remoteItems(obj *RemoteObject) ([]any, error) {
	switch items := obj.Value.(type) {
	case []any:
		return items, nil
	case nil:
		return nil, nil
	}
	return nil, unsupportedValue("localize", obj, "remote %s holds %T", obj.Type, obj.Value)
}

func remoteFields(obj *RemoteObject) (*linkedhashmap.Map, error) {
	switch m := obj.Value.(type) {
	case *linkedhashmap.Map:
		return m, nil
	case nil:
		return linkedhashmap.New(), nil
	}
	return nil, unsupportedValue("localize", obj, "remote %s holds %T", obj.Type, obj.Value)
}

func localizeScalar(obj *RemoteObject, ev Evaluator) (any, error) {
	const op = "localize"

	text, _ := obj.Value.(string)
	switch obj.Type {
	case TagFunction:
		if ev == nil {
			return nil, unsupportedValue(op, obj, "no evaluator to compile function")
		}
		fn, err := ev.Compile(text)
		if err != nil {
			return nil, wrapError(op, KindScript, err, "compile function")
		}
		return fn, nil
	case TagError:
		return &RemoteError{Message: text, ObjectID: obj.ObjectID}, nil
	case TagArrayBuffer:
		if obj.Value == nil {
			return nil, unsupportedValue(op, obj, "arraybuffer without contents")
		}
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, wrapError(op, KindProtocolViolation, err, "arraybuffer payload")
		}
		return b, nil
	case TagRegExp:
		return parseRegExp(text)
	case TagDate:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, wrapError(op, KindProtocolViolation, err, "date payload")
		}
		return t, nil
	}
	return nil, unsupportedValue(op, obj, "can't convert remote value type %s to a local value", obj.Type)
}

// parseRegExp compiles a "/pattern/flags" literal. The i, m and s flags map
// to inline Go flags; g, u and y don't change matching and are dropped.
func parseRegExp(lit string) (*regexp.Regexp, error) {
	const op = "localize"

	end := strings.LastIndexByte(lit, '/')
	if len(lit) < 2 || lit[0] != '/' || end == 0 {
		return nil, protocolViolation(op, "malformed regexp %q", lit)
	}
	pattern, flags := lit[1:end], lit[end+1:]

	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		case 'g', 'u', 'y':
		default:
			return nil, unsupportedValue(op, lit, "regexp flag %q", f)
		}
	}
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, wrapError(op, KindUnsupportedValue, err, "regexp pattern")
	}
	return re, nil
}
