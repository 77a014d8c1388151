// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"go.uber.org/zap"
)

// serializeEntry is one pending value and the slot its record goes into. A
// nil slot marks the root.
type serializeEntry struct {
	value any
	slot  **Record
}

// Serialize converts v into exactly one Wire Record. The value graph is walked
// breadth-first from an explicit queue, so depth is not limited by the call
// stack. Cycles are not detected: a self-referencing container never
// finishes.
func (h *Host) Serialize(v any) (*Record, error) {
	var root *Record
	rootSet := false

	queue := []serializeEntry{{value: v}}
	for len(queue) > 0 {
		entry := queue[0]
		queue[0] = serializeEntry{}
		queue = queue[1:]

		rec, children, err := h.serializeOne(entry.value)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)

		if entry.slot == nil {
			if rootSet {
				return nil, protocolViolation("serialize", "tried to create multiple output values")
			}
			root, rootSet = rec, true
			continue
		}
		*entry.slot = rec
	}

	h.log.Debug("serialize", zap.String("type", string(root.Type)), zap.String("objectId", root.ObjectID))
	return root, nil
}

func (h *Host) serializeOne(v any) (*Record, []serializeEntry, error) {
	switch v := v.(type) {
	case nil:
		return &Record{Type: TagNull}, nil, nil
	case undefined:
		return &Record{Type: TagUndefined}, nil, nil
	case *RemoteObject:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		return h.serializeRemote(v)
	case *RecvChannel:
		return nil, nil, channelMisuse("serialize", "can't send a RecvChannel")
	case *SendChannel:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		return &Record{Type: TagChannel, Value: v.id}, nil, nil
	case string:
		return &Record{Type: TagString, Value: v}, nil, nil
	case bool:
		return &Record{Type: TagBoolean, Value: v}, nil, nil
	case float64:
		return &Record{Type: TagNumber, Value: encodeNumber(v)}, nil, nil
	case int:
		return &Record{Type: TagNumber, Value: encodeNumber(float64(v))}, nil, nil
	case int64:
		return &Record{Type: TagNumber, Value: encodeNumber(float64(v))}, nil, nil
	case *big.Int:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		return &Record{Type: TagBigInt, Value: v.String()}, nil, nil
	case *Symbol:
		return h.reference(TagSymbol, v, nil)
	case Sourcer:
		return h.reference(TagFunction, v, v.Source())
	case *WeakMap:
		return h.reference(TagWeakMap, v, nil)
	case *WeakSet:
		return h.reference(TagWeakSet, v, nil)
	case *Promise:
		return h.reference(TagPromise, v, nil)
	case *TypedArray:
		return h.reference(TagTypedArray, v, nil)
	case []byte:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		return h.reference(TagArrayBuffer, v, base64.StdEncoding.EncodeToString(v))
	case *regexp.Regexp:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		return &Record{Type: TagRegExp, Value: "/" + v.String() + "/"}, nil, nil
	case time.Time:
		return &Record{Type: TagDate, Value: v.Format(time.RFC3339Nano)}, nil, nil
	case *linkedhashmap.Map:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		fields := make(Fields, v.Size())
		children := make([]serializeEntry, 0, v.Size())
		it := v.Iterator()
		for i := 0; it.Next(); i++ {
			fields[i].Key = keyString(it.Key())
			children = append(children, serializeEntry{value: it.Value(), slot: &fields[i].Record})
		}
		return &Record{Type: TagMap, Value: fields}, children, nil
	case *linkedhashset.Set:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		return serializeList(TagSet, v.Values())
	case []any:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		return serializeList(TagArray, v)
	case map[string]any:
		if v == nil {
			return &Record{Type: TagNull}, nil, nil
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make(Fields, len(keys))
		children := make([]serializeEntry, len(keys))
		for i, k := range keys {
			fields[i].Key = k
			children[i] = serializeEntry{value: v[k], slot: &fields[i].Record}
		}
		return &Record{Type: TagObject, Value: fields}, children, nil
	case error:
		return h.reference(TagError, v, v.Error())
	}
	return h.serializeReflect(reflect.ValueOf(v))
}

// reference builds a record for a reference-bearing value. payload may be nil.
func (h *Host) reference(tag Tag, v any, payload any) (*Record, []serializeEntry, error) {
	id, err := h.registry.ID(v)
	if err != nil {
		return nil, nil, err
	}
	return &Record{Type: tag, Value: payload, ObjectID: id}, nil, nil
}

func (h *Host) serializeRemote(o *RemoteObject) (*Record, []serializeEntry, error) {
	if !o.Type.container() {
		return &Record{Type: o.Type, Value: o.Value, ObjectID: o.ObjectID}, nil, nil
	}

	var (
		rec      *Record
		children []serializeEntry
		err      error
	)
	switch value := o.Value.(type) {
	case []any:
		rec, children, err = serializeList(o.Type, value)
	case *linkedhashmap.Map:
		fields := make(Fields, value.Size())
		it := value.Iterator()
		for i := 0; it.Next(); i++ {
			fields[i].Key = keyString(it.Key())
			children = append(children, serializeEntry{value: it.Value(), slot: &fields[i].Record})
		}
		rec = &Record{Type: o.Type, Value: fields}
	case nil:
		rec = &Record{Type: o.Type}
	default:
		return nil, nil, unsupportedValue("serialize", o, "remote %s holds %T", o.Type, o.Value)
	}
	if err != nil {
		return nil, nil, err
	}
	rec.ObjectID = o.ObjectID
	return rec, children, nil
}

func serializeList(tag Tag, values []any) (*Record, []serializeEntry, error) {
	items := make([]*Record, len(values))
	children := make([]serializeEntry, len(values))
	for i, child := range values {
		children[i] = serializeEntry{value: child, slot: &items[i]}
	}
	return &Record{Type: tag, Value: items}, children, nil
}

func keyString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

// serializeReflect handles named and composite Go types that the fast path
// in serializeOne doesn't match.
func (h *Host) serializeReflect(rv reflect.Value) (*Record, []serializeEntry, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return &Record{Type: TagNull}, nil, nil
		}
		return h.serializeOne(rv.Elem().Interface())
	case reflect.Bool:
		return &Record{Type: TagBoolean, Value: rv.Bool()}, nil, nil
	case reflect.String:
		return &Record{Type: TagString, Value: rv.String()}, nil, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &Record{Type: TagNumber, Value: encodeNumber(float64(rv.Int()))}, nil, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return &Record{Type: TagNumber, Value: encodeNumber(float64(rv.Uint()))}, nil, nil
	case reflect.Float32, reflect.Float64:
		return &Record{Type: TagNumber, Value: encodeNumber(rv.Float())}, nil, nil
	case reflect.Slice:
		if rv.IsNil() {
			return &Record{Type: TagNull}, nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return h.serializeOne(rv.Bytes())
		}
		return serializeList(TagArray, reflectElems(rv))
	case reflect.Array:
		return serializeList(TagArray, reflectElems(rv))
	case reflect.Map:
		if rv.IsNil() {
			return &Record{Type: TagNull}, nil, nil
		}
		keys := rv.MapKeys()
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = keyString(k.Interface())
		}
		order := make([]int, len(keys))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })
		fields := make(Fields, len(keys))
		children := make([]serializeEntry, len(keys))
		for i, idx := range order {
			fields[i].Key = names[idx]
			children[i] = serializeEntry{value: rv.MapIndex(keys[idx]).Interface(), slot: &fields[i].Record}
		}
		return &Record{Type: TagObject, Value: fields}, children, nil
	case reflect.Struct:
		infos := structFields(rv.Type())
		fields := make(Fields, 0, len(infos))
		values := make([]any, 0, len(infos))
		for _, info := range infos {
			fv := rv.Field(info.index)
			if info.omitEmpty && fv.IsZero() {
				continue
			}
			fields = append(fields, Field{Key: info.name})
			values = append(values, fv.Interface())
		}
		children := make([]serializeEntry, len(values))
		for i := range values {
			children[i] = serializeEntry{value: values[i], slot: &fields[i].Record}
		}
		return &Record{Type: TagObject, Value: fields}, children, nil
	}

	return nil, nil, unsupportedValue("serialize", rv.Interface(), "no cross-context representation for %s", rv.Type())
}

func reflectElems(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

type fieldInfo struct {
	index     int
	name      string
	omitEmpty bool
}

// fieldCache maps reflect.Type to []fieldInfo.
var fieldCache sync.Map

// structFields lists exported fields, named by their json tag when present.
func structFields(t reflect.Type) []fieldInfo {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]fieldInfo)
	}

	var infos []fieldInfo
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		infos = append(infos, fieldInfo{
			index:     i,
			name:      name,
			omitEmpty: strings.Contains(","+opts+",", ",omitempty,"),
		})
	}

	fieldCache.Store(t, infos)
	return infos
}
