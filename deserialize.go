// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"encoding/json"
	"math/big"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"go.uber.org/zap"
)

type deserializeEntry struct {
	rec    *Record
	assign func(any)
}

// Deserialize reconstructs a value from a Wire Record. Primitive tags become
// Go values, channel records become unconnected *SendChannel values and every
// other tag becomes a *RemoteObject. A record whose objectId is already
// registered resolves to the registered value, so repeated transmissions of
// one reference yield the same Go value.
func (h *Host) Deserialize(rec *Record) (any, error) {
	var root any
	rootSet := false

	queue := []deserializeEntry{{rec: rec}}
	for len(queue) > 0 {
		entry := queue[0]
		queue[0] = deserializeEntry{}
		queue = queue[1:]

		if entry.rec == nil {
			return nil, protocolViolation("deserialize", "missing record")
		}

		v, children, err := h.deserializeOne(entry.rec)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)

		if entry.assign == nil {
			if rootSet {
				return nil, protocolViolation("deserialize", "tried to create multiple output values")
			}
			root, rootSet = v, true
			continue
		}
		entry.assign(v)
	}

	h.log.Debug("deserialize", zap.String("type", string(rec.Type)))
	return root, nil
}

// DecodeValue unmarshals a JSON Wire Record and deserializes it.
func (h *Host) DecodeValue(data []byte) (any, error) {
	rec := new(Record)
	if err := h.codec.Decode(data, rec); err != nil {
		return nil, wrapError("decode", KindProtocolViolation, err, "malformed record")
	}
	return h.Deserialize(rec)
}

func (h *Host) deserializeOne(rec *Record) (any, []deserializeEntry, error) {
	const op = "deserialize"

	if rec.ObjectID != "" {
		if v, ok := h.registry.Lookup(rec.ObjectID); ok {
			return v, nil, nil
		}
	}

	switch rec.Type {
	case TagUndefined:
		return Undefined, nil, nil
	case TagNull:
		return nil, nil, nil
	case TagString:
		s, err := rec.text(op)
		return s, nil, err
	case TagBoolean:
		b, err := rec.boolean(op)
		return b, nil, err
	case TagNumber:
		f, err := rec.number(op)
		return f, nil, err
	case TagBigInt:
		s, err := rec.text(op)
		if err != nil {
			return nil, nil, err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, nil, protocolViolation(op, "malformed bigint %q", s)
		}
		return n, nil, nil
	case TagChannel:
		id, err := rec.text(op)
		if err != nil {
			return nil, nil, err
		}
		return h.NewSendChannel(id), nil, nil

	case TagArray, TagSet:
		items, err := rec.items(op)
		if err != nil {
			return nil, nil, err
		}
		values := make([]any, len(items))
		obj := h.remoteObject(rec.Type, values, rec.ObjectID)
		children := make([]deserializeEntry, len(items))
		for i, item := range items {
			children[i] = deserializeEntry{rec: item, assign: func(v any) { values[i] = v }}
		}
		return obj, children, nil

	case TagObject, TagMap:
		fields, err := rec.fields(op)
		if err != nil {
			return nil, nil, err
		}
		m := linkedhashmap.New()
		for _, f := range fields {
			m.Put(f.Key, nil)
		}
		obj := h.remoteObject(rec.Type, m, rec.ObjectID)
		children := make([]deserializeEntry, len(fields))
		for i, f := range fields {
			key := f.Key
			children[i] = deserializeEntry{rec: f.Record, assign: func(v any) { m.Put(key, v) }}
		}
		return obj, children, nil

	case TagSymbol, TagFunction, TagWeakMap, TagWeakSet, TagError, TagPromise,
		TagTypedArray, TagArrayBuffer, TagRegExp, TagDate:
		payload, err := loosePayload(rec)
		if err != nil {
			return nil, nil, wrapError(op, KindProtocolViolation, err, string(rec.Type)+" payload")
		}
		return h.remoteObject(rec.Type, payload, rec.ObjectID), nil, nil
	}

	return nil, nil, protocolViolation(op, "unknown record type %q", rec.Type)
}

func (h *Host) remoteObject(tag Tag, value any, objectID string) *RemoteObject {
	obj := &RemoteObject{Type: tag, Value: value, ObjectID: objectID}
	if objectID != "" {
		h.registry.Bind(objectID, obj)
	}
	return obj
}

// loosePayload returns an opaque record's payload as a plain Go value.
func loosePayload(rec *Record) (any, error) {
	raw, ok := rec.Value.(json.RawMessage)
	if !ok {
		return rec.Value, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
