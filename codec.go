// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Codec encodes messages to the text frames carried by a Transport.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the wire codec. Frames are JSON text.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// Record is one Wire Record: {type, value?, objectId?}.
//
// Records built by Serialize hold typed payloads: string, bool, float64,
// []*Record for arrays and sets, and Fields for objects and maps. Records
// decoded from JSON hold the payload as json.RawMessage until Deserialize
// interprets it according to Type.
type Record struct {
	Type     Tag    `json:"type"`
	Value    any    `json:"value,omitempty"`
	ObjectID string `json:"objectId,omitempty"`
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     Tag             `json:"type"`
		Value    json.RawMessage `json:"value"`
		ObjectID string          `json:"objectId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		return protocolViolation("decode", "record without type")
	}
	r.Type = raw.Type
	r.ObjectID = raw.ObjectID
	r.Value = nil
	if len(raw.Value) > 0 && !bytes.Equal(raw.Value, []byte("null")) {
		r.Value = raw.Value
	}
	return nil
}

// Field is one entry of an object or map payload.
type Field struct {
	Key    string
	Record *Record
}

// Fields is an ordered object payload. It marshals as a JSON object with keys
// in slice order.
type Fields []Field

func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(field.Record)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeFields reads a JSON object preserving key order.
func decodeFields(raw json.RawMessage) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var fields Fields
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		rec := new(Record)
		if err := dec.Decode(rec); err != nil {
			return nil, err
		}
		fields = append(fields, Field{Key: key, Record: rec})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

func (r *Record) hasValue() bool {
	return r.Value != nil
}

func (r *Record) text(op string) (string, error) {
	switch v := r.Value.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", protocolViolation(op, "%s payload is not a string", r.Type)
		}
		return s, nil
	}
	return "", protocolViolation(op, "%s payload is %T, want string", r.Type, r.Value)
}

func (r *Record) boolean(op string) (bool, error) {
	switch v := r.Value.(type) {
	case bool:
		return v, nil
	case json.RawMessage:
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return false, protocolViolation(op, "boolean payload is not a bool")
		}
		return b, nil
	}
	return false, protocolViolation(op, "boolean payload is %T", r.Value)
}

func (r *Record) number(op string) (float64, error) {
	switch v := r.Value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return parseFloat(op, string(v))
	case string:
		return parseNumberSentinel(op, v)
	case json.RawMessage:
		if len(v) > 0 && v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return 0, protocolViolation(op, "malformed number payload")
			}
			return parseNumberSentinel(op, s)
		}
		return parseFloat(op, string(v))
	}
	return 0, protocolViolation(op, "number payload is %T", r.Value)
}

func parseFloat(op, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, protocolViolation(op, "malformed number %q", s)
	}
	return f, nil
}

// Number sentinels for values JSON can't carry.
const (
	sentinelNaN    = "NaN"
	sentinelNegZ   = "-0"
	sentinelPosInf = "+Infinity"
	sentinelNegInf = "-Infinity"
)

func parseNumberSentinel(op, s string) (float64, error) {
	switch s {
	case sentinelNaN:
		return math.NaN(), nil
	case sentinelNegZ:
		return math.Copysign(0, -1), nil
	case sentinelPosInf:
		return math.Inf(1), nil
	case sentinelNegInf:
		return math.Inf(-1), nil
	}
	return 0, protocolViolation(op, "unexpected number value %q", s)
}

// encodeNumber returns the payload for f: f itself when finite and non-zero
// signed, a sentinel string otherwise.
func encodeNumber(f float64) any {
	switch {
	case math.IsNaN(f):
		return sentinelNaN
	case f == 0 && math.Signbit(f):
		return sentinelNegZ
	case math.IsInf(f, 1):
		return sentinelPosInf
	case math.IsInf(f, -1):
		return sentinelNegInf
	}
	return f
}

func (r *Record) items(op string) ([]*Record, error) {
	switch v := r.Value.(type) {
	case nil:
		return nil, nil
	case []*Record:
		return v, nil
	case json.RawMessage:
		var items []*Record
		if err := json.Unmarshal(v, &items); err != nil {
			return nil, wrapError(op, KindProtocolViolation, err, string(r.Type)+" payload is not a list of records")
		}
		return items, nil
	}
	return nil, protocolViolation(op, "%s payload is %T", r.Type, r.Value)
}

func (r *Record) fields(op string) (Fields, error) {
	switch v := r.Value.(type) {
	case nil:
		return nil, nil
	case Fields:
		return v, nil
	case json.RawMessage:
		fields, err := decodeFields(v)
		if err != nil {
			return nil, wrapError(op, KindProtocolViolation, err, string(r.Type)+" payload is not an object of records")
		}
		return fields, nil
	}
	return nil, protocolViolation(op, "%s payload is %T", r.Type, r.Value)
}

// CallMessage is the envelope a Remote sends to a Router.
type CallMessage struct {
	ID          int64           `json:"id"`
	Command     string          `json:"command"`
	Params      json.RawMessage `json:"params"`
	RespChannel *Record         `json:"respChannel"`
}

// ResponseMessage is the envelope a Router sends back on respChannel.
type ResponseMessage struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail describes a failed command.
type ErrorDetail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (d *ErrorDetail) err(op string) *Error {
	return &Error{Op: op, Kind: d.Kind, Detail: d.Message}
}

// executeScriptParams is the params object of an executeScript call.
type executeScriptParams struct {
	Fn   *Record   `json:"fn"`
	Args []*Record `json:"args"`
}
