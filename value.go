// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"context"
	"fmt"
)

// Tag is the "type" field of a Wire Record.
type Tag string

const (
	TagUndefined   Tag = "undefined"
	TagNull        Tag = "null"
	TagString      Tag = "string"
	TagBoolean     Tag = "boolean"
	TagNumber      Tag = "number"
	TagBigInt      Tag = "bigint"
	TagSymbol      Tag = "symbol"
	TagFunction    Tag = "function"
	TagArray       Tag = "array"
	TagObject      Tag = "object"
	TagMap         Tag = "map"
	TagSet         Tag = "set"
	TagWeakMap     Tag = "weakmap"
	TagWeakSet     Tag = "weakset"
	TagError       Tag = "error"
	TagPromise     Tag = "promise"
	TagTypedArray  Tag = "typedarray"
	TagArrayBuffer Tag = "arraybuffer"
	TagRegExp      Tag = "regexp"
	TagDate        Tag = "date"
	TagChannel     Tag = "channel"
)

// container reports whether records of this tag carry child records.
func (t Tag) container() bool {
	switch t {
	case TagArray, TagObject, TagMap, TagSet:
		return true
	}
	return false
}

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined is the absent value. It is distinct from nil, which is null.
var Undefined = undefined{}

// Symbol is a unique, non-copyable token. Only its reference id crosses a
// context boundary.
type Symbol struct {
	Description string
}

// NewSymbol returns a new unique symbol.
func NewSymbol(description string) *Symbol {
	return &Symbol{Description: description}
}

func (s *Symbol) String() string { return fmt.Sprintf("Symbol(%s)", s.Description) }

// Sourcer is implemented by callables that can be sent as source text.
type Sourcer interface {
	Source() string
}

// Callable is an invocable produced by an Evaluator.
type Callable interface {
	Sourcer
	Call(ctx context.Context, args ...any) (any, error)
}

// Evaluator turns function source text into a Callable. It is the only way
// the router executes code.
type Evaluator interface {
	Compile(source string) (Callable, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(source string) (Callable, error)

func (f EvaluatorFunc) Compile(source string) (Callable, error) {
	return f(source)
}

// Function is function source text with reference identity.
type Function struct {
	src string
}

// NewFunction wraps source text, e.g. "(a, b) => a + b".
func NewFunction(source string) *Function {
	return &Function{src: source}
}

func (f *Function) Source() string { return f.src }

// WeakMap is an opaque handle to a weakly keyed collection. It is sent by
// reference only and can't be localized.
type WeakMap struct {
	Label string
}

// WeakSet is an opaque handle to a weakly held set.
type WeakSet struct {
	Label string
}

// TypedArray is a typed view over a binary buffer, e.g. Kind "Uint8Array".
type TypedArray struct {
	Kind string
	Data []byte
}

// RemoteObject is the reconstruction-side shell of any value that was
// serialized with an object id or as a structural container. Value holds
// decoded children for containers ([]any for arrays and sets, an ordered
// map for objects and maps) and the raw payload otherwise.
type RemoteObject struct {
	Type     Tag
	Value    any
	ObjectID string
}

func (o *RemoteObject) String() string {
	if o.ObjectID != "" {
		return fmt.Sprintf("RemoteObject(%s, %s)", o.Type, o.ObjectID)
	}
	return fmt.Sprintf("RemoteObject(%s)", o.Type)
}

// RemoteError is the localized form of an error record.
type RemoteError struct {
	Message  string
	ObjectID string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error " + e.ObjectID
	}
	return e.Message
}
