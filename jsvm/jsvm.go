// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package jsvm compiles function source text with the goja JavaScript
// engine. It is the msgchannel.Evaluator used by routers that execute
// scripts sent by remote callers.
package jsvm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/dop251/goja"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"go.uber.org/zap"

	"github.com/luxfi/msgchannel"
)

var (
	ErrNotFunction    = errors.New("jsvm: source is not a function")
	ErrPendingPromise = errors.New("jsvm: promise still pending after the call returned")
	ErrCyclicValue    = errors.New("jsvm: cyclic value cannot be exported")
)

// Evaluator compiles each source into its own runtime, so scripts never
// share globals.
type Evaluator struct {
	log *zap.Logger
}

var _ msgchannel.Evaluator = (*Evaluator)(nil)

// New returns an Evaluator. log may be nil.
func New(log *zap.Logger) *Evaluator {
	if log == nil {
		log = msgchannel.Logger()
	}
	return &Evaluator{log: log}
}

// runtime serializes access to one goja.Runtime.
type runtime struct {
	mu sync.Mutex
	vm *goja.Runtime
}

// function is a compiled JavaScript function.
type function struct {
	rt    *runtime
	value goja.Value
	fn    goja.Callable
	src   string
}

func (e *Evaluator) Compile(source string) (msgchannel.Callable, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	v, err := vm.RunString("(" + source + ")")
	if err != nil {
		return nil, scriptError(err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFunction, source)
	}
	e.log.Debug("compiled", zap.String("source", source))
	return &function{rt: &runtime{vm: vm}, value: v, fn: fn, src: source}, nil
}

func (f *function) Source() string { return f.src }

// Call invokes the function with this=undefined. A returned promise that is
// already settled is unwrapped. ctx interrupts a running script.
func (f *function) Call(ctx context.Context, args ...any) (any, error) {
	f.rt.mu.Lock()
	defer f.rt.mu.Unlock()

	vm := f.rt.vm
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		vm.ClearInterrupt()
	}()

	in := make([]goja.Value, len(args))
	for i, arg := range args {
		in[i] = f.rt.toValue(ctx, arg)
	}
	res, err := f.fn(goja.Undefined(), in...)
	if err != nil {
		return nil, scriptError(err)
	}
	return f.rt.export(res)
}

func (rt *runtime) toValue(ctx context.Context, v any) goja.Value {
	vm := rt.vm
	switch v := v.(type) {
	case nil:
		return goja.Null()
	case *function:
		if v.rt == rt {
			return v.value
		}
		return rt.wrap(ctx, v)
	case msgchannel.Callable:
		return rt.wrap(ctx, v)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = rt.toValue(ctx, item)
		}
		return vm.NewArray(items...)
	case map[string]any:
		obj := vm.NewObject()
		for k, item := range v {
			obj.Set(k, rt.toValue(ctx, item))
		}
		return obj
	case *linkedhashmap.Map:
		obj, _ := vm.New(vm.Get("Map"))
		set, _ := goja.AssertFunction(obj.Get("set"))
		it := v.Iterator()
		for it.Next() {
			set(obj, rt.toValue(ctx, it.Key()), rt.toValue(ctx, it.Value()))
		}
		return obj
	case *linkedhashset.Set:
		obj, _ := vm.New(vm.Get("Set"))
		add, _ := goja.AssertFunction(obj.Get("add"))
		for _, item := range v.Values() {
			add(obj, rt.toValue(ctx, item))
		}
		return obj
	}
	if v == msgchannel.Undefined {
		return goja.Undefined()
	}
	return vm.ToValue(v)
}

// wrap exposes a Callable from another runtime as a JavaScript function.
func (rt *runtime) wrap(ctx context.Context, c msgchannel.Callable) goja.Value {
	return rt.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			x, err := rt.export(a)
			if err != nil {
				panic(rt.vm.NewGoError(err))
			}
			args[i] = x
		}
		out, err := c.Call(ctx, args...)
		if err != nil {
			panic(rt.vm.NewGoError(err))
		}
		return rt.toValue(ctx, out)
	})
}

func (rt *runtime) export(v goja.Value) (any, error) {
	return rt.exportValue(v, make(map[*goja.Object]bool))
}

// exportValue converts v to Go. Arrays, plain objects, Maps and Sets are
// walked so nested Maps and Sets keep their kind; path holds the objects
// being walked and rejects cycles.
func (rt *runtime) exportValue(v goja.Value, path map[*goja.Object]bool) (any, error) {
	if v == nil || goja.IsUndefined(v) {
		return msgchannel.Undefined, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}
	if fn, ok := goja.AssertFunction(v); ok {
		return &function{rt: rt, value: v, fn: fn, src: v.String()}, nil
	}
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return rt.exportValue(p.Result(), path)
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("jsvm: promise rejected: %s", p.Result().String())
		}
		return nil, ErrPendingPromise
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export(), nil
	}
	switch obj.ClassName() {
	case "Array", "Object", "Map", "Set":
	default:
		return v.Export(), nil
	}
	if path[obj] {
		return nil, ErrCyclicValue
	}
	path[obj] = true
	defer delete(path, obj)

	switch obj.ClassName() {
	case "Array":
		return rt.exportList(obj, path)
	case "Map":
		entries, err := rt.exportList(rt.arrayFrom(obj), path)
		if err != nil {
			return nil, err
		}
		m := linkedhashmap.New()
		for _, e := range entries {
			pair := e.([]any)
			if !hashable(pair[0]) {
				return nil, fmt.Errorf("jsvm: Map key of type %T cannot be exported", pair[0])
			}
			m.Put(pair[0], pair[1])
		}
		return m, nil
	case "Set":
		items, err := rt.exportList(rt.arrayFrom(obj), path)
		if err != nil {
			return nil, err
		}
		set := linkedhashset.New()
		for _, item := range items {
			if !hashable(item) {
				return nil, fmt.Errorf("jsvm: Set member of type %T cannot be exported", item)
			}
			set.Add(item)
		}
		return set, nil
	}

	out := make(map[string]any, len(obj.Keys()))
	for _, k := range obj.Keys() {
		item, err := rt.exportValue(obj.Get(k), path)
		if err != nil {
			return nil, err
		}
		out[k] = item
	}
	return out, nil
}

func (rt *runtime) exportList(arr *goja.Object, path map[*goja.Object]bool) ([]any, error) {
	n := int(arr.Get("length").ToInteger())
	out := make([]any, n)
	for i := 0; i < n; i++ {
		item, err := rt.exportValue(arr.Get(strconv.Itoa(i)), path)
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

// arrayFrom returns Array.from(obj): [key, value] pairs for a Map, members
// for a Set, both in insertion order.
func (rt *runtime) arrayFrom(obj *goja.Object) *goja.Object {
	from, _ := goja.AssertFunction(rt.vm.Get("Array").ToObject(rt.vm).Get("from"))
	res, err := from(goja.Undefined(), obj)
	if err != nil {
		return rt.vm.NewArray()
	}
	return res.ToObject(rt.vm)
}

func hashable(v any) bool {
	rv := reflect.ValueOf(v)
	return !rv.IsValid() || rv.Comparable()
}

func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fmt.Errorf("jsvm: %s", ex.Value().String())
	}
	return fmt.Errorf("jsvm: %w", err)
}
