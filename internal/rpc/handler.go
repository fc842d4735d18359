package rpc

import (
	"fmt"
	"reflect"

	json "github.com/segmentio/encoding/json"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// method wraps a registered handler function via reflection so that it can
// be invoked with either positional (JSON array) or keyword (JSON object)
// params, the way the endpoint's dispatch table requires. A handler
// must have the shape func(args...) (R, error) for positional dispatch, or
// func(P) (R, error) where P is a struct for keyword dispatch — the same
// function works for both when it takes exactly one struct argument.
type method struct {
	fn  reflect.Value
	typ reflect.Type
}

func newMethod(fn any) (*method, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("rpc: handler must be a function, got %T", fn)
	}
	if t.NumOut() != 2 || !t.Out(1).Implements(errorType) {
		return nil, fmt.Errorf("rpc: handler must return (result, error), got %s", t)
	}
	return &method{fn: v, typ: t}, nil
}

// arityError signals a signature mismatch (wrong argument count, or a
// keyword call against a handler that doesn't take a single struct) — the
// Go rendering of a generic arity/keyword mismatch. Deliberately
// conflated with bad-params at the -32602 response code (an open
// question preserved unchanged, see DESIGN.md).
type arityError struct{ reason string }

func (e *arityError) Error() string { return e.reason }

// invokeNoParams calls the handler with zero arguments.
func (m *method) invokeNoParams() (any, error) {
	if m.typ.NumIn() != 0 {
		return nil, &arityError{reason: "handler requires arguments but none were given"}
	}
	return m.call(nil)
}

// invokePositional calls the handler with one argument decoded from each
// element of params, in order.
func (m *method) invokePositional(params []json.RawMessage) (any, error) {
	if m.typ.IsVariadic() {
		return nil, &arityError{reason: "variadic handlers are not supported"}
	}
	if m.typ.NumIn() != len(params) {
		return nil, &arityError{reason: fmt.Sprintf("expected %d positional params, got %d", m.typ.NumIn(), len(params))}
	}
	args := make([]reflect.Value, len(params))
	for i, raw := range params {
		argPtr := reflect.New(m.typ.In(i))
		if err := json.Unmarshal(raw, argPtr.Interface()); err != nil {
			return nil, &arityError{reason: err.Error()}
		}
		args[i] = argPtr.Elem()
	}
	return m.call(args)
}

// invokeNamed calls the handler with a single struct argument populated
// from the params object's fields.
func (m *method) invokeNamed(params json.RawMessage) (any, error) {
	if m.typ.NumIn() != 1 {
		return nil, &arityError{reason: "handler does not accept a single keyword-params struct"}
	}
	in := m.typ.In(0)
	if in.Kind() != reflect.Struct {
		return nil, &arityError{reason: "handler's single argument is not a struct; cannot bind keyword params"}
	}
	argPtr := reflect.New(in)
	if err := json.Unmarshal(params, argPtr.Interface()); err != nil {
		return nil, &arityError{reason: err.Error()}
	}
	return m.call([]reflect.Value{argPtr.Elem()})
}

func (m *method) call(args []reflect.Value) (any, error) {
	out := m.fn.Call(args)
	result := out[0].Interface()
	errVal := out[1].Interface()
	if errVal == nil {
		return result, nil
	}
	return result, errVal.(error)
}
