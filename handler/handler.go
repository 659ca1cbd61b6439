// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the hubbub.Handler type for functions
// with other signatures.
//
// The parameters of a request are decoded from JSON into the parameter type
// of the function. A request with no parameters leaves the parameter at its
// zero value. A request with one parameter is decoded directly. A request
// with several parameters is decoded as a JSON array, so the parameter type
// should be a slice, an array, or implement json.Unmarshaler.
//
// Results are returned to the caller encoded as JSON.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/creachadair/hubbub"
	"github.com/creachadair/hubbub/message"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *message.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*message.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a hubbub.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) hubbub.Handler {
	return func(ctx context.Context, req *message.Request) (any, error) {
		var p P
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a hubbub.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) hubbub.Handler {
	return func(ctx context.Context, req *message.Request) (any, error) {
		var p P
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a hubbub.Handler.
func ParamError[P any](f func(context.Context, P) error) hubbub.Handler {
	return func(ctx context.Context, req *message.Request) (any, error) {
		var p P
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a hubbub.Handler.
func ResultError[R any](f func(context.Context) (R, error)) hubbub.Handler {
	return func(ctx context.Context, req *message.Request) (any, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a hubbub.Handler.
func ResultOnly[R any](f func(context.Context) R) hubbub.Handler {
	return func(ctx context.Context, req *message.Request) (any, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx), nil
	}
}

// decodeParams decodes the request parameters into v.
func decodeParams(params []json.RawMessage, v any) error {
	switch len(params) {
	case 0:
		return nil
	case 1:
		if err := json.Unmarshal(params[0], v); err != nil {
			return fmt.Errorf("invalid parameter: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Reflect adapts an arbitrary function to a hubbub.Handler. The function may
// optionally accept a context.Context as its first argument; each remaining
// argument is decoded from the corresponding request parameter. Parameters
// missing from the request are passed as zero values, and a request with
// more parameters than the function accepts is rejected.
//
// The function may return nothing, a result, an error, or a result and an
// error. Reflect reports an error if fn is not a function or does not have
// one of these shapes.
func Reflect(fn any) (hubbub.Handler, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, fmt.Errorf("handler: %T is not a function", fn)
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("handler: variadic function %v is not supported", ft)
	}
	var first int // index of the first decoded argument
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		first = 1
	}

	var hasResult, hasError bool
	switch ft.NumOut() {
	case 0:
	case 1:
		hasError = ft.Out(0) == errorType
		hasResult = !hasError
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("handler: second result of %v must be error", ft)
		}
		hasResult, hasError = true, true
	default:
		return nil, fmt.Errorf("handler: %v has too many results", ft)
	}
	nargs := ft.NumIn() - first

	return func(ctx context.Context, req *message.Request) (any, error) {
		if len(req.Params) > nargs {
			return nil, fmt.Errorf("got %d parameters, want at most %d", len(req.Params), nargs)
		}
		in := make([]reflect.Value, ft.NumIn())
		if first == 1 {
			in[0] = reflect.ValueOf(context.WithValue(ctx, reqContextKey{}, req))
		}
		for i := first; i < len(in); i++ {
			arg := reflect.New(ft.In(i))
			if j := i - first; j < len(req.Params) {
				if err := json.Unmarshal(req.Params[j], arg.Interface()); err != nil {
					return nil, fmt.Errorf("invalid parameter %d: %w", j+1, err)
				}
			}
			in[i] = arg.Elem()
		}

		out := fv.Call(in)
		var result any
		var err error
		if hasResult {
			result = out[0].Interface()
		}
		if hasError {
			if ev := out[len(out)-1]; !ev.IsNil() {
				err = ev.Interface().(error)
			}
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}, nil
}

// MustReflect is as Reflect, but panics if fn cannot be adapted.
func MustReflect(fn any) hubbub.Handler {
	h, err := Reflect(fn)
	if err != nil {
		panic(err)
	}
	return h
}

