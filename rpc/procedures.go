// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"

	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"
)

// Procedure is a named operation served by a Worker.
type Procedure struct {
	call  func(ctx context.Context, args []interface{}) (interface{}, error)
	async bool
}

// Sync returns a procedure that runs to completion on the worker's
// loop. It must not block; the worker serves nothing else meanwhile.
func Sync(fn func(args ...interface{}) (interface{}, error)) Procedure {
	return Procedure{
		call: func(_ context.Context, args []interface{}) (interface{}, error) {
			return fn(args...)
		},
	}
}

// Async returns a procedure that runs on its own goroutine, so that the
// worker keeps dispatching up to its prefetch bound while it waits. The
// context is cancelled when the worker is killed.
func Async(fn func(ctx context.Context, args ...interface{}) (interface{}, error)) Procedure {
	return Procedure{
		call: func(ctx context.Context, args []interface{}) (interface{}, error) {
			return fn(ctx, args...)
		},
		async: true,
	}
}

// IsAsync reports whether the procedure runs on its own goroutine.
func (p Procedure) IsAsync() bool {
	return p.async
}

// Procedures maps procedure names to their implementations.
type Procedures map[string]Procedure

// Validate returns an error if any procedure is unusable.
func (p Procedures) Validate() error {
	for name, proc := range p {
		if name == "" {
			return errors.NotValidf("empty procedure name")
		}
		if proc.call == nil {
			return errors.NotValidf("procedure %q with no implementation", name)
		}
	}
	return nil
}

func (p Procedures) clone() Procedures {
	out := make(Procedures, len(p))
	for name, proc := range p {
		out[name] = proc
	}
	return out
}

// DecodeArgs decodes each argument into the matching pointer in out.
// Arguments arrive as plain values (numbers, strings, slices and
// map[string]interface{}) and may be decoded into structs.
func DecodeArgs(args []interface{}, out ...interface{}) error {
	if len(args) != len(out) {
		return errors.NotValidf("%d arguments, expected %d", len(args), len(out))
	}
	for i, arg := range args {
		if err := decodeValue(arg, out[i]); err != nil {
			return errors.Annotatef(err, "argument %d", i)
		}
	}
	return nil
}

func decodeValue(in, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(decoder.Decode(in))
}
