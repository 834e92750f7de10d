// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/juju/amqprpc/rpc"
)

func demoProcedures() rpc.Procedures {
	return rpc.Procedures{
		"add":       rpc.Sync(add),
		"calculate": rpc.Sync(calculate),
		"explode":   rpc.Sync(explode),
		"sleep":     rpc.Async(sleep),
	}
}

func add(args ...interface{}) (interface{}, error) {
	var a, b int
	if err := rpc.DecodeArgs(args, &a, &b); err != nil {
		return nil, errors.Trace(err)
	}
	return a + b, nil
}

func calculate(args ...interface{}) (interface{}, error) {
	var a, b int
	if err := rpc.DecodeArgs(args, &a, &b); err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]interface{}{
		"add":      a + b,
		"multiply": a * b,
	}, nil
}

func explode(args ...interface{}) (interface{}, error) {
	return nil, errors.New("test error")
}

// sleep waits for the given number of seconds, then returns it.
func sleep(ctx context.Context, args ...interface{}) (interface{}, error) {
	var seconds float64
	if err := rpc.DecodeArgs(args, &seconds); err != nil {
		return nil, errors.Trace(err)
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return seconds, nil
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}
