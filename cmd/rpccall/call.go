// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/amqprpc/cmd"
	"github.com/juju/amqprpc/process"
	"github.com/juju/amqprpc/rpc"
	"github.com/juju/amqprpc/transport"
)

var logger = loggo.GetLogger("amqprpc.cmd.rpccall")

const callDoc = `
rpccall sends one request to the named service and waits for the reply.
Each argument is parsed as JSON; arguments that are not valid JSON are
sent as strings.

Examples:
    rpccall calculator add 1 2
    rpccall --format json calculator calculate 3 4
`

type callCommand struct {
	dialer transport.Dialer

	config  cmd.ConfigFlags
	out     cmd.Output
	timeout time.Duration

	service   string
	procedure string
	args      []interface{}
}

func newCallCommand(dialer transport.Dialer) *callCommand {
	return &callCommand{dialer: dialer}
}

// Info is part of the cmd.Command interface.
func (c *callCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "rpccall",
		Args:    "<service> <procedure> [<arg>...]",
		Purpose: "Call a procedure of a service.",
		Doc:     callDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *callCommand) SetFlags(f *gnuflag.FlagSet) {
	c.config.AddFlags(f)
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters)
	f.DurationVar(&c.timeout, "timeout", 0, "Call timeout, overriding the configuration")
}

// Init is part of the cmd.Command interface.
func (c *callCommand) Init(args []string) error {
	switch len(args) {
	case 0:
		return errors.New("no service specified")
	case 1:
		return errors.New("no procedure specified")
	}
	if c.timeout < 0 {
		return errors.NotValidf("negative timeout")
	}
	c.service, c.procedure = args[0], args[1]
	c.args = make([]interface{}, len(args)-2)
	for i, arg := range args[2:] {
		c.args[i] = parseArg(arg)
	}
	return nil
}

func parseArg(arg string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

// Run is part of the cmd.Command interface.
func (c *callCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.config.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if c.timeout > 0 {
		cfg.CallTimeout = c.timeout
	}
	if err := cmd.SetupLogging(ctx.Stderr, cfg.LoggingConfig); err != nil {
		return errors.Trace(err)
	}

	registry, err := process.NewRegistry(process.RegistryConfig{
		Config: cfg,
		Dialer: c.dialer,
		Clock:  clock.WallClock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Debugf("shutting down: %v", err)
		}
	}()

	client, err := registry.Client("", c.service)
	if err != nil {
		return errors.Trace(err)
	}
	result, err := client.Call(context.Background(), c.procedure, c.args...)
	if err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			logger.Debugf("remote stack:\n%s", remote.StackTrace())
		}
		return errors.Trace(err)
	}
	return errors.Trace(c.out.Write(ctx, result))
}
