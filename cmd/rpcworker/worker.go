// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/amqprpc/cmd"
	"github.com/juju/amqprpc/process"
	"github.com/juju/amqprpc/rpc"
	"github.com/juju/amqprpc/transport"
)

var logger = loggo.GetLogger("amqprpc.cmd.rpcworker")

const workerDoc = `
rpcworker consumes the request queue of the named service and answers
with the demo procedures: add, calculate, explode and sleep.

On SIGINT or SIGTERM it stops consuming, finishes the requests in hand,
publishes their replies and exits.
`

type workerCommand struct {
	dialer transport.Dialer

	config          cmd.ConfigFlags
	metricsAddr     string
	shutdownTimeout time.Duration
	service         string

	// listening, when set, receives the metrics address once bound.
	listening func(addr string)
}

func newWorkerCommand(dialer transport.Dialer) *workerCommand {
	return &workerCommand{dialer: dialer}
}

// Info is part of the cmd.Command interface.
func (c *workerCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "rpcworker",
		Args:    "<service>",
		Purpose: "Serve the demo procedures of a service.",
		Doc:     workerDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *workerCommand) SetFlags(f *gnuflag.FlagSet) {
	c.config.AddFlags(f)
	f.StringVar(&c.metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on")
	f.DurationVar(&c.shutdownTimeout, "shutdown-timeout", process.DefaultShutdownTimeout, "How long to wait for in-flight requests on shutdown")
}

// Init is part of the cmd.Command interface.
func (c *workerCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no service specified")
	}
	c.service, args = args[0], args[1:]
	if c.shutdownTimeout <= 0 {
		return errors.NotValidf("non-positive shutdown timeout")
	}
	return cmd.CheckEmpty(args)
}

// Run is part of the cmd.Command interface.
func (c *workerCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.config.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if err := cmd.SetupLogging(ctx.Stderr, cfg.LoggingConfig); err != nil {
		return errors.Trace(err)
	}

	collector := rpc.NewMetricsCollector()
	if c.metricsAddr != "" {
		stop, err := c.serveMetrics(collector)
		if err != nil {
			return errors.Trace(err)
		}
		defer stop()
	}

	registry, err := process.NewRegistry(process.RegistryConfig{
		Config:  cfg,
		Dialer:  c.dialer,
		Clock:   clock.WallClock,
		Metrics: collector,
	})
	if err != nil {
		return errors.Trace(err)
	}
	watcher, err := registry.ShutdownOnSignal(ctx.Signals, c.shutdownTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := registry.Worker("", c.service, demoProcedures()); err != nil {
		watcher.Kill()
		return errors.Trace(err)
	}
	logger.Infof("serving %s", c.service)
	return errors.Trace(watcher.Wait())
}

func (c *workerCommand) serveMetrics(collector prometheus.Collector) (func(), error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	listener, err := net.Listen("tcp", c.metricsAddr)
	if err != nil {
		return nil, errors.Annotate(err, "listening for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("serving metrics: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s", listener.Addr())
	if c.listening != nil {
		c.listening(listener.Addr().String())
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
