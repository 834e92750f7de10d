// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package process tracks the connections, clients and workers a process
// creates, so that all of them can be drained together at exit.
package process

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/juju/amqprpc/config"
	"github.com/juju/amqprpc/connection"
	"github.com/juju/amqprpc/rpc"
	"github.com/juju/amqprpc/transport"
)

var logger = loggo.GetLogger("amqprpc.process")

// ErrClosed is returned by a registry that has been shut down.
const ErrClosed = errors.ConstError("process registry closed")

// RegistryConfig holds the dependencies of a Registry.
type RegistryConfig struct {
	// Config supplies the settings of every connection, client and
	// worker; its URL is used when none is given.
	Config config.Config

	Dialer transport.Dialer
	Clock  clock.Clock

	// Hub carries connection events. A new hub is made when nil.
	Hub *pubsub.SimpleHub

	// Metrics is optional.
	Metrics *rpc.Collector

	// Tracer is optional; it is handed to every client and worker.
	Tracer trace.Tracer
}

// Validate returns an error if the config cannot be used to create a
// Registry.
func (config RegistryConfig) Validate() error {
	if err := config.Config.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Dialer == nil {
		return errors.NotValidf("nil Dialer")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

type clientKey struct {
	url     string
	service string
}

// Registry hands out one connection per broker URL and one client per
// URL and service, and remembers every worker it starts.
type Registry struct {
	config      RegistryConfig
	hub         *pubsub.SimpleHub
	connections *connection.Registry

	mu      sync.Mutex
	closed  bool
	clients map[clientKey]*rpc.Client
	workers []*rpc.Worker
}

// NewRegistry returns an empty registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	hub := config.Hub
	if hub == nil {
		hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("amqprpc.process.hub"),
		})
	}
	return &Registry{
		config:      config,
		hub:         hub,
		connections: connection.NewRegistry(),
		clients:     make(map[clientKey]*rpc.Client),
	}, nil
}

// Hub returns the hub connection events are published on.
func (r *Registry) Hub() *pubsub.SimpleHub {
	return r.hub
}

// Connection returns the manager of the connection to url, or to the
// configured URL if url is empty.
func (r *Registry) Connection(url string) (*connection.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.connection(url)
}

func (r *Registry) connection(url string) (*connection.Manager, error) {
	if url == "" {
		url = r.config.Config.URL
	}
	cfg := r.config.Config
	m, err := r.connections.Get(url, connection.ManagerConfig{
		URL:               url,
		Dialer:            r.config.Dialer,
		Clock:             r.config.Clock,
		Logger:            loggo.GetLogger("amqprpc.connection"),
		Hub:               r.hub,
		RetryDelay:        cfg.RetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		MaxRetryAttempts:  cfg.MaxRetryAttempts,
		ChannelRetryDelay: cfg.ChannelRetryDelay,
	})
	return m, errors.Trace(err)
}

// Client returns the client of service on the connection to url. A
// client that has been shut down is replaced.
func (r *Registry) Client(url, service string) (*rpc.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if url == "" {
		url = r.config.Config.URL
	}
	key := clientKey{url: url, service: service}
	if client, ok := r.clients[key]; ok && !client.IsStopping() {
		return client, nil
	}
	manager, err := r.connection(url)
	if err != nil {
		return nil, errors.Trace(err)
	}
	client, err := rpc.NewClient(rpc.ClientConfig{
		Manager: manager,
		Service: service,
		Timeout: r.config.Config.CallTimeout,
		Codec:   r.config.Config.Codec,
		Clock:   r.config.Clock,
		Logger:  loggo.GetLogger("amqprpc.rpc.client"),
		Metrics: r.config.Metrics,
		Tracer:  r.config.Tracer,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "starting client of %s", service)
	}
	r.clients[key] = client
	return client, nil
}

// Worker starts serving procs as service on the connection to url.
func (r *Registry) Worker(url, service string, procs rpc.Procedures) (*rpc.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	manager, err := r.connection(url)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := rpc.NewWorker(rpc.WorkerConfig{
		Manager:    manager,
		Service:    service,
		Procedures: procs,
		Prefetch:   r.config.Config.Prefetch,
		Confirm:    r.config.Config.ConfirmReplies,
		Codec:      r.config.Config.Codec,
		Logger:     loggo.GetLogger("amqprpc.rpc.worker"),
		Metrics:    r.config.Metrics,
		Tracer:     r.config.Tracer,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "starting worker of %s", service)
	}
	r.workers = append(r.workers, w)
	return w, nil
}

// Shutdown drains every client and worker in parallel, then terminates
// every connection. The registry hands out nothing afterwards. Calling
// it again only waits for the connections to stop.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	clients := r.clients
	workers := r.workers
	r.clients = make(map[clientKey]*rpc.Client)
	r.workers = nil
	r.mu.Unlock()

	logger.Infof("shutting down %d clients and %d workers", len(clients), len(workers))
	g, ctx := errgroup.WithContext(ctx)
	for key, client := range clients {
		g.Go(func() error {
			return errors.Annotatef(client.Shutdown(ctx), "client of %s", key.service)
		})
	}
	for _, w := range workers {
		g.Go(func() error {
			return errors.Annotatef(w.Shutdown(ctx), "worker of %s", w.Service())
		})
	}
	drainErr := g.Wait()
	if drainErr != nil {
		// Whatever did not drain is stopped outright.
		for _, client := range clients {
			client.Kill()
		}
		for _, w := range workers {
			w.Kill()
		}
	}
	if err := r.connections.TerminateAll(); err != nil && drainErr == nil {
		return errors.Trace(err)
	}
	return errors.Trace(drainErr)
}
