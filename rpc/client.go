// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"go.opentelemetry.io/otel/trace"

	"github.com/juju/amqprpc/codec"
	"github.com/juju/amqprpc/connection"
	"github.com/juju/amqprpc/rpc/params"
	"github.com/juju/amqprpc/transport"
)

const (
	// DefaultTimeout is how long a call may wait for its reply.
	DefaultTimeout = 5 * time.Second

	queuePrefix = "rpc.queue."
)

// QueueName returns the request queue shared by every worker of a
// service.
func QueueName(service string) string {
	return queuePrefix + service
}

// Call represents an active RPC.
type Call struct {
	// Name and Args describe the request.
	Name string
	Args []interface{}

	// ID is the correlation ID of the request. It is empty for calls
	// that were rejected before being queued.
	ID string

	// Result and Error are set once Done is closed.
	Result interface{}
	Error  error

	done       chan struct{}
	localStack string
	created    time.Time
	span       trace.Span

	// Owned by the client loop.
	sent       time.Time
	generation uint64
}

// Done returns a channel that is closed when the call settles.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

func (call *Call) settle(result interface{}, err error) {
	call.Result = result
	call.Error = err
	endSpan(call.span, err)
	close(call.done)
}

// ClientConfig holds the dependencies and tuning of a Client.
type ClientConfig struct {
	// Manager provides the connection the client's channel runs on.
	Manager *connection.Manager

	// Service names the remote service; calls go to its request queue.
	Service string

	// Timeout bounds how long a call waits for its reply. It is also
	// the interval of the sweep that enforces it.
	Timeout time.Duration

	Codec   codec.Codec
	Clock   clock.Clock
	Logger  Logger
	Metrics *Collector

	// Tracer records a span for every call. Nil records nothing.
	Tracer trace.Tracer
}

// Validate returns an error if the config cannot be used to start a
// Client.
func (config ClientConfig) Validate() error {
	if config.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if config.Service == "" {
		return errors.NotValidf("empty Service")
	}
	if config.Timeout <= 0 {
		return errors.NotValidf("non-positive Timeout")
	}
	if config.Codec == nil {
		return errors.NotValidf("nil Codec")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client calls the procedures of one remote service. Calls made while
// the channel is down are queued and sent once it opens; calls already
// sent when the channel closes are rejected rather than replayed.
type Client struct {
	catacomb catacomb.Catacomb
	config   ClientConfig
	channel  *connection.Channel
	ids      *idGenerator
	queue    string
	tracer   trace.Tracer

	calls    chan *Call
	replies  chan connection.Delivery
	events   chan connection.Event
	shutdown chan struct{}

	stopping     atomic.Bool
	shutdownOnce sync.Once

	// replyQueue is written by the channel's hooks.
	mu         sync.Mutex
	replyQueue string

	// Owned by the loop.
	pending      map[string]*Call
	unsent       []*Call
	shuttingDown bool
}

// NewClient starts a client of config.Service.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	queue := QueueName(config.Service)
	ids, err := newIDGenerator(queue+"/"+uuid.NewString(), config.Clock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := &Client{
		config:   config,
		ids:      ids,
		queue:    queue,
		tracer:   tracerOrNoop(config.Tracer),
		calls:    make(chan *Call),
		replies:  make(chan connection.Delivery),
		events:   make(chan connection.Event),
		shutdown: make(chan struct{}),
		pending:  make(map[string]*Call),
	}
	c.channel, err = config.Manager.NewChannel(connection.ChannelConfig{
		OpenHooks:  []connection.Hook{c.openHook},
		CloseHooks: []connection.Hook{c.closeHook},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &c.catacomb,
		Work: c.loop,
	}); err != nil {
		c.channel.Kill()
		return nil, errors.Trace(err)
	}
	// The client is not dead until its channel has closed.
	if err := c.catacomb.Add(c.channel); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Service returns the name of the remote service.
func (c *Client) Service() string {
	return c.config.Service
}

// IsStopping reports whether Shutdown or Kill has been called.
func (c *Client) IsStopping() bool {
	return c.stopping.Load()
}

// Go invokes the named procedure asynchronously. The returned call's
// Done channel is closed once it settles.
func (c *Client) Go(name string, args ...interface{}) *Call {
	return c.start(context.Background(), name, args)
}

// Call invokes the named procedure and waits for its result. If ctx is
// done first the call is abandoned; it is still purged by the timeout
// sweep.
func (c *Client) Call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	call := c.start(ctx, name, args)
	select {
	case <-call.Done():
		return call.Result, call.Error
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// CallResult invokes the named procedure and decodes its result into
// out, which must be a pointer.
func (c *Client) CallResult(ctx context.Context, out interface{}, name string, args ...interface{}) error {
	call := c.start(ctx, name, args)
	select {
	case <-call.Done():
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	if call.Error != nil {
		return call.Error
	}
	if err := decodeValue(call.Result, out); err != nil {
		return decodeError("RPC result decoding error on "+c.config.Service+"!", err)
	}
	return nil
}

// Shutdown stops the client accepting calls, waits for the pending
// calls to settle, closes the channel and waits for the client to stop.
// It may be called any number of times; every caller waits for the
// same drain.
func (c *Client) Shutdown(ctx context.Context) error {
	c.stopping.Store(true)
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})
	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()
	select {
	case err := <-done:
		return errors.Trace(err)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Kill is part of the worker.Worker interface. It rejects every pending
// call with ErrShutdown.
func (c *Client) Kill() {
	c.stopping.Store(true)
	c.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Client) Wait() error {
	return c.catacomb.Wait()
}

func (c *Client) start(ctx context.Context, name string, args []interface{}) *Call {
	if args == nil {
		args = []interface{}{}
	}
	_, span := c.tracer.Start(ctx, "rpc.call "+c.config.Service+"."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		spanAttributes(c.config.Service, name),
	)
	call := &Call{
		Name:       name,
		Args:       args,
		done:       make(chan struct{}),
		localStack: callerStack(2),
		span:       span,
	}
	if c.stopping.Load() {
		call.settle(nil, shutdownError(c.config.Service))
		return call
	}
	id, err := c.ids.next()
	if err != nil {
		call.settle(nil, errors.Trace(err))
		return call
	}
	call.ID = id
	call.created = c.config.Clock.Now()
	span.SetAttributes(attrCorrelationID.String(id))
	select {
	case c.calls <- call:
	case <-c.catacomb.Dying():
		call.settle(nil, shutdownError(c.config.Service))
	}
	return call
}

func (c *Client) openHook(ch *connection.Channel) error {
	if _, err := ch.DeclareQueue(c.queue, transport.QueueOptions{}); err != nil {
		return errors.Annotatef(err, "declaring %q", c.queue)
	}
	// A reply queue survives a channel failure on a live connection.
	if stale := c.getReplyQueue(); stale != "" {
		if err := ch.DeleteQueue(stale); err != nil {
			c.config.Logger.Debugf("deleting stale reply queue %q: %v", stale, err)
		}
		c.setReplyQueue("")
	}
	name, err := ch.DeclareQueue("", transport.QueueOptions{Exclusive: true})
	if err != nil {
		return errors.Annotate(err, "declaring reply queue")
	}
	c.setReplyQueue(name)
	if _, err := ch.Consume(name, transport.ConsumeOptions{
		AutoAck:   true,
		Exclusive: true,
	}, c.onReply); err != nil {
		return errors.Annotatef(err, "consuming %q", name)
	}
	return nil
}

func (c *Client) closeHook(ch *connection.Channel) error {
	name := c.getReplyQueue()
	if name == "" {
		return nil
	}
	err := ch.DeleteQueue(name)
	if errors.Is(err, connection.ErrChannelNotOpen) {
		// Unsolicited close; the next open hook deletes it.
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "deleting reply queue %q", name)
	}
	c.setReplyQueue("")
	return nil
}

func (c *Client) getReplyQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyQueue
}

func (c *Client) setReplyQueue(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyQueue = name
}

func (c *Client) onReply(d connection.Delivery) {
	select {
	case c.replies <- d:
	case <-c.catacomb.Dying():
	}
}

func (c *Client) onEvent(ev connection.Event) {
	select {
	case c.events <- ev:
	case <-c.catacomb.Dying():
	}
}

func (c *Client) loop() error {
	unsubscribe := c.channel.Watch(c.onEvent)
	defer unsubscribe()
	defer c.rejectAll()

	// The channel may have opened before the watch started.
	c.flush()

	timer := c.config.Clock.NewTimer(c.config.Timeout)
	defer timer.Stop()

	shutdown := c.shutdown
	for {
		select {
		case <-c.catacomb.Dying():
			return c.catacomb.ErrDying()
		case call := <-c.calls:
			c.add(call)
			c.flush()
		case d := <-c.replies:
			c.handleReply(d)
		case ev := <-c.events:
			switch ev.Type {
			case connection.Opened:
				c.flush()
			case connection.Closed:
				c.rejectSent(ev.Generation)
			}
		case <-timer.Chan():
			c.sweep()
			timer.Reset(c.config.Timeout)
		case <-shutdown:
			shutdown = nil
			c.shuttingDown = true
			c.config.Logger.Debugf("shutting down client of %s with %d pending calls", c.config.Service, len(c.pending))
			if !c.channel.IsOpen() {
				c.channel.Close()
				return nil
			}
		}
		c.config.Metrics.setPending(c.config.Service, len(c.pending))

		if c.shuttingDown && len(c.pending) == 0 {
			c.channel.Close()
			return nil
		}
	}
}

func (c *Client) add(call *Call) {
	c.pending[call.ID] = call
	c.unsent = append(c.unsent, call)
}

// settle removes a pending call and settles it.
func (c *Client) settle(call *Call, result interface{}, err error, outcome string) {
	delete(c.pending, call.ID)
	c.config.Metrics.callSettled(c.config.Service, outcome)
	call.settle(result, err)
}

// flush publishes every queued call, in the order they were made.
func (c *Client) flush() {
	if len(c.unsent) == 0 || !c.channel.IsOpen() {
		return
	}
	replyTo := c.getReplyQueue()
	ctx := c.catacomb.Context(context.Background())

	for len(c.unsent) > 0 {
		call := c.unsent[0]
		if _, ok := c.pending[call.ID]; !ok {
			// Settled by a sweep while queued.
			c.unsent = c.unsent[1:]
			continue
		}
		body, err := c.config.Codec.Encode(params.Request{
			Name:      call.Name,
			Arguments: call.Args,
		})
		if err != nil {
			c.unsent = c.unsent[1:]
			c.settle(call, nil, encodeError("RPC request creation error on "+c.config.Service+"!", err), outcomeError)
			continue
		}
		generation, err := c.channel.Publish(ctx, c.queue, transport.Publishing{
			CorrelationID: call.ID,
			ReplyTo:       replyTo,
			ContentType:   c.config.Codec.ContentType(),
			Timestamp:     c.config.Clock.Now(),
			Body:          body,
		})
		if errors.Is(err, connection.ErrChannelNotOpen) || errors.Is(err, transport.ErrClosed) {
			// Never sent; the next opening retries.
			c.config.Logger.Debugf("channel closed while sending %s calls", c.config.Service)
			return
		}
		c.unsent = c.unsent[1:]
		if err != nil {
			c.settle(call, nil, errors.Annotatef(err, "sending %s call to %s", call.Name, c.config.Service), outcomeError)
			continue
		}
		call.sent = c.config.Clock.Now()
		call.generation = generation
		c.config.Logger.Tracef("sent %s call %s to %s", call.Name, call.ID, c.config.Service)
	}
}

func (c *Client) handleReply(d connection.Delivery) {
	call, ok := c.pending[d.CorrelationID]
	if !ok {
		c.config.Logger.Debugf("discarding reply %q from %s: no pending call", d.CorrelationID, c.config.Service)
		return
	}
	elapsed := c.config.Clock.Now().Sub(call.sent)
	c.config.Metrics.replyReceived(c.config.Service, elapsed)
	c.config.Logger.Debugf("got %s response from %s in %.3f sec", call.Name, c.config.Service, elapsed.Seconds())

	cd := codecFor(d.ContentType, c.config.Codec)
	var resp params.Response
	if err := cd.Decode(d.Body, &resp); err != nil {
		c.settle(call, nil, decodeError("RPC response parsing error on "+c.config.Service+"!", err), outcomeError)
		return
	}
	if resp.Error != nil {
		c.settle(call, nil, remoteError(resp.Error, call.localStack), outcomeError)
		return
	}
	c.settle(call, resp.Result, nil, outcomeSuccess)
}

// rejectSent rejects the calls sent on the given generation or earlier.
// Calls not yet sent stay queued for the next opening.
func (c *Client) rejectSent(generation uint64) {
	for _, call := range c.pending {
		if call.sent.IsZero() || call.generation > generation {
			continue
		}
		c.settle(call, nil, connectionClosedError(), outcomeClosed)
	}
}

func (c *Client) sweep() {
	now := c.config.Clock.Now()
	for _, call := range c.pending {
		if now.Sub(call.created) < c.config.Timeout {
			continue
		}
		c.config.Logger.Debugf("%s call %s to %s timed out", call.Name, call.ID, c.config.Service)
		c.settle(call, nil, timeoutError(c.config.Service, call.Name), outcomeTimeout)
	}
	unsent := c.unsent[:0]
	for _, call := range c.unsent {
		if _, ok := c.pending[call.ID]; ok {
			unsent = append(unsent, call)
		}
	}
	c.unsent = unsent
}

func (c *Client) rejectAll() {
	for _, call := range c.pending {
		c.settle(call, nil, shutdownError(c.config.Service), outcomeError)
	}
	c.unsent = nil
	c.config.Metrics.setPending(c.config.Service, 0)
}

func codecFor(contentType string, fallback codec.Codec) codec.Codec {
	if cd, ok := codec.ForContentType(contentType); ok {
		return cd
	}
	return fallback
}
