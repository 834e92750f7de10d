// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"go.opentelemetry.io/otel/trace"

	"github.com/juju/amqprpc/codec"
	"github.com/juju/amqprpc/connection"
	"github.com/juju/amqprpc/rpc/params"
	"github.com/juju/amqprpc/transport"
)

// DefaultPrefetch bounds the requests a worker holds unacknowledged.
const DefaultPrefetch = 5

// WorkerConfig holds the dependencies and tuning of a Worker.
type WorkerConfig struct {
	// Manager provides the connection the worker's channel runs on.
	Manager *connection.Manager

	// Service names the service; requests come from its request queue.
	Service string

	// Procedures is copied when the worker starts.
	Procedures Procedures

	// Prefetch bounds the number of requests being handled at once.
	Prefetch int

	// Confirm makes every reply publish wait for the broker's confirm
	// before the request is acknowledged.
	Confirm bool

	// Codec encodes replies to requests whose content type is unknown.
	Codec codec.Codec

	Logger  Logger
	Metrics *Collector

	// Tracer records a span for every request served. Nil records
	// nothing.
	Tracer trace.Tracer
}

// Validate returns an error if the config cannot be used to start a
// Worker.
func (config WorkerConfig) Validate() error {
	if config.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if config.Service == "" {
		return errors.NotValidf("empty Service")
	}
	if err := config.Procedures.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Prefetch <= 0 {
		return errors.NotValidf("non-positive Prefetch")
	}
	if config.Codec == nil {
		return errors.NotValidf("nil Codec")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

type pendingReply struct {
	delivery    connection.Delivery
	contentType string
	body        []byte
}

type jobResult struct {
	delivery  connection.Delivery
	codec     codec.Codec
	procedure string
	span      trace.Span
	result    interface{}
	err       error
}

// Worker serves the procedures of one service. Requests are
// acknowledged only after their reply has been published, and replies
// are published in the order they were produced.
type Worker struct {
	catacomb   catacomb.Catacomb
	config     WorkerConfig
	procedures Procedures
	channel    *connection.Channel
	queue      string
	tracer     trace.Tracer

	deliveries chan connection.Delivery
	results    chan jobResult
	events     chan connection.Event
	shutdown   chan struct{}

	stopping     atomic.Bool
	shutdownOnce sync.Once

	// consumerTag is written by the channel's open hook.
	mu          sync.Mutex
	consumerTag string

	// Owned by the loop.
	jobs         int
	replies      []pendingReply
	shuttingDown bool
}

// NewWorker starts serving config.Procedures.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:     config,
		procedures: config.Procedures.clone(),
		queue:      QueueName(config.Service),
		tracer:     tracerOrNoop(config.Tracer),
		deliveries: make(chan connection.Delivery),
		results:    make(chan jobResult),
		events:     make(chan connection.Event),
		shutdown:   make(chan struct{}),
	}
	var err error
	w.channel, err = config.Manager.NewChannel(connection.ChannelConfig{
		Confirm:   config.Confirm,
		OpenHooks: []connection.Hook{w.openHook},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		w.channel.Kill()
		return nil, errors.Trace(err)
	}
	if err := w.catacomb.Add(w.channel); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Service returns the name of the service served.
func (w *Worker) Service() string {
	return w.config.Service
}

// IsStopping reports whether Shutdown or Kill has been called.
func (w *Worker) IsStopping() bool {
	return w.stopping.Load()
}

// Shutdown stops consuming requests, waits for running procedures to
// finish and their replies to be published, then closes the channel.
// It may be called any number of times; every caller waits for the
// same drain.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopping.Store(true)
	w.shutdownOnce.Do(func() {
		close(w.shutdown)
	})
	done := make(chan error, 1)
	go func() {
		done <- w.Wait()
	}()
	select {
	case err := <-done:
		return errors.Trace(err)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Kill is part of the worker.Worker interface. Unacknowledged requests
// are requeued by the broker when the channel closes.
func (w *Worker) Kill() {
	w.stopping.Store(true)
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) openHook(ch *connection.Channel) error {
	if _, err := ch.DeclareQueue(w.queue, transport.QueueOptions{}); err != nil {
		return errors.Annotatef(err, "declaring %q", w.queue)
	}
	if err := ch.Qos(w.config.Prefetch); err != nil {
		return errors.Annotate(err, "setting prefetch")
	}
	if w.stopping.Load() {
		return nil
	}
	tag, err := ch.Consume(w.queue, transport.ConsumeOptions{}, w.onDelivery)
	if err != nil {
		return errors.Annotatef(err, "consuming %q", w.queue)
	}
	w.mu.Lock()
	w.consumerTag = tag
	w.mu.Unlock()
	return nil
}

func (w *Worker) onDelivery(d connection.Delivery) {
	select {
	case w.deliveries <- d:
	case <-w.catacomb.Dying():
	}
}

func (w *Worker) onEvent(ev connection.Event) {
	select {
	case w.events <- ev:
	case <-w.catacomb.Dying():
	}
}

func (w *Worker) loop() error {
	unsubscribe := w.channel.Watch(w.onEvent)
	defer unsubscribe()

	shutdown := w.shutdown
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case d := <-w.deliveries:
			w.dispatch(d)
		case r := <-w.results:
			w.jobs--
			w.config.Metrics.setJobs(w.config.Service, w.jobs)
			w.reply(r.delivery, r.codec, r.procedure, r.span, r.result, r.err)
		case ev := <-w.events:
			switch ev.Type {
			case connection.Opened:
				w.flush()
			case connection.Disconnected:
				if w.shuttingDown {
					w.config.Logger.Infof("connection lost while draining %s; unacknowledged requests are requeued", w.config.Service)
				}
			}
		case <-shutdown:
			shutdown = nil
			w.shuttingDown = true
			w.cancelConsumer()
			w.config.Logger.Debugf("shutting down worker of %s with %d jobs and %d queued replies", w.config.Service, w.jobs, len(w.replies))
			if !w.channel.IsOpen() {
				w.channel.Close()
				return nil
			}
		}

		if w.shuttingDown && w.jobs == 0 && len(w.replies) == 0 {
			w.channel.Close()
			return nil
		}
	}
}

func (w *Worker) cancelConsumer() {
	w.mu.Lock()
	tag := w.consumerTag
	w.consumerTag = ""
	w.mu.Unlock()
	if tag == "" {
		return
	}
	if err := w.channel.Cancel(tag); err != nil {
		w.config.Logger.Debugf("cancelling consumer of %s: %v", w.queue, err)
	}
}

func (w *Worker) dispatch(d connection.Delivery) {
	ctx, span := w.tracer.Start(w.catacomb.Context(context.Background()), "rpc.serve "+w.config.Service,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attrSystem.String("amqp"),
			attrService.String(w.config.Service),
			attrCorrelationID.String(d.CorrelationID),
		),
	)
	cd := codecFor(d.ContentType, w.config.Codec)
	var req params.Request
	if err := cd.Decode(d.Body, &req); err != nil {
		w.reply(d, cd, "", span, nil, decodeError(fmt.Sprintf("RPC message parsing error on %s!", w.config.Service), err))
		return
	}
	span.SetName("rpc.serve " + w.config.Service + "." + req.Name)
	span.SetAttributes(attrMethod.String(req.Name))
	proc, ok := w.procedures[req.Name]
	if !ok {
		w.reply(d, cd, req.Name, span, nil, procedureNotFoundError(w.config.Service, req.Name))
		return
	}
	if !proc.async {
		result, err := invoke(ctx, proc, req.Arguments)
		w.reply(d, cd, req.Name, span, result, err)
		return
	}

	w.jobs++
	w.config.Metrics.setJobs(w.config.Service, w.jobs)
	go func() {
		result, err := invoke(ctx, proc, req.Arguments)
		select {
		case w.results <- jobResult{
			delivery:  d,
			codec:     cd,
			procedure: req.Name,
			span:      span,
			result:    result,
			err:       err,
		}:
		case <-w.catacomb.Dying():
			endSpan(span, w.catacomb.ErrDying())
		}
	}()
}

func invoke(ctx context.Context, proc Procedure, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("procedure panicked: %v", r)
		}
	}()
	return proc.call(ctx, args)
}

// reply queues the response to d and flushes the reply queue.
func (w *Worker) reply(d connection.Delivery, cd codec.Codec, procedure string, span trace.Span, result interface{}, err error) {
	endSpan(span, err)
	resp := params.Response{Result: result}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
		w.config.Logger.Debugf("%s procedure %q failed: %v", w.config.Service, procedure, err)
		resp = params.Response{Error: errorParams(err)}
	}
	body, encErr := cd.Encode(resp)
	if encErr != nil {
		outcome = outcomeError
		w.config.Logger.Warningf("encoding %s reply to %q: %v", w.config.Service, procedure, encErr)
		body, encErr = cd.Encode(params.Response{
			Error: errorParams(encodeError(fmt.Sprintf("RPC procedure response creation error on %s!", w.config.Service), encErr)),
		})
		if encErr != nil {
			// Nothing can be sent; let the broker redeliver.
			w.config.Logger.Errorf("encoding %s error reply: %v", w.config.Service, encErr)
			if err := w.channel.Reject(d, true); err != nil {
				w.config.Logger.Debugf("rejecting %s request: %v", w.config.Service, err)
			}
			return
		}
	}
	w.config.Metrics.requestAnswered(w.config.Service, procedure, outcome)
	w.replies = append(w.replies, pendingReply{
		delivery:    d,
		contentType: cd.ContentType(),
		body:        body,
	})
	w.flush()
}

// flush publishes queued replies in order, acknowledging each request
// after its reply is published. It stops at the first failure; the
// rest are retried on the next flush.
func (w *Worker) flush() {
	defer func() {
		w.config.Metrics.setQueuedReplies(w.config.Service, len(w.replies))
	}()
	if !w.channel.IsOpen() {
		return
	}
	ctx := w.catacomb.Context(context.Background())
	for len(w.replies) > 0 {
		r := w.replies[0]
		_, err := w.channel.Publish(ctx, r.delivery.ReplyTo, transport.Publishing{
			CorrelationID: r.delivery.CorrelationID,
			ContentType:   r.contentType,
			Body:          r.body,
		})
		if err != nil {
			w.config.Logger.Warningf("publishing %s reply: %v", w.config.Service, err)
			return
		}
		err = w.channel.Ack(r.delivery)
		if errors.Is(err, connection.ErrStaleDelivery) {
			// The broker requeued the request when its channel closed.
			w.config.Logger.Debugf("published %s reply for a request from a closed channel", w.config.Service)
		} else if err != nil {
			w.config.Logger.Warningf("acknowledging %s request: %v", w.config.Service, err)
			return
		}
		w.replies = w.replies[1:]
	}
}
