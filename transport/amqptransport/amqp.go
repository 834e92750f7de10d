// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package amqptransport implements the transport interfaces on top of
// github.com/rabbitmq/amqp091-go.
package amqptransport

import (
	"context"
	"time"

	"github.com/juju/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/juju/amqprpc/transport"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
	defaultLocale      = "en_US"
)

// Dialer dials AMQP 0-9-1 brokers.
type Dialer struct {
	// Heartbeat is the heartbeat interval negotiated with the broker.
	// Zero uses a 10 second heartbeat.
	Heartbeat time.Duration

	// Timeout bounds the TCP dial and the protocol handshake.
	// Zero uses 30 seconds.
	Timeout time.Duration

	// Properties are sent to the broker as client properties.
	Properties map[string]interface{}
}

// Dial is part of the transport.Dialer interface.
func (d Dialer) Dial(ctx context.Context, url string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	heartbeat := d.Heartbeat
	if heartbeat == 0 {
		heartbeat = defaultHeartbeat
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	props := amqp.NewConnectionProperties()
	for k, v := range d.Properties {
		props[k] = v
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     defaultLocale,
		Properties: props,
		Dial:       amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return newConnection(conn), nil
}

type connection struct {
	conn   *amqp.Connection
	closed <-chan error
}

func newConnection(conn *amqp.Connection) *connection {
	return &connection{
		conn:   conn,
		closed: forwardClose(conn.NotifyClose(make(chan *amqp.Error, 1)), nil),
	}
}

// Channel is part of the transport.Connection interface.
func (c *connection) Channel(confirm bool) (transport.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, translate(err)
	}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, errors.Annotate(translate(err), "enabling publisher confirms")
		}
	}
	return newChannel(ch, confirm), nil
}

// NotifyClose is part of the transport.Connection interface.
func (c *connection) NotifyClose() <-chan error {
	return c.closed
}

// Close is part of the transport.Connection interface.
func (c *connection) Close() error {
	return translate(c.conn.Close())
}

// amqpChannel is the part of *amqp.Channel used by channel.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type channel struct {
	ch      amqpChannel
	confirm bool
	closed  <-chan error

	// done is closed once the underlying channel has closed, releasing
	// any delivery still waiting for a reader.
	done chan struct{}
}

func newChannel(ch amqpChannel, confirm bool) *channel {
	done := make(chan struct{})
	return &channel{
		ch:      ch,
		confirm: confirm,
		closed: forwardClose(ch.NotifyClose(make(chan *amqp.Error, 1)), func() {
			close(done)
		}),
		done: done,
	}
}

// DeclareQueue is part of the transport.Channel interface.
func (c *channel) DeclareQueue(name string, options transport.QueueOptions) (string, error) {
	q, err := c.ch.QueueDeclare(name, options.Durable, options.AutoDelete, options.Exclusive, false, nil)
	if err != nil {
		return "", translate(err)
	}
	return q.Name, nil
}

// DeleteQueue is part of the transport.Channel interface.
func (c *channel) DeleteQueue(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return translate(err)
}

// Qos is part of the transport.Channel interface.
func (c *channel) Qos(prefetch int) error {
	return translate(c.ch.Qos(prefetch, 0, false))
}

// Publish is part of the transport.Channel interface. On a confirm
// channel it blocks until the broker acknowledges the message.
func (c *channel) Publish(ctx context.Context, queue string, msg transport.Publishing) error {
	publishing := amqp.Publishing{
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		ContentType:   msg.ContentType,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
	if !c.confirm {
		return translate(c.ch.PublishWithContext(ctx, "", queue, false, false, publishing))
	}
	confirmation, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return translate(err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !acked {
		return errors.Errorf("broker rejected message for %q", queue)
	}
	return nil
}

// Consume is part of the transport.Channel interface.
func (c *channel) Consume(queue, consumerTag string, options transport.ConsumeOptions) (<-chan transport.Delivery, error) {
	in, err := c.ch.Consume(queue, consumerTag, options.AutoAck, options.Exclusive, false, false, nil)
	if err != nil {
		return nil, translate(err)
	}
	var ack transport.Acknowledger
	if !options.AutoAck {
		ack = acknowledger{ch: c.ch}
	}
	out := make(chan transport.Delivery)
	go c.forward(in, out, ack)
	return out, nil
}

// forward converts deliveries until in is closed. A delivery nobody
// reads is dropped once the channel has closed; the broker requeues it.
func (c *channel) forward(in <-chan amqp.Delivery, out chan<- transport.Delivery, ack transport.Acknowledger) {
	defer close(out)
	for {
		var d amqp.Delivery
		select {
		case <-c.done:
			return
		case delivery, ok := <-in:
			if !ok {
				return
			}
			d = delivery
		}
		select {
		case out <- transport.Delivery{
			Acknowledger:  ack,
			DeliveryTag:   d.DeliveryTag,
			ConsumerTag:   d.ConsumerTag,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			ContentType:   d.ContentType,
			MessageID:     d.MessageId,
			Timestamp:     d.Timestamp,
			Redelivered:   d.Redelivered,
			Body:          d.Body,
		}:
		case <-c.done:
			return
		}
	}
}

// Cancel is part of the transport.Channel interface.
func (c *channel) Cancel(consumerTag string) error {
	return translate(c.ch.Cancel(consumerTag, false))
}

// NotifyClose is part of the transport.Channel interface.
func (c *channel) NotifyClose() <-chan error {
	return c.closed
}

// Close is part of the transport.Channel interface.
func (c *channel) Close() error {
	return translate(c.ch.Close())
}

type acknowledger struct {
	ch amqpChannel
}

func (a acknowledger) Ack(tag uint64) error {
	return translate(a.ch.Ack(tag, false))
}

func (a acknowledger) Reject(tag uint64, requeue bool) error {
	return translate(a.ch.Reject(tag, requeue))
}

// forwardClose converts the library's close notifications, which carry a
// typed nil on graceful close, into a plain error channel. If closed is
// not nil it is called once the close has been seen.
func forwardClose(in <-chan *amqp.Error, closed func()) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		amqpErr, ok := <-in
		if closed != nil {
			closed()
		}
		if ok && amqpErr != nil {
			out <- amqpErr
		}
	}()
	return out
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return errors.Annotate(transport.ErrClosed, err.Error())
	}
	return errors.Trace(err)
}
