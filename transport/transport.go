// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transport defines the subset of broker operations the rpc layer
// depends on. The interfaces mirror AMQP 0-9-1 semantics: messages are
// published through the default exchange straight to a named queue, and
// consumers receive deliveries which they acknowledge individually.
package transport

import (
	"context"
	"time"
)

// Dialer opens connections to a broker.
type Dialer interface {
	// Dial connects to the broker at the given URL.
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Connection, error)

// Dial is part of the Dialer interface.
func (f DialerFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}

// Connection is a live session with the broker.
type Connection interface {
	// Channel opens a new channel on the connection. When confirm is
	// true, every Publish on the channel waits for the broker to
	// confirm the message.
	Channel(confirm bool) (Channel, error)

	// NotifyClose returns a channel that receives the error that closed
	// the connection, if any, and is then closed. A graceful close by
	// the client closes the channel without sending a value.
	NotifyClose() <-chan error

	// Close closes the connection and every channel opened on it.
	Close() error
}

// Channel is a logical session multiplexed over a Connection.
type Channel interface {
	// DeclareQueue declares a queue, returning its name. An empty name
	// asks the broker to generate one.
	DeclareQueue(name string, options QueueOptions) (string, error)

	// DeleteQueue deletes the named queue.
	DeleteQueue(name string) error

	// Qos limits the number of unacknowledged deliveries the broker
	// will push to each consumer on this channel.
	Qos(prefetch int) error

	// Publish sends msg to the named queue.
	Publish(ctx context.Context, queue string, msg Publishing) error

	// Consume starts delivering messages from the queue. The returned
	// channel is closed when the consumer is cancelled or the channel
	// closes.
	Consume(queue, consumerTag string, options ConsumeOptions) (<-chan Delivery, error)

	// Cancel stops the consumer with the given tag.
	Cancel(consumerTag string) error

	// NotifyClose behaves like Connection.NotifyClose, for the channel.
	NotifyClose() <-chan error

	// Close closes the channel.
	Close() error
}

// QueueOptions holds the queue declaration flags used by the rpc layer.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// ConsumeOptions holds the consumer flags used by the rpc layer.
type ConsumeOptions struct {
	// AutoAck means deliveries are considered acknowledged as soon as
	// they are sent; they must not be acked or rejected.
	AutoAck bool

	// Exclusive requests sole access to the queue.
	Exclusive bool
}

// Publishing is a message to be sent to a queue.
type Publishing struct {
	CorrelationID string
	ReplyTo       string
	ContentType   string
	MessageID     string
	Timestamp     time.Time
	Body          []byte
}

// Acknowledger settles deliveries on the channel they arrived on.
type Acknowledger interface {
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is a message received from a queue.
type Delivery struct {
	Acknowledger Acknowledger
	DeliveryTag  uint64
	ConsumerTag  string

	CorrelationID string
	ReplyTo       string
	ContentType   string
	MessageID     string
	Timestamp     time.Time
	Redelivered   bool
	Body          []byte
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Ack(d.DeliveryTag)
}

// Reject returns the delivery to the broker, which requeues it if
// requeue is true and discards it otherwise.
func (d Delivery) Reject(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Reject(d.DeliveryTag, requeue)
}
