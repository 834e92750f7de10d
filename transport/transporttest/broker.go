// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transporttest provides an in-memory broker implementing the
// transport interfaces, for tests that need real queue semantics without
// a running broker.
package transporttest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/amqprpc/transport"
)

const (
	// ErrConnectionForced is the error connections are closed with by
	// DropConnections.
	ErrConnectionForced = errors.ConstError("CONNECTION_FORCED - broker forced connection closure")

	// ErrChannelForced is the error channels are closed with by
	// DropChannels.
	ErrChannelForced = errors.ConstError("CHANNEL_ERROR - broker forced channel closure")
)

// QueueStats describes the state of a queue.
type QueueStats struct {
	Ready     int
	Unacked   int
	Consumers int
	Exclusive bool
}

// Broker is an in-memory message broker. It implements the parts of
// AMQP 0-9-1 the rpc layer relies on: publishing through the default
// exchange, exclusive and server-named queues, round-robin consumers,
// per-channel prefetch and requeueing of unacknowledged deliveries when
// a channel closes.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	connections map[*connection]bool
	dialErr     error
	channelErr  error
	dials       int
	published   map[string]int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues:      make(map[string]*queue),
		connections: make(map[*connection]bool),
		published:   make(map[string]int),
	}
}

// Dialer returns a dialer connecting to this broker whatever the URL.
func (b *Broker) Dialer() transport.Dialer {
	return transport.DialerFunc(b.Dial)
}

// Dial opens a new connection to the broker.
func (b *Broker) Dial(ctx context.Context, url string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &connection{
		broker:   b,
		channels: make(map[*channel]bool),
		notify:   make(chan error, 1),
	}
	b.connections[c] = true
	return c, nil
}

// SetDialError makes every following Dial fail with err until it is
// reset with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetChannelError makes every following channel creation fail with err
// until it is reset with nil.
func (b *Broker) SetChannelError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// Dials returns the number of dial attempts made.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections)
}

// DropConnections closes every connection with ErrConnectionForced, as
// a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.connections {
		b.closeConnection(c, ErrConnectionForced)
	}
}

// DropChannels closes every channel with ErrChannelForced, leaving the
// connections open.
func (b *Broker) DropChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.connections {
		for ch := range c.channels {
			b.closeChannel(ch, ErrChannelForced)
		}
	}
}

// QueueNames returns the names of every declared queue, sorted.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := set.NewStrings()
	for name := range b.queues {
		names.Add(name)
	}
	return names.SortedValues()
}

// Stats returns the state of the named queue.
func (b *Broker) Stats(name string) (QueueStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}, false
	}
	stats := QueueStats{
		Ready:     len(q.messages),
		Consumers: len(q.consumers),
		Exclusive: q.owner != nil,
	}
	for c := range b.connections {
		for ch := range c.channels {
			for _, in := range ch.unacked {
				if in.queue == name {
					stats.Unacked++
				}
			}
		}
	}
	return stats, true
}

// Published returns the number of messages published to the named
// queue, including those dropped because it did not exist.
func (b *Broker) Published(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[name]
}

// Publish enqueues msg on the named queue as if a client had sent it.
func (b *Broker) Publish(name string, msg transport.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueue(name, msg)
}

func (b *Broker) enqueue(name string, msg transport.Publishing) {
	b.published[name]++
	q, ok := b.queues[name]
	if !ok {
		// The default exchange drops unroutable messages.
		return
	}
	q.messages = append(q.messages, message{publishing: msg})
	b.dispatch(q)
}

func (b *Broker) dispatch(q *queue) {
	for len(q.messages) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]

		ch := c.channel
		ch.nextTag++
		d := transport.Delivery{
			DeliveryTag:   ch.nextTag,
			ConsumerTag:   c.tag,
			CorrelationID: msg.publishing.CorrelationID,
			ReplyTo:       msg.publishing.ReplyTo,
			ContentType:   msg.publishing.ContentType,
			MessageID:     msg.publishing.MessageID,
			Timestamp:     msg.publishing.Timestamp,
			Redelivered:   msg.redelivered,
			Body:          msg.publishing.Body,
		}
		if !c.autoAck {
			d.Acknowledger = ch
			ch.unacked[d.DeliveryTag] = &inflight{
				queue:      q.name,
				publishing: msg.publishing,
				consumer:   c,
			}
			c.unacked++
		}
		c.push(d)
	}
}

func (b *Broker) requeue(name string, msg transport.Publishing) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	q.messages = append([]message{{publishing: msg, redelivered: true}}, q.messages...)
}

func (b *Broker) deleteQueue(q *queue) {
	for _, c := range append([]*consumer(nil), q.consumers...) {
		b.removeConsumer(c)
	}
	delete(b.queues, q.name)
}

func (b *Broker) removeConsumer(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	delete(c.channel.consumers, c.tag)
	c.stop()
}

func (b *Broker) closeChannel(ch *channel, err error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)
	for _, c := range ch.consumers {
		b.removeConsumer(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	// Requeue at the head of each queue in original delivery order.
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	touched := set.NewStrings()
	for _, tag := range tags {
		in := ch.unacked[tag]
		b.requeue(in.queue, in.publishing)
		touched.Add(in.queue)
	}
	ch.unacked = nil

	if err != nil {
		ch.notify <- err
	}
	close(ch.notify)

	for _, name := range touched.SortedValues() {
		if q, ok := b.queues[name]; ok {
			b.dispatch(q)
		}
	}
}

func (b *Broker) closeConnection(c *connection, err error) {
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.channels {
		b.closeChannel(ch, err)
	}
	for _, q := range b.queues {
		if q.owner == c {
			b.deleteQueue(q)
		}
	}
	delete(b.connections, c)
	if err != nil {
		c.notify <- err
	}
	close(c.notify)
}

type message struct {
	publishing  transport.Publishing
	redelivered bool
}

type inflight struct {
	queue      string
	publishing transport.Publishing
	consumer   *consumer
}

type queue struct {
	name      string
	options   transport.QueueOptions
	owner     *connection
	messages  []message
	consumers []*consumer
	next      int
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.ready() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

type connection struct {
	broker   *Broker
	channels map[*channel]bool
	notify   chan error
	closed   bool
}

// Channel is part of the transport.Connection interface.
func (c *connection) Channel(confirm bool) (transport.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if b.channelErr != nil {
		return nil, b.channelErr
	}
	ch := &channel{
		broker:    b,
		conn:      c,
		confirm:   confirm,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*inflight),
		notify:    make(chan error, 1),
	}
	c.channels[ch] = true
	return ch, nil
}

// NotifyClose is part of the transport.Connection interface.
func (c *connection) NotifyClose() <-chan error {
	return c.notify
}

// Close is part of the transport.Connection interface.
func (c *connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	b.closeConnection(c, nil)
	return nil
}

type channel struct {
	broker    *Broker
	conn      *connection
	confirm   bool
	prefetch  int
	nextTag   uint64
	consumers map[string]*consumer
	unacked   map[uint64]*inflight
	notify    chan error
	closed    bool
}

// fail closes the channel with err, the way a broker answers a channel
// level protocol error.
func (ch *channel) fail(err error) error {
	ch.broker.closeChannel(ch, err)
	return err
}

// DeclareQueue is part of the transport.Channel interface.
func (ch *channel) DeclareQueue(name string, options transport.QueueOptions) (string, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return "", transport.ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != ch.conn {
			return "", ch.fail(errors.Errorf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue %q", name))
		}
		return name, nil
	}
	q := &queue{
		name:    name,
		options: options,
	}
	if options.Exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return name, nil
}

// DeleteQueue is part of the transport.Channel interface.
func (ch *channel) DeleteQueue(name string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	if q.owner != nil && q.owner != ch.conn {
		return ch.fail(errors.Errorf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue %q", name))
	}
	b.deleteQueue(q)
	return nil
}

// Qos is part of the transport.Channel interface.
func (ch *channel) Qos(prefetch int) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	if prefetch < 0 {
		return errors.NotValidf("negative prefetch")
	}
	ch.prefetch = prefetch
	for _, c := range ch.consumers {
		b.dispatch(c.queue)
	}
	return nil
}

// Publish is part of the transport.Channel interface.
func (ch *channel) Publish(ctx context.Context, name string, msg transport.Publishing) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	b.enqueue(name, msg)
	return nil
}

// Consume is part of the transport.Channel interface.
func (ch *channel) Consume(name, consumerTag string, options transport.ConsumeOptions) (<-chan transport.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, transport.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, ch.fail(errors.Errorf("NOT_FOUND - no queue %q", name))
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, ch.fail(errors.Errorf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue %q", name))
	}
	if consumerTag == "" {
		consumerTag = "amq.ctag-" + uuid.NewString()
	}
	if _, ok := ch.consumers[consumerTag]; ok {
		return nil, ch.fail(errors.Errorf("NOT_ALLOWED - attempt to reuse consumer tag %q", consumerTag))
	}
	c := newConsumer(consumerTag, q, ch, options.AutoAck)
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatch(q)
	return c.out, nil
}

// Cancel is part of the transport.Channel interface.
func (ch *channel) Cancel(consumerTag string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	if c, ok := ch.consumers[consumerTag]; ok {
		b.removeConsumer(c)
	}
	return nil
}

// NotifyClose is part of the transport.Channel interface.
func (ch *channel) NotifyClose() <-chan error {
	return ch.notify
}

// Close is part of the transport.Channel interface.
func (ch *channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	b.closeChannel(ch, nil)
	return nil
}

// Ack is part of the transport.Acknowledger interface.
func (ch *channel) Ack(tag uint64) error {
	return ch.settle(tag, false, false)
}

// Reject is part of the transport.Acknowledger interface.
func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, true, requeue)
}

func (ch *channel) settle(tag uint64, reject, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	in, ok := ch.unacked[tag]
	if !ok {
		return ch.fail(errors.Errorf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}
	delete(ch.unacked, tag)
	in.consumer.unacked--
	if reject && requeue {
		b.requeue(in.queue, in.publishing)
	}
	if q, ok := b.queues[in.queue]; ok {
		b.dispatch(q)
	}
	return nil
}
