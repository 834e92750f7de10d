// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transporttest

import (
	"sync"

	"github.com/juju/amqprpc/transport"
)

// consumer buffers deliveries without bound so that the broker never
// blocks on a slow reader while holding its lock.
type consumer struct {
	tag     string
	queue   *queue
	channel *channel
	autoAck bool
	unacked int

	mu       sync.Mutex
	buffer   []transport.Delivery
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	out      chan transport.Delivery
}

func newConsumer(tag string, q *queue, ch *channel, autoAck bool) *consumer {
	c := &consumer{
		tag:     tag,
		queue:   q,
		channel: ch,
		autoAck: autoAck,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan transport.Delivery),
	}
	go c.run()
	return c
}

func (c *consumer) ready() bool {
	if c.autoAck || c.channel.prefetch == 0 {
		return true
	}
	return c.unacked < c.channel.prefetch
}

func (c *consumer) push(d transport.Delivery) {
	c.mu.Lock()
	c.buffer = append(c.buffer, d)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *consumer) run() {
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.buffer) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buffer[0]
		c.buffer = c.buffer[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}
