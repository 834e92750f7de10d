// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package connection

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"github.com/rs/xid"
	"gopkg.in/tomb.v2"

	"github.com/juju/amqprpc/transport"
)

// Hook is an action run when a channel opens or closes. Open hooks run
// in registration order after the broker channel is attached, close
// hooks run in registration order while it is still attached, so both
// may use the channel they are given.
type Hook func(*Channel) error

// ChannelConfig holds the options of a persistent channel.
type ChannelConfig struct {
	// Confirm puts every broker channel into publisher confirm mode.
	Confirm bool

	// OpenHooks and CloseHooks are registered before the channel first
	// opens, so none of them can miss the first opening.
	OpenHooks  []Hook
	CloseHooks []Hook
}

// Delivery is a message received on a persistent channel. It remembers
// the channel generation it arrived on.
type Delivery struct {
	transport.Delivery
	generation uint64
}

// Generation returns the channel generation the delivery arrived on.
func (d Delivery) Generation() uint64 {
	return d.generation
}

// Channel is a logical channel that is reopened on every new connection.
// Operations pass through to the broker channel that is currently
// attached and fail with ErrChannelNotOpen when there is none.
type Channel struct {
	catacomb catacomb.Catacomb
	manager  *Manager
	logger   Logger
	id       string
	confirm  bool

	closeOnce sync.Once
	closing   chan struct{}

	mu         sync.Mutex
	current    transport.Channel
	consumers  *tomb.Tomb
	generation uint64
	open       bool
	openHooks  []Hook
	closeHooks []Hook
}

func newChannel(m *Manager, id string, config ChannelConfig) (*Channel, error) {
	ch := &Channel{
		manager:    m,
		logger:     m.config.Logger,
		id:         id,
		confirm:    config.Confirm,
		closing:    make(chan struct{}),
		openHooks:  append([]Hook(nil), config.OpenHooks...),
		closeHooks: append([]Hook(nil), config.CloseHooks...),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &ch.catacomb,
		Work: ch.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return ch, nil
}

// ID identifies the channel in published events.
func (ch *Channel) ID() string {
	return ch.id
}

// Manager returns the manager the channel belongs to.
func (ch *Channel) Manager() *Manager {
	return ch.manager
}

// AddOpenHook registers an action to run each time the channel opens.
// It does not run for an opening that is already complete.
func (ch *Channel) AddOpenHook(hook Hook) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.openHooks = append(ch.openHooks, hook)
}

// AddCloseHook registers an action to run each time the channel closes.
func (ch *Channel) AddCloseHook(hook Hook) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeHooks = append(ch.closeHooks, hook)
}

// IsOpen reports whether the channel is attached and its open hooks
// have completed.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open
}

// Generation returns the number of times the channel has been attached.
// The first attachment is generation 1.
func (ch *Channel) Generation() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.generation
}

// Watch calls handler for every lifecycle event of this channel and of
// the connection it belongs to, in the order they happen. The returned
// func stops the subscription.
func (ch *Channel) Watch(handler func(Event)) func() {
	return ch.manager.config.Hub.SubscribeMatch(isLifecycleTopic, func(_ string, data interface{}) {
		ev, ok := data.(Event)
		if !ok || ev.Manager != ch.manager.id {
			return
		}
		if ev.Channel != "" && ev.Channel != ch.id {
			return
		}
		handler(ev)
	})
}

// DeclareQueue declares a queue and returns its name, which the broker
// chooses when name is empty.
func (ch *Channel) DeclareQueue(name string, options transport.QueueOptions) (string, error) {
	tch, _, err := ch.underlying()
	if err != nil {
		return "", errors.Trace(err)
	}
	actual, err := tch.DeclareQueue(name, options)
	return actual, errors.Trace(err)
}

// DeleteQueue deletes the named queue.
func (ch *Channel) DeleteQueue(name string) error {
	tch, _, err := ch.underlying()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tch.DeleteQueue(name))
}

// Qos limits the number of unacknowledged deliveries per consumer.
func (ch *Channel) Qos(prefetch int) error {
	tch, _, err := ch.underlying()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tch.Qos(prefetch))
}

// Publish sends msg to the named queue and returns the generation of
// the broker channel it was sent on.
func (ch *Channel) Publish(ctx context.Context, queue string, msg transport.Publishing) (uint64, error) {
	tch, generation, err := ch.underlying()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return generation, errors.Trace(tch.Publish(ctx, queue, msg))
}

// Consume starts delivering messages from queue to handler and returns
// the consumer tag. Deliveries stop when the consumer is cancelled or
// the broker channel closes; a reopened channel does not resume them.
func (ch *Channel) Consume(queue string, options transport.ConsumeOptions, handler func(Delivery)) (string, error) {
	tch, _, err := ch.underlying()
	if err != nil {
		return "", errors.Trace(err)
	}
	tag := "amqprpc-" + xid.New().String()
	deliveries, err := tch.Consume(queue, tag, options)
	if err != nil {
		return "", errors.Trace(err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.current != tch {
		return "", ErrChannelNotOpen
	}
	consumers, generation := ch.consumers, ch.generation
	consumers.Go(func() error {
		for {
			select {
			case <-consumers.Dying():
				// Undelivered messages go back to the broker when the
				// channel closes; keep reading so the transport is not
				// left blocked on them.
				for range deliveries {
				}
				return nil
			case d, ok := <-deliveries:
				if !ok {
					return nil
				}
				handler(Delivery{Delivery: d, generation: generation})
			}
		}
	})
	return tag, nil
}

// Cancel stops the consumer with the given tag.
func (ch *Channel) Cancel(tag string) error {
	tch, _, err := ch.underlying()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tch.Cancel(tag))
}

// Ack acknowledges a delivery. Deliveries from an earlier generation
// cannot be settled and return ErrStaleDelivery.
func (ch *Channel) Ack(d Delivery) error {
	if err := ch.checkDelivery(d); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.Ack())
}

// Reject rejects a delivery, optionally asking the broker to requeue it.
func (ch *Channel) Reject(d Delivery, requeue bool) error {
	if err := ch.checkDelivery(d); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.Reject(requeue))
}

// Close runs the close hooks, closes the broker channel and stops the
// channel from reopening. It does not wait; use Wait for that.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.closing)
	})
}

// Kill is part of the worker.Worker interface.
func (ch *Channel) Kill() {
	ch.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (ch *Channel) Wait() error {
	return ch.catacomb.Wait()
}

func (ch *Channel) checkDelivery(d Delivery) error {
	_, generation, err := ch.underlying()
	if err != nil {
		return err
	}
	if d.generation != generation {
		return ErrStaleDelivery
	}
	return nil
}

func (ch *Channel) underlying() (transport.Channel, uint64, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.current == nil {
		return nil, 0, ErrChannelNotOpen
	}
	return ch.current, ch.generation, nil
}

func (ch *Channel) loop() error {
	for {
		conn, changed := ch.manager.connection()
		if conn == nil {
			select {
			case <-ch.catacomb.Dying():
				return ch.catacomb.ErrDying()
			case <-ch.closing:
				return nil
			case <-changed:
			}
			continue
		}

		tch, err := conn.Channel(ch.confirm)
		if err != nil {
			delay := ch.manager.config.ChannelRetryDelay
			if errors.Is(err, transport.ErrClosed) {
				// The manager has yet to notice the connection loss.
				ch.logger.Debugf("cannot open channel %s on a closed connection", ch.id)
				delay = -1
			} else {
				ch.logger.Warningf("cannot open channel %s: %v", ch.id, err)
			}
			if stop, err := ch.pause(changed, delay); stop {
				return err
			}
			continue
		}

		done, err := ch.serve(tch)
		if done {
			return err
		}
		if err != nil {
			ch.logger.Warningf("channel %s: %v", ch.id, err)
			if stop, err := ch.pause(changed, ch.manager.config.RetryDelay); stop {
				return err
			}
		}
	}
}

// pause waits for delay or for the connection to change. A negative
// delay waits for the change only. It reports whether the channel must
// stop instead, with the error to stop with.
func (ch *Channel) pause(changed <-chan struct{}, delay time.Duration) (bool, error) {
	var timeout <-chan time.Time
	if delay > 0 {
		timeout = ch.manager.config.Clock.After(delay)
	} else if delay == 0 {
		closed := make(chan time.Time)
		close(closed)
		timeout = closed
	}
	select {
	case <-ch.catacomb.Dying():
		return true, ch.catacomb.ErrDying()
	case <-ch.closing:
		return true, nil
	case <-changed:
	case <-timeout:
	}
	return false, nil
}

// serve attaches tch and holds it until it closes. It reports whether
// the channel loop must stop, with the error to stop with.
func (ch *Channel) serve(tch transport.Channel) (bool, error) {
	notify := tch.NotifyClose()
	generation := ch.attach(tch)

	if err := ch.runOpenHooks(); err != nil {
		ch.detach()
		if err := tch.Close(); err != nil {
			ch.logger.Debugf("closing channel %s: %v", ch.id, err)
		}
		_ = ch.runCloseHooks()
		return false, errors.Annotate(err, "open hook")
	}

	ch.mu.Lock()
	ch.open = true
	ch.mu.Unlock()
	ch.logger.Debugf("channel %s opened (generation %d)", ch.id, generation)
	ch.publish(Opened, generation)

	select {
	case err := <-notify:
		if err != nil {
			ch.logger.Warningf("channel %s closed: %v", ch.id, err)
		} else {
			ch.logger.Debugf("channel %s closed", ch.id)
		}
		ch.detach()
		if err := ch.runCloseHooks(); err != nil {
			ch.logger.Warningf("channel %s close hook: %v", ch.id, err)
		}
		ch.publish(Closed, generation)
		return false, nil
	case <-ch.closing:
		ch.shutdown(tch, generation)
		return true, nil
	case <-ch.catacomb.Dying():
		ch.shutdown(tch, generation)
		return true, ch.catacomb.ErrDying()
	}
}

func (ch *Channel) shutdown(tch transport.Channel, generation uint64) {
	ch.mu.Lock()
	ch.open = false
	ch.mu.Unlock()
	if err := ch.runCloseHooks(); err != nil {
		ch.logger.Warningf("channel %s close hook: %v", ch.id, err)
	}
	ch.detach()
	if err := tch.Close(); err != nil {
		ch.logger.Debugf("closing channel %s: %v", ch.id, err)
	}
	ch.publish(Closed, generation)
}

func (ch *Channel) attach(tch transport.Channel) uint64 {
	consumers := new(tomb.Tomb)
	consumers.Go(func() error {
		<-consumers.Dying()
		return nil
	})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.current = tch
	ch.consumers = consumers
	ch.generation++
	return ch.generation
}

func (ch *Channel) detach() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.open = false
	ch.current = nil
	if ch.consumers != nil {
		ch.consumers.Kill(nil)
		ch.consumers = nil
	}
}

// runOpenHooks runs the open hooks in order, stopping at the first
// failure.
func (ch *Channel) runOpenHooks() error {
	ch.mu.Lock()
	hooks := append([]Hook(nil), ch.openHooks...)
	ch.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ch); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// runCloseHooks runs every close hook in order and returns the first
// failure.
func (ch *Channel) runCloseHooks() error {
	ch.mu.Lock()
	hooks := append([]Hook(nil), ch.closeHooks...)
	ch.mu.Unlock()
	var first error
	for _, hook := range hooks {
		if err := hook(ch); err != nil && first == nil {
			first = errors.Trace(err)
		}
	}
	return first
}

func (ch *Channel) publish(eventType EventType, generation uint64) {
	_ = ch.manager.config.Hub.Publish(eventType.Topic(), Event{
		Type:       eventType,
		Manager:    ch.manager.id,
		Channel:    ch.id,
		Generation: generation,
	})
}
