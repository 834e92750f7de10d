// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package connection_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/amqprpc/connection"
	coretesting "github.com/juju/amqprpc/testing"
	"github.com/juju/amqprpc/transport"
	"github.com/juju/amqprpc/transport/mocks"
	"github.com/juju/amqprpc/transport/transporttest"
)

type channelSuite struct {
	baseSuite
}

var _ = gc.Suite(&channelSuite{})

// hookLog records the hooks that ran, in order.
type hookLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *hookLog) hook(name string) connection.Hook {
	return func(*connection.Channel) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls = append(l.calls, name)
		return nil
	}
}

func (l *hookLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func declare(name string) connection.Hook {
	return func(ch *connection.Channel) error {
		_, err := ch.DeclareQueue(name, transport.QueueOptions{})
		return errors.Trace(err)
	}
}

func (s *channelSuite) TestHooksRunInOrder(c *gc.C) {
	m := s.newManager(c, s.config(c))
	var log hookLog
	ch := s.newChannel(c, m, connection.ChannelConfig{
		OpenHooks:  []connection.Hook{log.hook("open-1"), log.hook("open-2")},
		CloseHooks: []connection.Hook{log.hook("close-1"), log.hook("close-2")},
	})
	waitOpen(c, ch, 1)
	ch.AddOpenHook(log.hook("open-3"))
	ch.AddCloseHook(log.hook("close-3"))

	s.broker.DropChannels()
	waitOpen(c, ch, 2)
	ch.Close()
	c.Assert(ch.Wait(), jc.ErrorIsNil)

	c.Check(log.get(), jc.DeepEquals, []string{
		"open-1", "open-2",
		"close-1", "close-2", "close-3",
		"open-1", "open-2", "open-3",
		"close-1", "close-2", "close-3",
	})
	c.Check(ch.IsOpen(), jc.IsFalse)
}

func (s *channelSuite) TestCloseRunsCloseHooksWhileAttached(c *gc.C) {
	m := s.newManager(c, s.config(c))
	var deleteErr error
	ch := s.newChannel(c, m, connection.ChannelConfig{
		OpenHooks: []connection.Hook{declare("work")},
		CloseHooks: []connection.Hook{func(ch *connection.Channel) error {
			deleteErr = ch.DeleteQueue("work")
			return nil
		}},
	})
	waitOpen(c, ch, 1)
	c.Check(s.broker.QueueNames(), jc.DeepEquals, []string{"work"})

	ch.Close()
	ch.Close()
	c.Assert(ch.Wait(), jc.ErrorIsNil)
	c.Check(deleteErr, jc.ErrorIsNil)
	c.Check(s.broker.QueueNames(), gc.HasLen, 0)
}

func (s *channelSuite) TestUnsolicitedCloseRunsCloseHooksDetached(c *gc.C) {
	m := s.newManager(c, s.config(c))
	deleteErrs := make(chan error, 2)
	ch := s.newChannel(c, m, connection.ChannelConfig{
		OpenHooks: []connection.Hook{declare("work")},
		CloseHooks: []connection.Hook{func(ch *connection.Channel) error {
			deleteErrs <- ch.DeleteQueue("work")
			return nil
		}},
	})
	waitOpen(c, ch, 1)

	s.broker.DropChannels()
	err := coretesting.Receive(c, deleteErrs, "close hook")
	c.Check(err, jc.ErrorIs, connection.ErrChannelNotOpen)
	waitOpen(c, ch, 2)
}

func (s *channelSuite) TestEvents(c *gc.C) {
	s.broker.SetDialError(errors.New("broker down"))
	m := s.newManager(c, s.config(c))
	ch := s.newChannel(c, m, connection.ChannelConfig{})
	evs, stop := events(ch.Watch)
	defer stop()

	s.broker.SetDialError(nil)
	nextEvent(c, evs, connection.Connected)
	ev := nextEvent(c, evs, connection.Opened)
	c.Check(ev.Channel, gc.Equals, ch.ID())
	c.Check(ev.Manager, gc.Equals, m.ID())
	c.Check(ev.Generation, gc.Equals, uint64(1))

	s.broker.DropChannels()
	c.Check(nextEvent(c, evs, connection.Closed).Generation, gc.Equals, uint64(1))
	c.Check(nextEvent(c, evs, connection.Opened).Generation, gc.Equals, uint64(2))

	s.broker.DropConnections()
	disconnectedOrClosed := []connection.EventType{
		coretesting.Receive(c, evs, "event").Type,
		coretesting.Receive(c, evs, "event").Type,
	}
	c.Check(disconnectedOrClosed, jc.SameContents, []connection.EventType{connection.Disconnected, connection.Closed})
	nextEvent(c, evs, connection.Connected)
	c.Check(nextEvent(c, evs, connection.Opened).Generation, gc.Equals, uint64(3))

	ch.Close()
	c.Check(nextEvent(c, evs, connection.Closed).Generation, gc.Equals, uint64(3))
}

func (s *channelSuite) TestWatchIgnoresOtherChannels(c *gc.C) {
	m := s.newManager(c, s.config(c))
	one := s.newChannel(c, m, connection.ChannelConfig{})
	two := s.newChannel(c, m, connection.ChannelConfig{})
	waitOpen(c, one, 1)
	waitOpen(c, two, 1)
	c.Check(one.ID(), gc.Not(gc.Equals), two.ID())
	c.Check(one.Manager(), gc.Equals, m)

	evs, stop := events(one.Watch)
	defer stop()
	two.Close()
	c.Assert(two.Wait(), jc.ErrorIsNil)
	coretesting.NotReceived(c, evs, "event of another channel")

	one.Close()
	ev := nextEvent(c, evs, connection.Closed)
	c.Check(ev.Channel, gc.Equals, one.ID())
}

func (s *channelSuite) TestOpenHookFailureRetries(c *gc.C) {
	m := s.newManager(c, s.config(c))
	var (
		mu       sync.Mutex
		attempts int
	)
	var log hookLog
	ch := s.newChannel(c, m, connection.ChannelConfig{
		OpenHooks: []connection.Hook{
			func(*connection.Channel) error {
				mu.Lock()
				defer mu.Unlock()
				attempts++
				if attempts == 1 {
					return errors.New("not yet")
				}
				return nil
			},
			log.hook("open"),
		},
		CloseHooks: []connection.Hook{log.hook("close")},
	})
	waitOpen(c, ch, 2)
	// The failed opening skipped the later open hook but still
	// released the channel.
	c.Check(log.get(), jc.DeepEquals, []string{"close", "open"})
}

func (s *channelSuite) TestChannelErrorRetries(c *gc.C) {
	s.broker.SetChannelError(errors.New("too many channels"))
	config := s.config(c)
	config.ChannelRetryDelay = 5 * time.Millisecond
	m := s.newManager(c, config)
	ch := s.newChannel(c, m, connection.ChannelConfig{})

	coretesting.WaitUntil(c, "connection", m.IsConnected)
	coretesting.NotReceived(c, s.openSignal(ch), "opening")
	s.broker.SetChannelError(nil)
	waitOpen(c, ch, 1)
}

func (s *channelSuite) openSignal(ch *connection.Channel) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		deadline := time.After(coretesting.ShortWait)
		for !ch.IsOpen() {
			select {
			case <-deadline:
				return
			case <-time.After(time.Millisecond):
			}
		}
		close(done)
	}()
	return done
}

func (s *channelSuite) TestStaleDelivery(c *gc.C) {
	m := s.newManager(c, s.config(c))
	ch := s.newChannel(c, m, connection.ChannelConfig{
		OpenHooks: []connection.Hook{declare("work")},
	})
	waitOpen(c, ch, 1)

	deliveries := make(chan connection.Delivery, 10)
	handler := func(d connection.Delivery) { deliveries <- d }
	tag, err := ch.Consume("work", transport.ConsumeOptions{}, handler)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tag, gc.Matches, "amqprpc-.+")

	s.broker.Publish("work", transport.Publishing{Body: []byte("job")})
	d := coretesting.Receive(c, deliveries, "delivery")
	c.Check(d.Generation(), gc.Equals, uint64(1))
	c.Check(string(d.Body), gc.Equals, "job")

	s.broker.DropChannels()
	waitOpen(c, ch, 2)
	c.Check(ch.Ack(d), jc.ErrorIs, connection.ErrStaleDelivery)
	c.Check(ch.Reject(d, true), jc.ErrorIs, connection.ErrStaleDelivery)

	// The broker requeued the message; the reopened channel does not
	// resume consuming on its own.
	stats, ok := s.broker.Stats("work")
	c.Assert(ok, jc.IsTrue)
	c.Check(stats, jc.DeepEquals, transporttest.QueueStats{Ready: 1})
	coretesting.NotReceived(c, deliveries, "delivery after reopen")

	_, err = ch.Consume("work", transport.ConsumeOptions{}, handler)
	c.Assert(err, jc.ErrorIsNil)
	d = coretesting.Receive(c, deliveries, "redelivery")
	c.Check(d.Redelivered, jc.IsTrue)
	c.Check(d.Generation(), gc.Equals, uint64(2))
	c.Assert(ch.Ack(d), jc.ErrorIsNil)
	coretesting.WaitUntil(c, "ack", func() bool {
		stats, _ := s.broker.Stats("work")
		return stats.Ready == 0 && stats.Unacked == 0
	})
}

func (s *channelSuite) TestPublishReportsGeneration(c *gc.C) {
	m := s.newManager(c, s.config(c))
	ch := s.newChannel(c, m, connection.ChannelConfig{
		OpenHooks: []connection.Hook{declare("work")},
	})
	waitOpen(c, ch, 1)

	generation, err := ch.Publish(context.Background(), "work", transport.Publishing{Body: []byte("one")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(generation, gc.Equals, uint64(1))

	s.broker.DropChannels()
	waitOpen(c, ch, 2)
	generation, err = ch.Publish(context.Background(), "work", transport.Publishing{Body: []byte("two")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(generation, gc.Equals, uint64(2))

	stats, ok := s.broker.Stats("work")
	c.Assert(ok, jc.IsTrue)
	c.Check(stats.Ready, gc.Equals, 2)
}

func (s *channelSuite) TestCancel(c *gc.C) {
	m := s.newManager(c, s.config(c))
	ch := s.newChannel(c, m, connection.ChannelConfig{
		OpenHooks: []connection.Hook{declare("work")},
	})
	waitOpen(c, ch, 1)
	c.Assert(ch.Qos(1), jc.ErrorIsNil)
	tag, err := ch.Consume("work", transport.ConsumeOptions{}, func(connection.Delivery) {})
	c.Assert(err, jc.ErrorIsNil)
	stats, _ := s.broker.Stats("work")
	c.Check(stats.Consumers, gc.Equals, 1)

	c.Assert(ch.Cancel(tag), jc.ErrorIsNil)
	stats, _ = s.broker.Stats("work")
	c.Check(stats.Consumers, gc.Equals, 0)
}

func (s *channelSuite) TestOperationsFailWhenNotOpen(c *gc.C) {
	s.broker.SetDialError(errors.New("broker down"))
	m := s.newManager(c, s.config(c))
	ch := s.newChannel(c, m, connection.ChannelConfig{})

	_, err := ch.DeclareQueue("work", transport.QueueOptions{})
	c.Check(err, jc.ErrorIs, connection.ErrChannelNotOpen)
	c.Check(ch.DeleteQueue("work"), jc.ErrorIs, connection.ErrChannelNotOpen)
	c.Check(ch.Qos(1), jc.ErrorIs, connection.ErrChannelNotOpen)
	_, err = ch.Publish(context.Background(), "work", transport.Publishing{})
	c.Check(err, jc.ErrorIs, connection.ErrChannelNotOpen)
	_, err = ch.Consume("work", transport.ConsumeOptions{}, func(connection.Delivery) {})
	c.Check(err, jc.ErrorIs, connection.ErrChannelNotOpen)
	c.Check(ch.Cancel("tag"), jc.ErrorIs, connection.ErrChannelNotOpen)
	c.Check(ch.Ack(connection.Delivery{}), jc.ErrorIs, connection.ErrChannelNotOpen)
	c.Check(ch.IsOpen(), jc.IsFalse)
	c.Check(ch.Generation(), gc.Equals, uint64(0))
}

func (s *channelSuite) TestCloseBeforeOpen(c *gc.C) {
	s.broker.SetDialError(errors.New("broker down"))
	m := s.newManager(c, s.config(c))
	var log hookLog
	ch := s.newChannel(c, m, connection.ChannelConfig{
		CloseHooks: []connection.Hook{log.hook("close")},
	})
	ch.Close()
	c.Assert(ch.Wait(), jc.ErrorIsNil)
	c.Check(log.get(), gc.HasLen, 0)
	workertest.CheckAlive(c, m)
}

func (s *channelSuite) TestKillRunsCloseHooks(c *gc.C) {
	m := s.newManager(c, s.config(c))
	var log hookLog
	ch := s.newChannel(c, m, connection.ChannelConfig{
		CloseHooks: []connection.Hook{log.hook("close")},
	})
	waitOpen(c, ch, 1)
	workertest.CleanKill(c, ch)
	c.Check(log.get(), jc.DeepEquals, []string{"close"})
}

func (s *channelSuite) TestAgainstMockTransport(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	dialer := mocks.NewMockDialer(ctrl)
	conn := mocks.NewMockConnection(ctrl)
	tch := mocks.NewMockChannel(ctrl)
	var connClosed, chClosed <-chan error = make(chan error), make(chan error)

	dialer.EXPECT().Dial(gomock.Any(), testURL).Return(conn, nil)
	conn.EXPECT().NotifyClose().Return(connClosed)
	gomock.InOrder(
		conn.EXPECT().Channel(true).Return(nil, errors.New("channel limit")),
		conn.EXPECT().Channel(true).Return(tch, nil),
	)
	tch.EXPECT().NotifyClose().Return(chClosed)
	gomock.InOrder(
		tch.EXPECT().DeclareQueue("work", transport.QueueOptions{Durable: true}).Return("work", nil),
		tch.EXPECT().DeleteQueue("work").Return(nil),
		tch.EXPECT().Close().Return(nil),
	)
	conn.EXPECT().Close().Return(nil)

	config := s.config(c)
	config.Dialer = dialer
	config.ChannelRetryDelay = 5 * time.Millisecond
	m := s.newManager(c, config)
	ch := s.newChannel(c, m, connection.ChannelConfig{
		Confirm: true,
		OpenHooks: []connection.Hook{func(ch *connection.Channel) error {
			_, err := ch.DeclareQueue("work", transport.QueueOptions{Durable: true})
			return err
		}},
		CloseHooks: []connection.Hook{func(ch *connection.Channel) error {
			return ch.DeleteQueue("work")
		}},
	})
	waitOpen(c, ch, 1)

	ch.Close()
	c.Assert(ch.Wait(), jc.ErrorIsNil)
	workertest.CleanKill(c, m)
}
