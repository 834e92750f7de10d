// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package connection keeps a broker connection alive across failures and
// hands out persistent channels that survive reconnects.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/amqprpc/transport"
)

// Logger represents the methods used by this package to log messages.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

const (
	// DefaultRetryDelay is the pause between connection attempts.
	DefaultRetryDelay = time.Second
)

// ManagerConfig holds the dependencies and tuning of a Manager.
type ManagerConfig struct {
	// URL is the broker address handed to the dialer.
	URL string

	Dialer transport.Dialer
	Clock  clock.Clock
	Logger Logger

	// Hub receives lifecycle events for the connection and its
	// channels. It may be shared between managers.
	Hub *pubsub.SimpleHub

	// RetryDelay is the pause between failed connection attempts, and
	// between a connection loss and the next attempt.
	RetryDelay time.Duration

	// MaxRetryDelay, when set, doubles the delay after every failed
	// attempt up to this ceiling.
	MaxRetryDelay time.Duration

	// MaxRetryAttempts, when set, makes the manager give up after that
	// many consecutive failed attempts. Zero retries forever.
	MaxRetryAttempts int

	// ChannelRetryDelay is the pause before reopening a channel that
	// could not be created on a live connection.
	ChannelRetryDelay time.Duration
}

// Validate returns an error if the config cannot be used to start a
// Manager.
func (config ManagerConfig) Validate() error {
	if config.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if config.Dialer == nil {
		return errors.NotValidf("nil Dialer")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.RetryDelay <= 0 {
		return errors.NotValidf("non-positive RetryDelay")
	}
	if config.MaxRetryDelay < 0 {
		return errors.NotValidf("negative MaxRetryDelay")
	}
	if config.MaxRetryAttempts < 0 {
		return errors.NotValidf("negative MaxRetryAttempts")
	}
	if config.ChannelRetryDelay < 0 {
		return errors.NotValidf("negative ChannelRetryDelay")
	}
	return nil
}

// Manager owns one broker connection. It dials on start, redials
// whenever the connection is lost, and closes it on Terminate.
type Manager struct {
	catacomb catacomb.Catacomb
	config   ManagerConfig
	id       string

	terminating atomic.Bool
	channels    atomic.Int64

	mu      sync.Mutex
	conn    transport.Connection
	changed chan struct{}
}

// NewManager starts a manager that connects to config.URL.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		config:  config,
		id:      uuid.NewString(),
		changed: make(chan struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// ID uniquely identifies the manager in published events.
func (m *Manager) ID() string {
	return m.id
}

// URL returns the broker address with any password redacted.
func (m *Manager) URL() string {
	return redact(m.config.URL)
}

// IsConnected reports whether a live connection is held.
func (m *Manager) IsConnected() bool {
	conn, _ := m.connection()
	return conn != nil
}

// IsTerminating reports whether Terminate has been called or the
// manager has stopped on its own.
func (m *Manager) IsTerminating() bool {
	if m.terminating.Load() {
		return true
	}
	select {
	case <-m.catacomb.Dying():
		return true
	default:
		return false
	}
}

// NewChannel returns a persistent channel bound to this manager. The
// channel opens whenever the manager is connected, until it is closed.
func (m *Manager) NewChannel(config ChannelConfig) (*Channel, error) {
	if m.IsTerminating() {
		return nil, ErrTerminating
	}
	id := fmt.Sprintf("%s/%d", m.id, m.channels.Add(1))
	ch, err := newChannel(m, id, config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Channels die with their manager.
	if err := m.catacomb.Add(ch); err != nil {
		return nil, errors.Trace(err)
	}
	return ch, nil
}

// Watch calls handler for every connection event of this manager. The
// returned func stops the subscription.
func (m *Manager) Watch(handler func(Event)) func() {
	return m.config.Hub.SubscribeMatch(func(topic string) bool {
		return topic == ConnectedTopic || topic == DisconnectedTopic
	}, func(_ string, data interface{}) {
		ev, ok := data.(Event)
		if !ok || ev.Manager != m.id {
			return
		}
		handler(ev)
	})
}

// Terminate closes the connection and stops reconnecting. It is
// idempotent.
func (m *Manager) Terminate() {
	if m.terminating.Swap(true) {
		return
	}
	m.config.Logger.Debugf("terminating connection to %s", m.URL())
	m.catacomb.Kill(nil)
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.Terminate()
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

// connection returns the current connection, which may be nil, together
// with a channel that is closed the next time the connection changes.
func (m *Manager) connection() (transport.Connection, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn, m.changed
}

func (m *Manager) setConnection(conn transport.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) loop() error {
	for {
		conn, err := m.connect()
		if err != nil {
			return errors.Trace(err)
		}
		m.config.Logger.Infof("connected to %s", m.URL())
		// Announce before channels can see the connection, so that
		// Connected precedes their Opened events.
		m.publish(Connected)
		m.setConnection(conn)

		select {
		case <-m.catacomb.Dying():
			m.setConnection(nil)
			if err := conn.Close(); err != nil {
				m.config.Logger.Debugf("closing connection to %s: %v", m.URL(), err)
			}
			return m.catacomb.ErrDying()
		case err := <-conn.NotifyClose():
			m.setConnection(nil)
			if err != nil {
				m.config.Logger.Warningf("connection to %s lost: %v", m.URL(), err)
			} else {
				m.config.Logger.Infof("connection to %s closed", m.URL())
			}
			m.publish(Disconnected)
		}

		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		case <-m.config.Clock.After(m.config.RetryDelay):
		}
	}
}

func (m *Manager) connect() (transport.Connection, error) {
	ctx, cancel := context.WithCancel(m.catacomb.Context(context.Background()))
	defer cancel()

	attempts := m.config.MaxRetryAttempts
	if attempts == 0 {
		attempts = retry.UnlimitedAttempts
	}
	var conn transport.Connection
	args := retry.CallArgs{
		Func: func() error {
			c, err := m.config.Dialer.Dial(ctx, m.config.URL)
			if err != nil {
				return errors.Trace(err)
			}
			conn = c
			return nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			m.config.Logger.Warningf("cannot connect to %s (attempt %d): %v", m.URL(), attempt, lastError)
		},
		Attempts: attempts,
		Delay:    m.config.RetryDelay,
		Clock:    m.config.Clock,
		Stop:     m.catacomb.Dying(),
	}
	if m.config.MaxRetryDelay > 0 {
		args.MaxDelay = m.config.MaxRetryDelay
		args.BackoffFunc = retry.DoubleDelay
	}
	err := retry.Call(args)
	if retry.IsRetryStopped(err) {
		return nil, m.catacomb.ErrDying()
	}
	if err != nil {
		return nil, errors.Annotatef(retry.LastError(err), "connecting to %s", m.URL())
	}
	return conn, nil
}

func (m *Manager) publish(eventType EventType) {
	_ = m.config.Hub.Publish(eventType.Topic(), Event{
		Type:    eventType,
		Manager: m.id,
	})
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
