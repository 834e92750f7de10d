// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package connection

// Topics published on the manager's hub. The data for every topic is an
// Event.
const (
	ConnectedTopic    = "amqprpc.connection.connected"
	DisconnectedTopic = "amqprpc.connection.disconnected"
	OpenedTopic       = "amqprpc.channel.opened"
	ClosedTopic       = "amqprpc.channel.closed"
)

// EventType identifies a lifecycle transition.
type EventType int

const (
	Connected EventType = iota
	Disconnected
	Opened
	Closed
)

var eventTopics = map[EventType]string{
	Connected:    ConnectedTopic,
	Disconnected: DisconnectedTopic,
	Opened:       OpenedTopic,
	Closed:       ClosedTopic,
}

// Topic returns the hub topic the event is published on.
func (t EventType) Topic() string {
	return eventTopics[t]
}

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Event describes a connection or channel transition.
type Event struct {
	Type EventType

	// Manager identifies the manager the event belongs to.
	Manager string

	// Channel identifies the channel for Opened and Closed events and
	// is empty for connection events.
	Channel string

	// Generation is the channel generation that opened or closed.
	Generation uint64
}

func isLifecycleTopic(topic string) bool {
	switch topic {
	case ConnectedTopic, DisconnectedTopic, OpenedTopic, ClosedTopic:
		return true
	}
	return false
}
