// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package connection

import "github.com/juju/errors"

const (
	// ErrChannelNotOpen is returned by channel operations attempted
	// while no broker channel is attached.
	ErrChannelNotOpen = errors.ConstError("channel not open")

	// ErrStaleDelivery is returned when settling a delivery that
	// arrived on an earlier incarnation of the channel. The broker has
	// already requeued such deliveries.
	ErrStaleDelivery = errors.ConstError("delivery belongs to a closed channel")

	// ErrTerminating is returned when asking a terminated manager for
	// a new channel.
	ErrTerminating = errors.ConstError("connection manager terminating")
)
