// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transport

import "github.com/juju/errors"

const (
	// ErrClosed is returned by operations on a closed connection or
	// channel.
	ErrClosed = errors.ConstError("transport closed")

	// ErrNoAcknowledger is returned when settling a delivery that was
	// received with automatic acknowledgement.
	ErrNoAcknowledger = errors.ConstError("delivery has no acknowledger")
)
