// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command rpcworker serves a demo service until it is interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/juju/amqprpc/cmd"
	"github.com/juju/amqprpc/transport/amqptransport"
)

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(newWorkerCommand(amqptransport.Dialer{}), ctx, os.Args[1:]))
}
