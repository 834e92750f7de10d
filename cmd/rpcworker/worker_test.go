// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/amqprpc/cmd"
	"github.com/juju/amqprpc/config"
	"github.com/juju/amqprpc/process"
	"github.com/juju/amqprpc/rpc"
	coretesting "github.com/juju/amqprpc/testing"
	"github.com/juju/amqprpc/transport/transporttest"
)

const testURL = "amqp://broker.test/"

type workerSuite struct {
	testing.IsolationSuite

	broker  *transporttest.Broker
	signals chan os.Signal
	ctx     *cmd.Context
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.broker = transporttest.NewBroker()
	s.signals = make(chan os.Signal, 1)
	s.ctx = &cmd.Context{
		Dir:     c.MkDir(),
		Stdin:   &bytes.Buffer{},
		Stdout:  io.Discard,
		Stderr:  io.Discard,
		Signals: s.signals,
	}
}

// start runs the command until it is signalled, returning a channel
// that receives its exit code.
func (s *workerSuite) start(c *gc.C, command *workerCommand, args ...string) <-chan int {
	done := make(chan int, 1)
	go func() {
		done <- cmd.Main(command, s.ctx, args)
	}()
	s.AddCleanup(func(c *gc.C) {
		select {
		case s.signals <- syscall.SIGTERM:
		default:
		}
	})
	return done
}

func (s *workerSuite) client(c *gc.C, service string) *rpc.Client {
	cfg := config.Default()
	cfg.URL = testURL
	cfg.CallTimeout = time.Second
	registry, err := process.NewRegistry(process.RegistryConfig{
		Config: cfg,
		Dialer: s.broker.Dialer(),
		Clock:  clock.WallClock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		ctx, cancel := context.WithTimeout(context.Background(), coretesting.LongWait)
		defer cancel()
		c.Check(registry.Shutdown(ctx), jc.ErrorIsNil)
	})
	client, err := registry.Client("", service)
	c.Assert(err, jc.ErrorIsNil)
	return client
}

func (s *workerSuite) waitForWorker(c *gc.C, service string) {
	coretesting.WaitUntil(c, "worker consuming", func() bool {
		stats, ok := s.broker.Stats(rpc.QueueName(service))
		return ok && stats.Consumers == 1
	})
}

func (s *workerSuite) TestInit(c *gc.C) {
	for i, t := range []struct {
		args []string
		err  string
	}{
		{nil, "no service specified"},
		{[]string{"calc", "extra"}, `unrecognized args: \["extra"\]`},
		{[]string{"--shutdown-timeout", "0s", "calc"}, "non-positive shutdown timeout not valid"},
	} {
		c.Logf("test %d: %v", i, t.args)
		command := newWorkerCommand(s.broker.Dialer())
		f := cmd.NewFlagSet(command)
		c.Check(cmd.Parse(command, f, t.args), gc.ErrorMatches, t.err)
	}
}

func (s *workerSuite) TestServesDemoProceduresUntilSignalled(c *gc.C) {
	done := s.start(c, newWorkerCommand(s.broker.Dialer()), "--url", testURL, "calc")
	s.waitForWorker(c, "calc")
	client := s.client(c, "calc")

	ctx, cancel := context.WithTimeout(context.Background(), coretesting.LongWait)
	defer cancel()
	result, err := client.Call(ctx, "add", 1, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, gc.Equals, 3)

	result, err = client.Call(ctx, "calculate", 1, 2)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, jc.DeepEquals, map[string]interface{}{"add": 3, "multiply": 2})

	_, err = client.Call(ctx, "explode")
	c.Check(err, gc.ErrorMatches, "test error")

	_, err = client.Call(ctx, "missing")
	c.Check(err, jc.ErrorIs, rpc.ErrProcedureNotFound)

	s.signals <- syscall.SIGTERM
	c.Check(coretesting.Receive(c, done, "exit code"), gc.Equals, 0)
	coretesting.WaitUntil(c, "worker gone", func() bool {
		stats, _ := s.broker.Stats(rpc.QueueName("calc"))
		return stats.Consumers == 0
	})
}

func (s *workerSuite) TestSignalDrainsSleepingRequest(c *gc.C) {
	done := s.start(c, newWorkerCommand(s.broker.Dialer()), "--url", testURL, "calc")
	s.waitForWorker(c, "calc")
	client := s.client(c, "calc")

	call := client.Go("sleep", 0.2)
	coretesting.WaitUntil(c, "request delivered", func() bool {
		stats, _ := s.broker.Stats(rpc.QueueName("calc"))
		return stats.Unacked == 1
	})
	s.signals <- syscall.SIGINT

	coretesting.Receive(c, call.Done(), "sleep reply")
	c.Assert(call.Error, jc.ErrorIsNil)
	c.Check(call.Result, gc.Equals, 0.2)
	c.Check(coretesting.Receive(c, done, "exit code"), gc.Equals, 0)
}

func (s *workerSuite) TestServesMetrics(c *gc.C) {
	command := newWorkerCommand(s.broker.Dialer())
	addrs := make(chan string, 1)
	command.listening = func(addr string) { addrs <- addr }
	done := s.start(c, command, "--url", testURL, "--metrics-addr", "127.0.0.1:0", "calc")
	addr := coretesting.Receive(c, addrs, "metrics address")
	s.waitForWorker(c, "calc")

	ctx, cancel := context.WithTimeout(context.Background(), coretesting.LongWait)
	defer cancel()
	_, err := s.client(c, "calc").Call(ctx, "add", 2, 2)
	c.Assert(err, jc.ErrorIsNil)

	resp, err := http.Get("http://" + addr + "/metrics")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), jc.Contains,
		`amqprpc_worker_requests_total{outcome="success",procedure="add",service="calc"} 1`)

	s.signals <- syscall.SIGTERM
	c.Check(coretesting.Receive(c, done, "exit code"), gc.Equals, 0)
}

func (s *workerSuite) TestBadConfigFails(c *gc.C) {
	done := s.start(c, newWorkerCommand(s.broker.Dialer()), "--config", "missing.yaml", "calc")
	c.Check(coretesting.Receive(c, done, "exit code"), gc.Equals, 1)
}

func (s *workerSuite) TestShutdownTimeout(c *gc.C) {
	done := s.start(c, newWorkerCommand(s.broker.Dialer()),
		"--url", testURL, "--shutdown-timeout", "50ms", "calc")
	s.waitForWorker(c, "calc")
	client := s.client(c, "calc")

	client.Go("sleep", time.Minute.Seconds())
	coretesting.WaitUntil(c, "request delivered", func() bool {
		stats, _ := s.broker.Stats(rpc.QueueName("calc"))
		return stats.Unacked == 1
	})
	s.signals <- syscall.SIGTERM
	c.Check(coretesting.Receive(c, done, "exit code"), gc.Equals, 1)
}
