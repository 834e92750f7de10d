// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmd holds the command-line plumbing shared by the rpcworker
// and rpccall commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("amqprpc.cmd")

// ErrSilent can be returned from Run to signal that Main should exit
// with code 1 without producing error output.
const ErrSilent = errors.ConstError("cmd: error out silently")

// Info holds everything necessary to describe a Command's intent and usage.
type Info struct {
	// Name is the Command's name.
	Name string

	// Args describes the command's expected positional arguments.
	Args string

	// Purpose is a short explanation of the Command's purpose.
	Purpose string

	// Doc is the long documentation for the Command.
	Doc string
}

// Usage combines Name and Args to describe the Command's intended usage.
func (i *Info) Usage() string {
	if i.Args == "" {
		return i.Name + " [options]"
	}
	return fmt.Sprintf("%s [options] %s", i.Name, i.Args)
}

// Command is implemented by the programs in this module.
type Command interface {
	// Info returns information about the command.
	Info() *Info

	// SetFlags adds command specific flags to the flag set.
	SetFlags(f *gnuflag.FlagSet)

	// Init initializes the command from its positional arguments.
	Init(args []string) error

	// Run executes the command.
	Run(ctx *Context) error
}

// Context represents the environment a command runs in.
type Context struct {
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Signals delivers the signals that should stop a long running
	// command.
	Signals <-chan os.Signal
}

// AbsPath returns an absolute representation of path, relative to the
// context's working directory.
func (ctx *Context) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ctx.Dir, path)
}

// DefaultContext returns a Context for the current process, relaying
// SIGINT and SIGTERM.
func DefaultContext() (*Context, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, errors.Trace(err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	return &Context{
		Dir:     abs,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Signals: signals,
	}, nil
}

// NewFlagSet returns a FlagSet initialized for use with c. It reports
// nothing itself; Main prints errors and usage.
func NewFlagSet(c Command) *gnuflag.FlagSet {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	f.Usage = func() {}
	c.SetFlags(f)
	return f
}

// PrintUsage writes usage information for c to w.
func PrintUsage(c Command, w io.Writer) {
	i := c.Info()
	fmt.Fprintf(w, "usage: %s\n", i.Usage())
	fmt.Fprintf(w, "purpose: %s\n", i.Purpose)
	f := gnuflag.NewFlagSet(i.Name, gnuflag.ContinueOnError)
	c.SetFlags(f)
	fmt.Fprintf(w, "\noptions:\n")
	f.SetOutput(w)
	f.PrintDefaults()
	if i.Doc != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(i.Doc))
	}
}

// Parse parses args on c. This must be called before c is Run.
func Parse(c Command, f *gnuflag.FlagSet, args []string) error {
	if err := f.Parse(true, args); err != nil {
		return err
	}
	return c.Init(f.Args())
}

// CheckEmpty is a utility function that returns an error if args is not empty.
func CheckEmpty(args []string) error {
	if len(args) != 0 {
		return errors.Errorf("unrecognized args: %q", args)
	}
	return nil
}

// Main parses args, which exclude the program name, and runs c. It
// returns the process exit code.
func Main(c Command, ctx *Context, args []string) int {
	f := NewFlagSet(c)
	if err := Parse(c, f, args); err != nil {
		if err == gnuflag.ErrHelp {
			PrintUsage(c, ctx.Stdout)
			return 0
		}
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		PrintUsage(c, ctx.Stderr)
		return 2
	}
	logger.Debugf("running %s", c.Info().Name)
	if err := c.Run(ctx); err != nil {
		if errors.Is(err, ErrSilent) {
			return 1
		}
		logger.Debugf("%s command failed: %s", c.Info().Name, errors.ErrorStack(err))
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 1
	}
	return 0
}

// SetupLogging sends log output to w and applies the given logger
// configuration, such as "<root>=INFO;amqprpc.rpc=DEBUG".
func SetupLogging(w io.Writer, spec string) error {
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(w, loggo.DefaultFormatter)); err != nil {
		return errors.Trace(err)
	}
	loggo.DefaultContext().ResetLoggerLevels()
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return errors.Annotatef(err, "configuring loggers %q", spec)
	}
	return nil
}
