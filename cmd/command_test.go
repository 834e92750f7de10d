// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd_test

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/amqprpc/cmd"
)

type commandSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&commandSuite{})

func newContext(c *gc.C) (*cmd.Context, *bytes.Buffer, *bytes.Buffer) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	return &cmd.Context{
		Dir:    c.MkDir(),
		Stdin:  &bytes.Buffer{},
		Stdout: stdout,
		Stderr: stderr,
	}, stdout, stderr
}

// testCommand is used by several different tests.
type testCommand struct {
	option string
	out    cmd.Output
	config cmd.ConfigFlags
}

func (c *testCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "verb",
		Args:    "<something>",
		Purpose: "verb the broker",
		Doc:     "verb-doc",
	}
}

func (c *testCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.option, "option", "", "option-doc")
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters)
	c.config.AddFlags(f)
}

func (c *testCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *testCommand) Run(ctx *cmd.Context) error {
	switch c.option {
	case "error":
		return errors.New("BAM!")
	case "silent-error":
		return cmd.ErrSilent
	case "config":
		cfg, err := c.config.Load(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		return c.out.Write(ctx, map[string]interface{}{
			"url":     cfg.URL,
			"timeout": cfg.CallTimeout.String(),
			"codec":   cfg.Codec.Name(),
		})
	default:
		return c.out.Write(ctx, map[string]interface{}{"option": c.option, "n": 1})
	}
}

func (s *commandSuite) TestHelp(c *gc.C) {
	ctx, stdout, _ := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--help"})
	c.Check(code, gc.Equals, 0)
	c.Check(stdout.String(), jc.Contains, "usage: verb [options] <something>\npurpose: verb the broker\n")
	c.Check(stdout.String(), jc.Contains, "option-doc")
	c.Check(stdout.String(), jc.HasSuffix, "\nverb-doc\n")
}

func (s *commandSuite) TestBadFlag(c *gc.C) {
	ctx, stdout, stderr := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--cheese"})
	c.Check(code, gc.Equals, 2)
	c.Check(stdout.String(), gc.Equals, "")
	c.Check(stderr.String(), jc.HasPrefix, "ERROR flag provided but not defined: --cheese\n")
	c.Check(stderr.String(), jc.Contains, "usage: verb")
}

func (s *commandSuite) TestUnrecognizedArgs(c *gc.C) {
	ctx, _, stderr := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"one", "two"})
	c.Check(code, gc.Equals, 2)
	c.Check(stderr.String(), jc.HasPrefix, `ERROR unrecognized args: ["one" "two"]`+"\n")
}

func (s *commandSuite) TestRunError(c *gc.C) {
	ctx, _, stderr := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--option", "error"})
	c.Check(code, gc.Equals, 1)
	c.Check(stderr.String(), gc.Equals, "ERROR BAM!\n")
}

func (s *commandSuite) TestSilentError(c *gc.C) {
	ctx, stdout, stderr := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--option", "silent-error"})
	c.Check(code, gc.Equals, 1)
	c.Check(stdout.String(), gc.Equals, "")
	c.Check(stderr.String(), gc.Equals, "")
}

func (s *commandSuite) TestOutputFormats(c *gc.C) {
	for i, t := range []struct {
		args     []string
		expected string
	}{{
		args:     []string{"--option", "x"},
		expected: `"n": 1` + "\noption: x\n",
	}, {
		args:     []string{"--option", "x", "--format", "yaml"},
		expected: `"n": 1` + "\noption: x\n",
	}, {
		args:     []string{"--option", "x", "--format", "json"},
		expected: `{"n":1,"option":"x"}` + "\n",
	}} {
		c.Logf("test %d: %v", i, t.args)
		ctx, stdout, stderr := newContext(c)
		code := cmd.Main(&testCommand{}, ctx, t.args)
		c.Check(code, gc.Equals, 0, gc.Commentf("stderr: %s", stderr))
		c.Check(stdout.String(), gc.Equals, t.expected)
	}
}

func (s *commandSuite) TestUnknownFormat(c *gc.C) {
	ctx, _, stderr := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--format", "xml"})
	c.Check(code, gc.Equals, 2)
	c.Check(stderr.String(), jc.Contains, `format "xml" not valid`)
}

func (s *commandSuite) TestOutputFile(c *gc.C) {
	ctx, stdout, _ := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--option", "x", "-o", "out.yaml"})
	c.Assert(code, gc.Equals, 0)
	c.Check(stdout.String(), gc.Equals, "")
	data, err := os.ReadFile(filepath.Join(ctx.Dir, "out.yaml"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, `"n": 1` + "\noption: x\n")
}

func (s *commandSuite) TestConfigDefaults(c *gc.C) {
	ctx, stdout, _ := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--option", "config", "--format", "json"})
	c.Assert(code, gc.Equals, 0)
	c.Check(stdout.String(), gc.Equals, `{"codec":"bson","timeout":"5s","url":"amqp://localhost"}`+"\n")
}

func (s *commandSuite) TestConfigFile(c *gc.C) {
	ctx, stdout, stderr := newContext(c)
	err := os.WriteFile(filepath.Join(ctx.Dir, "rpc.yaml"), []byte(`
url: amqp://broker.test
call-timeout: 2s
codec: json
`), 0644)
	c.Assert(err, jc.ErrorIsNil)

	code := cmd.Main(&testCommand{}, ctx, []string{
		"--option", "config", "--format", "json", "--config", "rpc.yaml",
	})
	c.Assert(code, gc.Equals, 0, gc.Commentf("stderr: %s", stderr))
	c.Check(stdout.String(), gc.Equals, `{"codec":"json","timeout":"2s","url":"amqp://broker.test"}`+"\n")
}

func (s *commandSuite) TestURLOverridesConfigFile(c *gc.C) {
	ctx, stdout, _ := newContext(c)
	err := os.WriteFile(filepath.Join(ctx.Dir, "rpc.yaml"), []byte("url: amqp://broker.test\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)

	code := cmd.Main(&testCommand{}, ctx, []string{
		"--option", "config", "--format", "json",
		"--config", "rpc.yaml", "--url", "amqp://other.test",
	})
	c.Assert(code, gc.Equals, 0)
	c.Check(stdout.String(), gc.Equals,
		`{"codec":"bson","timeout":"5s","url":"amqp://other.test"}`+"\n")
}

func (s *commandSuite) TestMissingConfigFile(c *gc.C) {
	ctx, _, stderr := newContext(c)
	code := cmd.Main(&testCommand{}, ctx, []string{"--option", "config", "--config", "missing.yaml"})
	c.Check(code, gc.Equals, 1)
	c.Check(stderr.String(), gc.Matches, "ERROR reading config: open .*missing.yaml: no such file or directory\n")
}

func (s *commandSuite) TestInvalidConfigFile(c *gc.C) {
	ctx, _, stderr := newContext(c)
	err := os.WriteFile(filepath.Join(ctx.Dir, "rpc.yaml"), []byte("prefetch: 0\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	code := cmd.Main(&testCommand{}, ctx, []string{"--option", "config", "--config", "rpc.yaml"})
	c.Check(code, gc.Equals, 1)
	c.Check(stderr.String(), gc.Matches, "ERROR loading rpc.yaml: .*\n")
}

func (s *commandSuite) TestAbsPath(c *gc.C) {
	ctx := &cmd.Context{Dir: "/work"}
	c.Check(ctx.AbsPath("rpc.yaml"), gc.Equals, "/work/rpc.yaml")
	c.Check(ctx.AbsPath("/etc/rpc.yaml"), gc.Equals, "/etc/rpc.yaml")
}
