// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/amqprpc/config"
)

// ConfigFlags holds the flags that select and override the process
// configuration.
type ConfigFlags struct {
	File FileVar
	URL  string
}

// AddFlags injects the --config and --url flags into f.
func (c *ConfigFlags) AddFlags(f *gnuflag.FlagSet) {
	f.Var(&c.File, "config", "Path to a YAML configuration file")
	f.StringVar(&c.URL, "url", "", "Broker URL, overriding the configuration")
}

// Load returns the configuration named by the flags, or the default
// configuration when no file is given.
func (c *ConfigFlags) Load(ctx *Context) (config.Config, error) {
	cfg := config.Default()
	if c.File.IsSet() {
		data, err := c.File.Read(ctx)
		if err != nil {
			return config.Config{}, errors.Annotate(err, "reading config")
		}
		if cfg, err = config.Parse(data); err != nil {
			return config.Config{}, errors.Annotatef(err, "loading %s", c.File.Path)
		}
	}
	if c.URL != "" {
		cfg.URL = c.URL
	}
	return cfg, errors.Trace(cfg.Validate())
}
