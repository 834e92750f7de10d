// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the settings shared by rpc clients and workers.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"

	"github.com/juju/amqprpc/codec"
	"github.com/juju/amqprpc/connection"
	"github.com/juju/amqprpc/rpc"
)

// Attribute names.
const (
	URLKey               = "url"
	CallTimeoutKey       = "call-timeout"
	PrefetchKey          = "prefetch"
	ConfirmRepliesKey    = "confirm-replies"
	RetryDelayKey        = "retry-delay"
	MaxRetryDelayKey     = "max-retry-delay"
	MaxRetryAttemptsKey  = "max-retry-attempts"
	ChannelRetryDelayKey = "channel-retry-delay"
	CodecKey             = "codec"
	LoggingConfigKey     = "logging-config"
)

// DefaultURL is the broker used when none is configured.
const DefaultURL = "amqp://localhost"

var fields = schema.Fields{
	URLKey:               schema.String(),
	CallTimeoutKey:       schema.TimeDurationString(),
	PrefetchKey:          schema.ForceInt(),
	ConfirmRepliesKey:    schema.Bool(),
	RetryDelayKey:        schema.TimeDurationString(),
	MaxRetryDelayKey:     schema.TimeDurationString(),
	MaxRetryAttemptsKey:  schema.ForceInt(),
	ChannelRetryDelayKey: schema.TimeDurationString(),
	CodecKey:             schema.String(),
	LoggingConfigKey:     schema.String(),
}

var defaults = schema.Defaults{
	URLKey:               DefaultURL,
	CallTimeoutKey:       rpc.DefaultTimeout,
	PrefetchKey:          rpc.DefaultPrefetch,
	ConfirmRepliesKey:    false,
	RetryDelayKey:        connection.DefaultRetryDelay,
	MaxRetryDelayKey:     time.Duration(0),
	MaxRetryAttemptsKey:  0,
	ChannelRetryDelayKey: time.Duration(0),
	CodecKey:             codec.BSON.Name(),
	LoggingConfigKey:     "<root>=INFO",
}

// Defaults are not coerced by the checker, so they must already hold
// the coerced types.
var checker = schema.FieldMap(fields, defaults)

// Config holds the settings of an rpc process.
type Config struct {
	URL               string
	CallTimeout       time.Duration
	Prefetch          int
	ConfirmReplies    bool
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	MaxRetryAttempts  int
	ChannelRetryDelay time.Duration
	Codec             codec.Codec
	LoggingConfig     string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	cfg, err := New(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// New builds a Config from attrs, filling in defaults for missing
// attributes. Unknown attributes are rejected.
func New(attrs map[string]interface{}) (Config, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	for name := range attrs {
		if _, ok := fields[name]; !ok {
			return Config{}, errors.NotValidf("unknown config attribute %q", name)
		}
	}
	out, err := checker.Coerce(attrs, nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "invalid config")
	}
	v := &attrReader{attrs: out.(map[string]interface{})}

	cfg := Config{
		URL:               v.str(URLKey),
		CallTimeout:       v.dur(CallTimeoutKey),
		Prefetch:          v.num(PrefetchKey),
		ConfirmReplies:    v.flag(ConfirmRepliesKey),
		RetryDelay:        v.dur(RetryDelayKey),
		MaxRetryDelay:     v.dur(MaxRetryDelayKey),
		MaxRetryAttempts:  v.num(MaxRetryAttemptsKey),
		ChannelRetryDelay: v.dur(ChannelRetryDelayKey),
		LoggingConfig:     v.str(LoggingConfigKey),
	}
	codecName := v.str(CodecKey)
	if len(v.bad) > 0 {
		return Config{}, errors.NotValidf("config attribute %q", v.bad[0])
	}
	if cfg.Codec, err = codec.ByName(codecName); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// attrReader reads coerced attributes, recording any that do not hold
// the expected type.
type attrReader struct {
	attrs map[string]interface{}
	bad   []string
}

func (r *attrReader) str(name string) string {
	v, ok := r.attrs[name].(string)
	if !ok {
		r.bad = append(r.bad, name)
	}
	return v
}

func (r *attrReader) dur(name string) time.Duration {
	v, ok := r.attrs[name].(time.Duration)
	if !ok {
		r.bad = append(r.bad, name)
	}
	return v
}

func (r *attrReader) num(name string) int {
	v, ok := r.attrs[name].(int)
	if !ok {
		r.bad = append(r.bad, name)
	}
	return v
}

func (r *attrReader) flag(name string) bool {
	v, ok := r.attrs[name].(bool)
	if !ok {
		r.bad = append(r.bad, name)
	}
	return v
}

// Parse reads a YAML document of attributes.
func Parse(data []byte) (Config, error) {
	var attrs map[string]interface{}
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	return New(attrs)
}

// ReadFile reads the YAML config at path.
func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "reading %s", path)
}

// Validate returns an error if any setting is out of range.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.NotValidf("empty %s", URLKey)
	}
	if c.CallTimeout <= 0 {
		return errors.NotValidf("non-positive %s", CallTimeoutKey)
	}
	if c.Prefetch <= 0 {
		return errors.NotValidf("non-positive %s", PrefetchKey)
	}
	if c.RetryDelay <= 0 {
		return errors.NotValidf("non-positive %s", RetryDelayKey)
	}
	if c.MaxRetryDelay < 0 {
		return errors.NotValidf("negative %s", MaxRetryDelayKey)
	}
	if c.MaxRetryAttempts < 0 {
		return errors.NotValidf("negative %s", MaxRetryAttemptsKey)
	}
	if c.ChannelRetryDelay < 0 {
		return errors.NotValidf("negative %s", ChannelRetryDelayKey)
	}
	if c.Codec == nil {
		return errors.NotValidf("missing %s", CodecKey)
	}
	return nil
}

// Attrs returns the configuration as attributes accepted by New.
func (c Config) Attrs() map[string]interface{} {
	return map[string]interface{}{
		URLKey:               c.URL,
		CallTimeoutKey:       c.CallTimeout.String(),
		PrefetchKey:          c.Prefetch,
		ConfirmRepliesKey:    c.ConfirmReplies,
		RetryDelayKey:        c.RetryDelay.String(),
		MaxRetryDelayKey:     c.MaxRetryDelay.String(),
		MaxRetryAttemptsKey:  c.MaxRetryAttempts,
		ChannelRetryDelayKey: c.ChannelRetryDelay.String(),
		CodecKey:             c.Codec.Name(),
		LoggingConfigKey:     c.LoggingConfig,
	}
}
