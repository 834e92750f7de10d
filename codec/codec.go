// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package codec converts rpc envelopes to and from message bodies.
package codec

import (
	"sort"

	"github.com/juju/errors"
)

// Codec encodes and decodes message bodies.
type Codec interface {
	// Name is the short name used in configuration, e.g. "bson".
	Name() string

	// ContentType is the MIME type stamped on every message produced
	// by the codec.
	ContentType() string

	// Encode serialises v.
	Encode(v interface{}) ([]byte, error)

	// Decode deserialises data into v, which must be a pointer.
	// Documents held in interface{} values are returned as
	// map[string]interface{} and arrays as []interface{}, whatever the
	// underlying format.
	Decode(data []byte, v interface{}) error
}

var codecs = []Codec{BSON, JSON}

// ByName returns the codec with the given name.
func ByName(name string) (Codec, error) {
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, errors.NotFoundf("codec %q", name)
}

// ForContentType returns the codec producing the given content type.
func ForContentType(contentType string) (Codec, bool) {
	for _, c := range codecs {
		if c.ContentType() == contentType {
			return c, true
		}
	}
	return nil, false
}

// Names returns the names of all known codecs, sorted.
func Names() []string {
	names := make([]string, len(codecs))
	for i, c := range codecs {
		names[i] = c.Name()
	}
	sort.Strings(names)
	return names
}
