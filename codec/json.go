// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package codec

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/juju/errors"
)

// JSON is a codec for peers that cannot speak BSON.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Trace(err)
}

// Decode keeps integers as int rather than float64, so that values
// round trip the same way through both codecs.
func (jsonCodec) Decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Trace(err)
	}
	normalizeValue(reflect.ValueOf(v))
	return nil
}

func plainNumber(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
