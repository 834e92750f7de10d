// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package codec

import (
	"reflect"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// BSON is the default codec.
var BSON Codec = bsonCodec{}

type bsonCodec struct{}

func (bsonCodec) Name() string { return "bson" }

func (bsonCodec) ContentType() string { return "application/bson" }

func (bsonCodec) Encode(v interface{}) ([]byte, error) {
	data, err := bson.Marshal(v)
	return data, errors.Trace(err)
}

func (bsonCodec) Decode(data []byte, v interface{}) error {
	if err := bson.Unmarshal(data, v); err != nil {
		return errors.Trace(err)
	}
	normalizeValue(reflect.ValueOf(v))
	return nil
}
