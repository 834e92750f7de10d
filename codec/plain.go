// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package codec

import (
	"encoding/json"
	"reflect"

	"github.com/juju/mgo/v3/bson"
)

// normalizeValue walks the decoded value and replaces bson specific
// containers held in interface{} slots with plain maps and slices.
func normalizeValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			normalizeValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				normalizeValue(f)
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			normalizeValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.Interface {
			return
		}
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if !elem.IsNil() {
				v.SetMapIndex(key, reflect.ValueOf(Plain(elem.Interface())))
			}
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() {
			v.Set(reflect.ValueOf(Plain(v.Interface())))
		}
	}
}

// Plain converts bson documents found in v, at any depth, to
// map[string]interface{} and bson arrays to []interface{}. JSON numbers
// become int or float64.
func Plain(v interface{}) interface{} {
	switch v := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = Plain(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = Plain(elem)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(v))
		for _, elem := range v {
			out[elem.Name] = Plain(elem.Value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = Plain(elem)
		}
		return out
	case json.Number:
		return plainNumber(v)
	}
	return v
}
