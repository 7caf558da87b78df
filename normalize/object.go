// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package normalize

import (
	"bytes"
	"encoding/json"
)

// Object is a decoded payload object that keeps its keys in document order
type Object struct {
	keys   []string
	values map[string]interface{}
}

// NewObject returns an empty Object
func NewObject() *Object {
	return &Object{values: make(map[string]interface{})}
}

// Set a key, appending it to the key order if it is new
func (o *Object) Set(key string, value interface{}) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Add a key; adding an existing key turns its value into a list
func (o *Object) Add(key string, value interface{}) {
	existing, ok := o.values[key]
	if !ok {
		o.Set(key, value)
		return
	}
	if list, ok := existing.([]interface{}); ok {
		o.values[key] = append(list, value)
		return
	}
	o.values[key] = []interface{}{existing, value}
}

// Get a key
func (o *Object) Get(key string) (interface{}, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Keys in document order
func (o *Object) Keys() []string {
	return o.keys
}

// Len returns the number of keys
func (o *Object) Len() int {
	return len(o.keys)
}

// Interface converts the Object into plain maps and slices
func (o *Object) Interface() map[string]interface{} {
	out := make(map[string]interface{}, len(o.keys))
	for _, k := range o.keys {
		out[k] = Plain(o.values[k])
	}
	return out
}

// MarshalJSON writes the keys in document order
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Plain converts Objects nested anywhere in v into plain maps
func Plain(v interface{}) interface{} {
	switch v := v.(type) {
	case *Object:
		return v.Interface()
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = Plain(e)
		}
		return out
	}
	return v
}
