// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package normalize

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/tidwall/gjson"
)

// Keys used for XML elements that carry attributes
const (
	XMLAttributesKey = "$"
	XMLTextKey       = "_"
)

// ParseJSON decodes a JSON document. Objects become *Object, arrays
// []interface{}, numbers json.Number.
func ParseJSON(data []byte) (interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 || !gjson.ValidBytes(data) {
		return nil, errors.ErrBadPayload
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) interface{} {
	switch {
	case r.IsObject():
		obj := NewObject()
		r.ForEach(func(key, value gjson.Result) bool {
			obj.Set(key.String(), fromResult(value))
			return true
		})
		return obj
	case r.IsArray():
		list := make([]interface{}, 0)
		r.ForEach(func(_, value gjson.Result) bool {
			list = append(list, fromResult(value))
			return true
		})
		return list
	}
	switch r.Type {
	case gjson.String:
		return r.String()
	case gjson.Number:
		return json.Number(r.Raw)
	case gjson.True:
		return true
	case gjson.False:
		return false
	}
	return nil
}

type xmlFrame struct {
	name string
	obj  *Object
	text strings.Builder
}

func (f *xmlFrame) value() interface{} {
	text := strings.TrimSpace(f.text.String())
	if f.obj.Len() == 0 {
		return text
	}
	if text != "" {
		f.obj.Set(XMLTextKey, text)
	}
	return f.obj
}

// ParseXML decodes an XML document into an Object keyed by local element
// names, so namespace prefixes do not matter to lookups. Attributes go under
// XMLAttributesKey, the text of an element with attributes under XMLTextKey.
func ParseXML(data []byte) (*Object, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var stack []*xmlFrame
	var root *Object
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrBadPayload, err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			frame := &xmlFrame{name: t.Name.Local, obj: NewObject()}
			var attrs *Object
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
					continue
				}
				if attrs == nil {
					attrs = NewObject()
				}
				attrs.Set(attr.Name.Local, attr.Value)
			}
			if attrs != nil {
				frame.obj.Set(XMLAttributesKey, attrs)
			}
			stack = append(stack, frame)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			frame := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				root = NewObject()
				root.Set(frame.name, frame.value())
				continue
			}
			stack[len(stack)-1].obj.Add(frame.name, frame.value())
		}
	}
	if root == nil {
		return nil, errors.ErrBadPayload
	}
	return root, nil
}

// Find looks up the first value stored under key in a decoded payload. Lists
// are descended through their first element, objects in key order. The search
// stops MaxSearchDepth levels deep.
func Find(payload interface{}, key string) (interface{}, bool) {
	return find(payload, key, 0)
}

// MaxSearchDepth bounds the recursion of Find
const MaxSearchDepth = 16

func find(payload interface{}, key string, depth int) (interface{}, bool) {
	if depth >= MaxSearchDepth {
		return nil, false
	}
	switch p := payload.(type) {
	case []interface{}:
		if len(p) == 0 {
			return nil, false
		}
		return find(p[0], key, depth+1)
	case *Object:
		if v, ok := p.Get(key); ok {
			return v, true
		}
		for _, k := range p.Keys() {
			v, _ := p.Get(k)
			if found, ok := find(v, key, depth+1); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// Text unwraps a value found in a decoded payload into its text: lists
// through their first element, XML elements with attributes through their
// text. A present but empty value is the empty string.
func Text(value interface{}) string {
	for depth := 0; depth < MaxSearchDepth; depth++ {
		switch v := value.(type) {
		case []interface{}:
			if len(v) == 0 {
				return ""
			}
			value = v[0]
			continue
		case *Object:
			text, ok := v.Get(XMLTextKey)
			if !ok {
				return ""
			}
			value = text
			continue
		case string:
			return v
		case json.Number:
			return v.String()
		case nil:
			return ""
		}
		b, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return ""
}
