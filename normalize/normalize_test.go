// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package normalize

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/types"
	. "github.com/smartystreets/goconvey/convey"
)

func names(measurements []types.Measurement) []string {
	out := make([]string, len(measurements))
	for i, m := range measurements {
		out[i] = m.Name
	}
	return out
}

func TestGuessType(t *testing.T) {
	Convey("Given a device with a declared attribute", t, func() {
		device := &types.Device{ID: "dev", Active: []types.Attribute{{Name: "temperature", Type: "Number"}}}
		Convey("The declared type should be used", func() {
			So(GuessType("temperature", device), ShouldEqual, "Number")
		})
		Convey("The timestamp attribute should get the timestamp type", func() {
			So(GuessType(types.TimestampAttribute, device), ShouldEqual, types.TimestampType)
		})
		Convey("Unknown attributes should default to string", func() {
			So(GuessType("humidity", device), ShouldEqual, "string")
			So(GuessType("humidity", nil), ShouldEqual, "string")
		})
	})
}

func TestExtractJSON(t *testing.T) {
	Convey("Given a device without declared attributes", t, func() {
		device := &types.Device{ID: "dev"}

		Convey("When extracting an object", func() {
			groups, err := ExtractJSON(device, []byte(`{"t":"10","h":"20"}`))
			Convey("There should be one group with the keys in order", func() {
				So(err, ShouldBeNil)
				So(groups, ShouldHaveLength, 1)
				So(groups[0], ShouldResemble, []types.Measurement{
					{Name: "t", Type: "string", Value: "10"},
					{Name: "h", Type: "string", Value: "20"},
				})
			})
		})

		Convey("When extracting an object with many keys", func() {
			keys := []string{"z", "a", "m", "b", "y", "c", "x", "d"}
			var parts []string
			for i, k := range keys {
				parts = append(parts, `"`+k+`":`+string(rune('0'+i)))
			}
			groups, err := ExtractJSON(device, []byte("{"+strings.Join(parts, ",")+"}"))
			Convey("The order of the document should be kept", func() {
				So(err, ShouldBeNil)
				So(names(groups[0]), ShouldResemble, keys)
			})
			Convey("Numbers should be kept as numbers", func() {
				So(groups[0][0].Value, ShouldEqual, json.Number("0"))
			})
		})

		Convey("When extracting an array of objects", func() {
			groups, err := ExtractJSON(device, []byte(`[{"a":1},{"b":2,"c":{"d":true}}]`))
			Convey("There should be one group per element", func() {
				So(err, ShouldBeNil)
				So(groups, ShouldHaveLength, 2)
				So(names(groups[1]), ShouldResemble, []string{"b", "c"})
				So(groups[1][1].Value, ShouldResemble, map[string]interface{}{"d": true})
			})
		})

		Convey("When extracting invalid JSON", func() {
			_, err := ExtractJSON(device, []byte(`{"a":`))
			Convey("There should be a bad payload error", func() {
				So(errors.IsClient(err), ShouldBeTrue)
			})
		})

		Convey("When extracting a bare value", func() {
			_, err := ExtractJSON(device, []byte(`"23.5"`))
			Convey("There should be a bad payload error", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestEntities(t *testing.T) {
	Convey("Given an NGSI shaped payload", t, func() {
		device := &types.Device{ID: "dev"}
		payload, err := ParseJSON([]byte(`{"entities":[{"id":"dev","type":"Thing","temperature":{"type":"Number","value":21},"state":"on"}]}`))
		So(err, ShouldBeNil)
		obj := payload.(*Object)
		So(IsEntity(obj), ShouldBeTrue)

		Convey("When extracting the entities", func() {
			groups, err := ExtractEntities(device, obj)
			Convey("The attributes should be flattened", func() {
				So(err, ShouldBeNil)
				So(groups, ShouldHaveLength, 1)
				So(groups[0], ShouldResemble, []types.Measurement{
					{Name: "temperature", Type: "Number", Value: json.Number("21")},
					{Name: "state", Type: "string", Value: "on"},
				})
			})
		})
	})
}

func TestStampTimestamp(t *testing.T) {
	Convey("Given measurements", t, func() {
		measurements := []types.Measurement{{Name: "t", Type: "string", Value: "10"}}

		Convey("When stamping a timestamp", func() {
			stamped := StampTimestamp(measurements, "2017-01-01T00:00:00Z")
			Convey("It should be appended", func() {
				So(stamped, ShouldHaveLength, 2)
				So(stamped[1].Name, ShouldEqual, types.TimestampAttribute)
				So(stamped[1].Type, ShouldEqual, types.TimestampType)
			})
			Convey("When stamping again", func() {
				stamped = StampTimestamp(stamped, "2018-01-01T00:00:00Z")
				Convey("It should be overwritten", func() {
					So(stamped, ShouldHaveLength, 2)
					So(stamped[1].Value, ShouldEqual, "2018-01-01T00:00:00Z")
				})
			})
		})

		Convey("When stamping an empty timestamp", func() {
			stamped := StampTimestamp(measurements, "")
			Convey("Nothing should change", func() {
				So(stamped, ShouldHaveLength, 1)
			})
		})
	})
}

func TestXML(t *testing.T) {
	Convey("Given a SOAP document with prefixes", t, func() {
		doc := `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:m="urn:test">
  <soap:Body>
    <m:Measure unit="C">23.5</m:Measure>
    <m:customer>Value1234</m:customer>
    <m:empty></m:empty>
  </soap:Body>
</soap:Envelope>`
		obj, err := ParseXML([]byte(doc))
		So(err, ShouldBeNil)

		Convey("Elements should be found without their prefix", func() {
			v, ok := Find(obj, "customer")
			So(ok, ShouldBeTrue)
			So(Text(v), ShouldEqual, "Value1234")
		})
		Convey("Elements with attributes should unwrap to their text", func() {
			v, ok := Find(obj, "Measure")
			So(ok, ShouldBeTrue)
			So(Text(v), ShouldEqual, "23.5")
		})
		Convey("Empty elements should be found as empty text", func() {
			v, ok := Find(obj, "empty")
			So(ok, ShouldBeTrue)
			So(Text(v), ShouldEqual, "")
		})
		Convey("Absent elements should not be found", func() {
			_, ok := Find(obj, "missing")
			So(ok, ShouldBeFalse)
		})
	})

	Convey("Given invalid XML", t, func() {
		_, err := ParseXML([]byte(`<a><b></a>`))
		So(err, ShouldNotBeNil)
	})
}

func nested(depth int) string {
	doc := `{"field":"deep"}`
	for i := 1; i < depth; i++ {
		doc = `{"level":` + doc + `}`
	}
	return doc
}

func TestFind(t *testing.T) {
	Convey("Given nested payloads", t, func() {
		Convey("A field at depth 16 should be found", func() {
			payload, err := ParseJSON([]byte(nested(16)))
			So(err, ShouldBeNil)
			v, ok := Find(payload, "field")
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, "deep")
		})
		Convey("A field at depth 17 should not be found", func() {
			payload, err := ParseJSON([]byte(nested(17)))
			So(err, ShouldBeNil)
			_, ok := Find(payload, "field")
			So(ok, ShouldBeFalse)
		})
		Convey("Arrays should be descended through their first element", func() {
			payload, err := ParseJSON([]byte(`[[{"field":["a","b"]}],{"field":"c"}]`))
			So(err, ShouldBeNil)
			v, ok := Find(payload, "field")
			So(ok, ShouldBeTrue)
			So(Text(v), ShouldEqual, "a")
		})
	})
}
