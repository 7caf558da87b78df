// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package normalize turns raw payloads into canonical measurements.
package normalize

import (
	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/types"
)

// GuessType returns the declared type of the attribute on the device, the
// timestamp type for the reserved timestamp attribute, or the default type
func GuessType(name string, device *types.Device) string {
	if device != nil {
		if attr, ok := device.ActiveAttribute(name); ok && attr.Type != "" {
			return attr.Type
		}
	}
	if name == types.TimestampAttribute {
		return types.TimestampType
	}
	return types.DefaultAttributeType
}

// ExtractMeasurements returns one measurement per key of the payload object,
// in key order
func ExtractMeasurements(device *types.Device, payload *Object) []types.Measurement {
	if payload == nil {
		return nil
	}
	measurements := make([]types.Measurement, 0, payload.Len())
	for _, name := range payload.Keys() {
		value, _ := payload.Get(name)
		measurements = append(measurements, types.Measurement{
			Name:  name,
			Type:  GuessType(name, device),
			Value: Plain(value),
		})
	}
	return measurements
}

// SingleMeasurement returns the measurement for a single attribute whose name
// comes from the transport address
func SingleMeasurement(device *types.Device, name string, value interface{}) []types.Measurement {
	return []types.Measurement{{
		Name:  name,
		Type:  GuessType(name, device),
		Value: value,
	}}
}

// ExtractJSON decodes a JSON payload into measurement groups: one group for an
// object, one group per object element for a list. Anything else is a bad
// payload.
func ExtractJSON(device *types.Device, data []byte) ([][]types.Measurement, error) {
	payload, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	return ExtractGroups(device, payload)
}

// ExtractGroups turns a decoded JSON payload into measurement groups
func ExtractGroups(device *types.Device, payload interface{}) ([][]types.Measurement, error) {
	switch p := payload.(type) {
	case *Object:
		return [][]types.Measurement{ExtractMeasurements(device, p)}, nil
	case []interface{}:
		groups := make([][]types.Measurement, 0, len(p))
		for _, element := range p {
			obj, ok := element.(*Object)
			if !ok {
				return nil, errors.ErrBadPayload
			}
			groups = append(groups, ExtractMeasurements(device, obj))
		}
		return groups, nil
	}
	return nil, errors.ErrBadPayload
}

// ExtractEntity flattens an NGSI shaped entity. The id and type keys describe
// the entity itself; attribute objects with a value contribute that value and
// their declared type.
func ExtractEntity(device *types.Device, entity *Object) []types.Measurement {
	measurements := make([]types.Measurement, 0, entity.Len())
	for _, name := range entity.Keys() {
		if name == "id" || name == "type" || name == "@context" {
			continue
		}
		value, _ := entity.Get(name)
		measurement := types.Measurement{Name: name, Type: GuessType(name, device)}
		if attr, ok := value.(*Object); ok {
			if v, ok := attr.Get("value"); ok {
				value = v
				if t, ok := attr.Get("type"); ok {
					if t, ok := t.(string); ok && t != "" {
						measurement.Type = t
					}
				}
			}
		}
		measurement.Value = Plain(value)
		measurements = append(measurements, measurement)
	}
	return measurements
}

// IsEntity returns true if the object looks like an NGSI entity or a list of them
func IsEntity(obj *Object) bool {
	if _, ok := obj.Get("entities"); ok {
		return true
	}
	_, hasID := obj.Get("id")
	_, hasType := obj.Get("type")
	return hasID && hasType
}

// ExtractEntities returns one measurement group per entity of an NGSI shaped payload
func ExtractEntities(device *types.Device, obj *Object) ([][]types.Measurement, error) {
	entities, ok := obj.Get("entities")
	if !ok {
		return [][]types.Measurement{ExtractEntity(device, obj)}, nil
	}
	list, ok := entities.([]interface{})
	if !ok {
		return nil, errors.ErrBadPayload
	}
	groups := make([][]types.Measurement, 0, len(list))
	for _, element := range list {
		entity, ok := element.(*Object)
		if !ok {
			return nil, errors.ErrBadPayload
		}
		groups = append(groups, ExtractEntity(device, entity))
	}
	return groups, nil
}

// StampTimestamp sets the reserved timestamp attribute on the measurements,
// replacing a timestamp that is already there
func StampTimestamp(measurements []types.Measurement, timestamp string) []types.Measurement {
	if timestamp == "" {
		return measurements
	}
	stamp := types.Measurement{
		Name:  types.TimestampAttribute,
		Type:  types.TimestampType,
		Value: timestamp,
	}
	for i, m := range measurements {
		if m.Name == types.TimestampAttribute {
			measurements[i] = stamp
			return measurements
		}
	}
	return append(measurements, stamp)
}
