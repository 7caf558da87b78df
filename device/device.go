// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package device contains the device service the gateway submits measurements
// to and looks devices up in.
package device

import (
	"github.com/TheThingsNetwork/device-gateway/types"
)

// Interface for the device service
type Interface interface {
	// LookupDeviceByKey returns the device with the given ID that is reachable
	// with the API key. It returns errors.ErrDeviceNotFound if there is none.
	LookupDeviceByKey(apiKey, deviceID string) (*types.Device, error)

	// LookupDeviceByAttribute returns the devices that have a static attribute
	// or last measurement with the given value
	LookupDeviceByAttribute(name, value string) ([]*types.Device, error)

	// ResolveAPIKey returns the API key of the group a device belongs to
	ResolveAPIKey(service, subservice string) (string, error)

	SubmitMeasurement(device *types.Device, measurements []types.Measurement) error

	// Query returns the current values of the requested fields. Unknown fields
	// are left out.
	Query(device *types.Device, fields []string) ([]types.Measurement, error)

	RecordCommandResult(device *types.Device, command string, value interface{}) error
}

// Subscriber is implemented by services that accept subscription requests
// from devices
type Subscriber interface {
	Subscribe(device *types.Device, fields []string) error
}

// Events receives provisioning events for devices that are added to or
// changed in a service
type Events interface {
	ProvisionDevice(device *types.Device) error
	UpdateDevice(device *types.Device) error
}

// Forgetter drops the state it keeps for a device that was deleted
type Forgetter interface {
	Forget(deviceID string)
}

// CommandRequest asks the gateway to execute commands on a device
type CommandRequest struct {
	APIKey   string            `json:"apikey"`
	DeviceID string            `json:"device_id"`
	Commands []types.Attribute `json:"commands"`
}
