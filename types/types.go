// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"github.com/google/uuid"
)

// Transport protocol tags
const (
	TransportMQTT = "MQTT"
	TransportAMQP = "AMQP"
	TransportHTTP = "HTTP"
	TransportARGO = "ARGO"
)

// Reserved timestamp attribute
const (
	TimestampAttribute = "TimeInstant"
	TimestampType      = "DateTime"
)

// DefaultAttributeType is used for attributes that are not declared on the device
const DefaultAttributeType = "string"

// Attribute declared on a device
type Attribute struct {
	Name     string      `json:"name" yaml:"name"`
	Type     string      `json:"type" yaml:"type"`
	ObjectID string      `json:"object_id,omitempty" yaml:"object_id,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Command declared on a device
type Command struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Expression  string `json:"expression,omitempty" yaml:"expression,omitempty"`
	PayloadType string `json:"payloadType,omitempty" yaml:"payloadType,omitempty"`
	ContentType string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
}

// Device as known by the device service. The gateway treats it as read-only,
// except for provisioning handlers that may fill in transport specific fields.
type Device struct {
	ID               string      `json:"id" yaml:"id"`
	Name             string      `json:"name,omitempty" yaml:"name,omitempty"`
	Type             string      `json:"type,omitempty" yaml:"type,omitempty"`
	Service          string      `json:"service,omitempty" yaml:"service,omitempty"`
	Subservice       string      `json:"subservice,omitempty" yaml:"subservice,omitempty"`
	APIKey           string      `json:"apikey,omitempty" yaml:"apikey,omitempty"`
	Transport        string      `json:"transport,omitempty" yaml:"transport,omitempty"`
	Endpoint         string      `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Polling          bool        `json:"polling,omitempty" yaml:"polling,omitempty"`
	Active           []Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Commands         []Command   `json:"commands,omitempty" yaml:"commands,omitempty"`
	StaticAttributes []Attribute `json:"static_attributes,omitempty" yaml:"static_attributes,omitempty"`
}

// TransportOrDefault returns the transport the device is bound to
func (d *Device) TransportOrDefault(defaultTransport string) string {
	if d.Transport != "" {
		return d.Transport
	}
	return defaultTransport
}

// ActiveAttribute returns the declared attribute with the given name
func (d *Device) ActiveAttribute(name string) (Attribute, bool) {
	for _, attr := range d.Active {
		if attr.Name == name {
			return attr, true
		}
	}
	return Attribute{}, false
}

// Command returns the declared command with the given name
func (d *Device) Command(name string) (Command, bool) {
	for _, cmd := range d.Commands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return Command{}, false
}

// Measurement is a single canonical (name, type, value) triple
type Measurement struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// CommandExecution is the request to deliver one command to one device
type CommandExecution struct {
	ID          string
	APIKey      string
	Device      *Device
	Command     string
	Payload     []byte
	ContentType string
}

// NewCommandExecution returns a CommandExecution with a fresh ID
func NewCommandExecution(apiKey string, device *Device, command string, payload []byte, contentType string) *CommandExecution {
	return &CommandExecution{
		ID:          uuid.New().String(),
		APIKey:      apiKey,
		Device:      device,
		Command:     command,
		Payload:     payload,
		ContentType: contentType,
	}
}

// ConfigurationPush carries configuration values back to a device
type ConfigurationPush struct {
	APIKey   string
	DeviceID string
	Device   *Device
	Values   map[string]interface{}
}
