// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package configuration relays configuration requests from devices to the
// device service and pushes the answers back to the device.
package configuration

import (
	"time"

	"github.com/TheThingsNetwork/device-gateway/device"
	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/status"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
)

// Request types
const (
	TypeConfiguration = "configuration"
	TypeSubscription  = "subscription"
)

// TimestampField is added to every configuration push
const TimestampField = "dt"

// TimestampFormat of TimestampField
const TimestampFormat = "20060102T150405Z"

// Sender delivers configuration pushes to the transport of a device
type Sender interface {
	SendConfiguration(push *types.ConfigurationPush) error
}

// Relay handles configuration and subscription requests
type Relay struct {
	ctx     log.Interface
	service device.Interface
	sender  Sender
	now     func() time.Time
}

// New returns a new Relay
func New(ctx log.Interface, service device.Interface, sender Sender) *Relay {
	return &Relay{
		ctx:     ctx.WithField("Component", "Configuration"),
		service: service,
		sender:  sender,
		now:     time.Now,
	}
}

// Request from a device
type Request struct {
	Type   string
	Fields []string
}

// ParseRequest decodes a request of the form {"type": "...", "fields": [...]}
func ParseRequest(payload []byte) (*Request, error) {
	decoded, err := normalize.ParseJSON(payload)
	if err != nil {
		return nil, err
	}
	obj, ok := decoded.(*normalize.Object)
	if !ok {
		return nil, errors.ErrBadPayload
	}
	req := new(Request)
	if t, ok := obj.Get("type"); ok {
		req.Type, _ = t.(string)
	}
	if fields, ok := obj.Get("fields"); ok {
		list, ok := fields.([]interface{})
		if !ok {
			return nil, errors.ErrBadPayload
		}
		for _, field := range list {
			req.Fields = append(req.Fields, normalize.Text(field))
		}
	}
	return req, nil
}

// Handle a request payload from a device
func (r *Relay) Handle(dev *types.Device, apiKey string, payload []byte) error {
	req, err := ParseRequest(payload)
	if err != nil {
		return err
	}
	ctx := r.ctx.WithFields(log.Fields{"DeviceID": dev.ID, "Type": req.Type, "Fields": req.Fields})
	switch req.Type {
	case TypeConfiguration:
		values, err := r.service.Query(dev, req.Fields)
		if err != nil {
			return errors.Downstream(err, "could not query configuration of %s", dev.ID)
		}
		ctx.Debug("Handled configuration request")
		return r.Notify(dev, apiKey, values)
	case TypeSubscription:
		subscriber, ok := r.service.(device.Subscriber)
		if !ok {
			return errors.ErrUnsupportedRequest
		}
		if err := subscriber.Subscribe(dev, req.Fields); err != nil {
			return errors.Downstream(err, "could not subscribe %s", dev.ID)
		}
		ctx.Debug("Handled subscription request")
		return nil
	}
	return errors.ErrUnsupportedRequest
}

// Notify pushes values to a device through the transport it is bound to
func (r *Relay) Notify(dev *types.Device, apiKey string, values []types.Measurement) error {
	push := &types.ConfigurationPush{
		APIKey:   apiKey,
		DeviceID: dev.ID,
		Device:   dev,
		Values:   make(map[string]interface{}, len(values)+1),
	}
	for _, value := range values {
		push.Values[value.Name] = value.Value
	}
	push.Values[TimestampField] = r.now().UTC().Format(TimestampFormat)
	if err := r.sender.SendConfiguration(push); err != nil {
		return err
	}
	status.Configuration()
	return nil
}
