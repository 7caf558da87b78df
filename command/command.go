// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package command turns command attributes from the device service into
// serialized command executions and dispatches them to the device transport.
package command

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/TheThingsNetwork/device-gateway/device"
	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/exchange"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/ratelimit"
	"github.com/TheThingsNetwork/device-gateway/status"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
)

// Payload types a command can declare
const (
	PayloadBinaryFromString = "binaryfromstring"
	PayloadBinaryFromHex    = "binaryfromhex"
	PayloadBinaryFromJSON   = "binaryfromjson"
	PayloadJSON             = "json"
)

// Content types of serialized payloads
const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

// Evaluator evaluates command expressions. The context holds the static
// attributes of the device and the triggering command attribute.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (interface{}, error)
}

// Executor builds and dispatches command executions
type Executor struct {
	ctx           log.Interface
	exchange      *exchange.Exchange
	service       device.Interface
	evaluator     Evaluator
	defaultAPIKey string
	limit         *ratelimit.RateLimit
}

// New returns a new Executor. The evaluator may be nil if no device declares
// command expressions.
func New(ctx log.Interface, e *exchange.Exchange, service device.Interface, evaluator Evaluator, defaultAPIKey string) *Executor {
	return &Executor{
		ctx:           ctx.WithField("Component", "Command"),
		exchange:      e,
		service:       service,
		evaluator:     evaluator,
		defaultAPIKey: defaultAPIKey,
	}
}

// WithRateLimit limits the commands per device
func (e *Executor) WithRateLimit(limit *ratelimit.RateLimit) *Executor {
	e.limit = limit
	return e
}

// Payload computes the command payload: the result of the command expression
// if the device declares one, the object {name: value} otherwise
func Payload(dev *types.Device, attribute types.Attribute, evaluator Evaluator) (interface{}, error) {
	cmd, ok := dev.Command(attribute.Name)
	if !ok || cmd.Expression == "" {
		return map[string]interface{}{attribute.Name: attribute.Value}, nil
	}
	if evaluator == nil {
		return nil, fmt.Errorf("command: no evaluator for expression of %s", attribute.Name)
	}
	context := make(map[string]interface{}, len(dev.StaticAttributes)+1)
	for _, attr := range dev.StaticAttributes {
		context[attr.Name] = attr.Value
	}
	context[attribute.Name] = attribute.Value
	return evaluator.Evaluate(cmd.Expression, context)
}

// PayloadType returns the payload type of the command. Commands of AMQP
// devices without a payload type are sent as binary JSON.
func PayloadType(dev *types.Device, name, defaultTransport string) string {
	if cmd, ok := dev.Command(name); ok && cmd.PayloadType != "" {
		return cmd.PayloadType
	}
	if dev.TransportOrDefault(defaultTransport) == types.TransportAMQP {
		return PayloadBinaryFromJSON
	}
	return PayloadJSON
}

// text returns the string a binary payload is built from: a string payload
// itself, or the value of a single-valued object
func payloadText(payload interface{}) (string, bool) {
	switch p := payload.(type) {
	case string:
		return p, true
	case map[string]interface{}:
		if len(p) == 1 {
			for _, v := range p {
				return normalize.Text(v), true
			}
		}
		return "", false
	case nil:
		return "", false
	}
	return normalize.Text(payload), true
}

// Serialize the payload according to the payload type
func Serialize(payload interface{}, payloadType string) ([]byte, string, error) {
	switch payloadType {
	case PayloadBinaryFromString:
		s, ok := payloadText(payload)
		if !ok {
			return nil, "", errors.ErrBadPayload
		}
		return []byte(s), ContentTypeBinary, nil
	case PayloadBinaryFromHex:
		s, ok := payloadText(payload)
		if !ok {
			return nil, "", errors.ErrBadPayload
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, "", errors.Wrap(errors.ErrBadPayload, err)
		}
		return b, ContentTypeBinary, nil
	case PayloadBinaryFromJSON:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", errors.Wrap(errors.ErrBadPayload, err)
		}
		return b, ContentTypeBinary, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrBadPayload, err)
	}
	return b, ContentTypeJSON, nil
}

// APIKey returns the key commands for the device are sent with: the given
// key, the key of the device, the key of its group or the default key
func (e *Executor) APIKey(apiKey string, dev *types.Device) string {
	if apiKey != "" {
		return apiKey
	}
	if dev.APIKey != "" {
		return dev.APIKey
	}
	if e.service != nil {
		if groupAPIKey, err := e.service.ResolveAPIKey(dev.Service, dev.Subservice); err == nil && groupAPIKey != "" {
			return groupAPIKey
		}
	}
	return e.defaultAPIKey
}

// BuildExecutions prepares the command executions of the attribute on the
// bindings of the device transport
func (e *Executor) BuildExecutions(apiKey string, dev *types.Device, attribute types.Attribute) ([]exchange.Execution, error) {
	payload, err := Payload(dev, attribute, e.evaluator)
	if err != nil {
		return nil, err
	}
	transport := dev.TransportOrDefault(e.exchange.DefaultTransport())
	serialized, contentType, err := Serialize(payload, PayloadType(dev, attribute.Name, e.exchange.DefaultTransport()))
	if err != nil {
		return nil, err
	}
	if cmd, ok := dev.Command(attribute.Name); ok && cmd.ContentType != "" {
		contentType = cmd.ContentType
	}
	execution := types.NewCommandExecution(e.APIKey(apiKey, dev), dev, attribute.Name, serialized, contentType)
	executions := e.exchange.BuildExecutions(exchange.Args{Command: execution}, exchange.ExecuteCommand, transport)
	if len(executions) == 0 {
		return nil, errors.ErrBindingNotFound
	}
	return executions, nil
}

// Execute builds and runs the command executions of the attribute
func (e *Executor) Execute(apiKey string, dev *types.Device, attribute types.Attribute) error {
	ctx := e.ctx.WithFields(log.Fields{"DeviceID": dev.ID, "Command": attribute.Name})
	if e.limit != nil {
		if err := e.limit.HandleCommand(dev.ID); err != nil {
			ctx.WithError(err).Warn("Dropped command")
			return err
		}
	}
	executions, err := e.BuildExecutions(apiKey, dev, attribute)
	if err != nil {
		ctx.WithError(err).Warn("Could not build command")
		return err
	}
	if err := exchange.Run(executions); err != nil {
		ctx.WithError(err).Warn("Could not execute command")
		return err
	}
	status.Command()
	ctx.Debug("Executed command")
	return nil
}

// ExecuteAll executes the attributes in order, stopping at the first error
func (e *Executor) ExecuteAll(apiKey string, dev *types.Device, attributes []types.Attribute) error {
	for _, attribute := range attributes {
		if err := e.Execute(apiKey, dev, attribute); err != nil {
			return err
		}
	}
	return nil
}

// Serve executes the command requests until the channel is closed
func (e *Executor) Serve(requests <-chan *device.CommandRequest) {
	for request := range requests {
		e.Handle(request)
	}
}

// Handle looks up the device of a command request and executes its commands
func (e *Executor) Handle(request *device.CommandRequest) error {
	dev, err := e.service.LookupDeviceByKey(request.APIKey, request.DeviceID)
	if err != nil {
		e.ctx.WithError(err).WithField("DeviceID", request.DeviceID).Warn("Could not find device for command request")
		return err
	}
	return e.ExecuteAll(request.APIKey, dev, request.Commands)
}
