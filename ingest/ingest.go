// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package ingest handles the inbound device traffic that all bindings share:
// resolve the API key, look up the device, normalize and submit.
package ingest

import (
	"github.com/TheThingsNetwork/device-gateway/apikey"
	"github.com/TheThingsNetwork/device-gateway/configuration"
	"github.com/TheThingsNetwork/device-gateway/device"
	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/ratelimit"
	"github.com/TheThingsNetwork/device-gateway/status"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
)

// Kind of inbound message
type Kind int

// Inbound message kinds
const (
	Measures Kind = iota
	Measure
	Configuration
	CommandResult
)

func (k Kind) String() string {
	switch k {
	case Measures:
		return "measures"
	case Measure:
		return "measure"
	case Configuration:
		return "configuration"
	case CommandResult:
		return "cmdexe"
	}
	return "unknown"
}

// Address suffixes
const (
	SuffixAttributes    = "attrs"
	SuffixConfiguration = "configuration"
	SuffixCommands      = "commands"
	SuffixCommandResult = "cmdexe"
	SuffixCommand       = "cmd"
	SuffixValues        = "values"
)

// Message received from a device
type Message struct {
	Transport string
	Kind      Kind
	APIKey    string
	DeviceID  string
	Attribute string
	Payload   []byte
	Timestamp string
}

// ParseAddress interprets the segments of a topic or routing key:
// {apiKey}/{deviceId}/attrs[/{attr}], {apiKey}/{deviceId}/configuration/commands
// or {apiKey}/{deviceId}/cmdexe. Empty segments are ignored.
func ParseAddress(segments []string) (*Message, error) {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment != "" {
			parts = append(parts, segment)
		}
	}
	if len(parts) < 3 {
		return nil, errors.ErrMissingParameters
	}
	msg := &Message{APIKey: parts[0], DeviceID: parts[1]}
	switch {
	case parts[2] == SuffixAttributes && len(parts) == 3:
		msg.Kind = Measures
	case parts[2] == SuffixAttributes && len(parts) == 4:
		msg.Kind = Measure
		msg.Attribute = parts[3]
	case parts[2] == SuffixConfiguration && len(parts) == 4 && parts[3] == SuffixCommands:
		msg.Kind = Configuration
	case parts[2] == SuffixCommandResult && len(parts) == 3:
		msg.Kind = CommandResult
	default:
		return nil, errors.Client("UNKNOWN_ADDRESS", "unknown message address %v", parts)
	}
	return msg, nil
}

// Handler processes inbound messages
type Handler struct {
	ctx     log.Interface
	service device.Interface
	relay   *configuration.Relay
	limit   *ratelimit.RateLimit
}

// New returns a new Handler
func New(ctx log.Interface, service device.Interface, relay *configuration.Relay) *Handler {
	return &Handler{
		ctx:     ctx.WithField("Component", "Ingest"),
		service: service,
		relay:   relay,
	}
}

// WithRateLimit limits the measurement groups per device
func (h *Handler) WithRateLimit(limit *ratelimit.RateLimit) *Handler {
	h.limit = limit
	return h
}

// Service returns the device service
func (h *Handler) Service() device.Interface {
	return h.service
}

// Handle a message. Errors are returned to the binding, which decides whether
// to answer them or log and drop the message.
func (h *Handler) Handle(msg *Message) (err error) {
	defer func() {
		registerHandled(msg, err)
	}()
	switch msg.Kind {
	case Measures:
		return h.handleMeasures(msg)
	case Measure:
		return h.handleMeasure(msg)
	case Configuration:
		return h.handleConfiguration(msg)
	case CommandResult:
		return h.handleCommandResult(msg)
	}
	return errors.ErrUnsupportedRequest
}

// Resolve the device of a message, using the decoded body for hashed keys
func (h *Handler) Resolve(msg *Message, body interface{}) (*types.Device, string, error) {
	return apikey.Resolve(h.service, msg.APIKey, msg.DeviceID, body)
}

func (h *Handler) handleMeasures(msg *Message) error {
	payload, err := normalize.ParseJSON(msg.Payload)
	if err != nil {
		return err
	}
	dev, _, err := h.Resolve(msg, payload)
	if err != nil {
		return err
	}
	groups, err := Groups(dev, payload)
	if err != nil {
		return err
	}
	return h.Submit(dev, msg.Timestamp, groups...)
}

// Groups returns the measurement groups of a decoded multi measure payload.
// NGSI shaped payloads are flattened.
func Groups(dev *types.Device, payload interface{}) ([][]types.Measurement, error) {
	if obj, ok := payload.(*normalize.Object); ok && normalize.IsEntity(obj) {
		return normalize.ExtractEntities(dev, obj)
	}
	return normalize.ExtractGroups(dev, payload)
}

func (h *Handler) handleMeasure(msg *Message) error {
	body, _ := normalize.ParseJSON(msg.Payload)
	dev, _, err := h.Resolve(msg, body)
	if err != nil {
		return err
	}
	return h.Submit(dev, msg.Timestamp, normalize.SingleMeasurement(dev, msg.Attribute, string(msg.Payload)))
}

func (h *Handler) handleConfiguration(msg *Message) error {
	payload, err := normalize.ParseJSON(msg.Payload)
	if err != nil {
		return err
	}
	dev, apiKey, err := h.Resolve(msg, payload)
	if err != nil {
		return err
	}
	if h.relay == nil {
		return errors.ErrUnsupportedRequest
	}
	return h.relay.Handle(dev, apiKey, msg.Payload)
}

func (h *Handler) handleCommandResult(msg *Message) error {
	payload, err := normalize.ParseJSON(msg.Payload)
	if err != nil {
		return err
	}
	results, ok := payload.(*normalize.Object)
	if !ok {
		return errors.ErrBadPayload
	}
	dev, _, err := h.Resolve(msg, payload)
	if err != nil {
		return err
	}
	return h.RecordResults(dev, results)
}

// RecordResults records every key of the object as the result of the command
// with that name
func (h *Handler) RecordResults(dev *types.Device, results *normalize.Object) error {
	for _, command := range results.Keys() {
		value, _ := results.Get(command)
		if err := h.service.RecordCommandResult(dev, command, normalize.Plain(value)); err != nil {
			return errors.Downstream(err, "could not record result of %s", command)
		}
	}
	return nil
}

// Submit measurement groups for the device, in order. The timestamp, if
// given, is stamped on every group.
func (h *Handler) Submit(dev *types.Device, timestamp string, groups ...[]types.Measurement) error {
	for _, measurements := range groups {
		measurements = normalize.StampTimestamp(measurements, timestamp)
		if len(measurements) == 0 {
			continue
		}
		if h.limit != nil {
			if err := h.limit.HandleMeasurement(dev.ID); err != nil {
				return err
			}
		}
		if err := h.service.SubmitMeasurement(dev, measurements); err != nil {
			return errors.Downstream(err, "could not submit measurements of %s", dev.ID)
		}
		status.Measurements(len(measurements))
		h.ctx.WithFields(log.Fields{
			"DeviceID":     dev.ID,
			"Measurements": len(measurements),
		}).Debug("Submitted measurements")
	}
	return nil
}

// Drop logs a message that could not be handled
func (h *Handler) Drop(ctx log.Interface, msg *Message, err error) {
	status.Dropped()
	ctx.WithFields(log.Fields{
		"APIKey":   msg.APIKey,
		"DeviceID": msg.DeviceID,
		"Kind":     msg.Kind,
	}).WithError(err).Warn("Dropped message")
}
