// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	redis "gopkg.in/redis.v5"
)

// Redis implements the device service with a Redis backend
type Redis struct {
	prefix string
	client *redis.Client
	events Events

	forgetters []Forgetter
}

// DefaultRedisPrefix is used as prefix when no prefix is given
var DefaultRedisPrefix = "iot:"

var redisKey = struct {
	devices      string
	device       string
	group        string
	measurements string
	commands     string
	subscription string
	apiKey       string
	data         string
}{
	devices:      "devices",
	device:       "device:",
	group:        "group:",
	measurements: "measurements:",
	commands:     "commands:",
	subscription: "subscriptions:",
	apiKey:       "apikey",
	data:         "data",
}

// NewRedis returns a new device service with a redis backend
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// SetEvents sets the receiver of provisioning events
func (r *Redis) SetEvents(events Events) {
	r.events = events
}

// NotifyDelete registers a Forgetter that is called for every deleted device
func (r *Redis) NotifyDelete(forgetter Forgetter) {
	r.forgetters = append(r.forgetters, forgetter)
}

func (r *Redis) groupKey(service, subservice string) string {
	return r.prefix + redisKey.group + service + ":" + subservice
}

// AddGroup registers the API key for a service and subservice
func (r *Redis) AddGroup(apiKey, service, subservice string) error {
	return r.client.HSet(r.groupKey(service, subservice), redisKey.apiKey, apiKey).Err()
}

// Put adds or replaces a device and fires the matching provisioning event
func (r *Redis) Put(device *types.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return err
	}
	added, err := r.client.SAdd(r.prefix+redisKey.devices, device.ID).Result()
	if err != nil {
		return err
	}
	err = r.client.HMSet(r.prefix+redisKey.device+device.ID, map[string]string{
		redisKey.apiKey: device.APIKey,
		redisKey.data:   string(data),
	}).Err()
	if err != nil {
		return err
	}
	if r.events == nil {
		return nil
	}
	if added == 0 {
		return r.events.UpdateDevice(device)
	}
	return r.events.ProvisionDevice(device)
}

// Delete a device and its state
func (r *Redis) Delete(deviceID string) error {
	if err := r.client.SRem(r.prefix+redisKey.devices, deviceID).Err(); err != nil {
		return err
	}
	if err := r.client.Del(
		r.prefix+redisKey.device+deviceID,
		r.prefix+redisKey.measurements+deviceID,
		r.prefix+redisKey.commands+deviceID,
		r.prefix+redisKey.subscription+deviceID,
	).Err(); err != nil {
		return err
	}
	for _, forgetter := range r.forgetters {
		forgetter.Forget(deviceID)
	}
	return nil
}

func (r *Redis) get(deviceID string) (*types.Device, error) {
	res, err := r.client.HGetAll(r.prefix + redisKey.device + deviceID).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Downstream(err, "could not read device %s", deviceID)
	}
	if len(res) == 0 {
		return nil, errors.ErrDeviceNotFound
	}
	device := new(types.Device)
	if err := json.Unmarshal([]byte(res[redisKey.data]), device); err != nil {
		return nil, errors.Downstream(err, "could not decode device %s", deviceID)
	}
	return device, nil
}

// LookupDeviceByKey implements Interface
func (r *Redis) LookupDeviceByKey(apiKey, deviceID string) (*types.Device, error) {
	device, err := r.get(deviceID)
	if err != nil {
		return nil, err
	}
	if device.APIKey == apiKey {
		return device, nil
	}
	if device.APIKey == "" {
		groupAPIKey, err := r.ResolveAPIKey(device.Service, device.Subservice)
		if err == nil && groupAPIKey == apiKey {
			return device, nil
		}
	}
	return nil, errors.ErrDeviceNotFound
}

// LookupDeviceByAttribute implements Interface
func (r *Redis) LookupDeviceByAttribute(name, value string) ([]*types.Device, error) {
	ids, err := r.client.SMembers(r.prefix + redisKey.devices).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Downstream(err, "could not list devices")
	}
	var found []*types.Device
	for _, id := range ids {
		device, err := r.get(id)
		if err != nil {
			continue
		}
		values, err := r.measurements(id, name)
		if err != nil {
			return nil, err
		}
		if matchesAttribute(device, values, name, value) {
			found = append(found, device)
		}
	}
	return found, nil
}

// ResolveAPIKey implements Interface
func (r *Redis) ResolveAPIKey(service, subservice string) (string, error) {
	apiKey, err := r.client.HGet(r.groupKey(service, subservice), redisKey.apiKey).Result()
	if err == redis.Nil || (err == nil && apiKey == "") {
		return "", errors.ErrAPIKeyNotFound
	}
	if err != nil {
		return "", errors.Downstream(err, "could not read group %s/%s", service, subservice)
	}
	return apiKey, nil
}

// SubmitMeasurement implements Interface
func (r *Redis) SubmitMeasurement(device *types.Device, measurements []types.Measurement) error {
	if len(measurements) == 0 {
		return nil
	}
	data := make(map[string]string, len(measurements))
	for _, measurement := range measurements {
		b, err := json.Marshal(measurement)
		if err != nil {
			return errors.Wrap(errors.ErrBadPayload, err)
		}
		data[measurement.Name] = string(b)
	}
	if err := r.client.HMSet(r.prefix+redisKey.measurements+device.ID, data).Err(); err != nil {
		return errors.Downstream(err, "could not store measurements of %s", device.ID)
	}
	return nil
}

func (r *Redis) measurements(deviceID string, fields ...string) (map[string]types.Measurement, error) {
	out := make(map[string]types.Measurement)
	if len(fields) == 0 {
		return out, nil
	}
	res, err := r.client.HMGet(r.prefix+redisKey.measurements+deviceID, fields...).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Downstream(err, "could not read measurements of %s", deviceID)
	}
	for i, v := range res {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var measurement types.Measurement
		decoder := json.NewDecoder(strings.NewReader(s))
		decoder.UseNumber()
		if err := decoder.Decode(&measurement); err != nil {
			continue
		}
		out[fields[i]] = measurement
	}
	return out, nil
}

// Query implements Interface
func (r *Redis) Query(device *types.Device, fields []string) ([]types.Measurement, error) {
	values, err := r.measurements(device.ID, fields...)
	if err != nil {
		return nil, err
	}
	var out []types.Measurement
	for _, field := range fields {
		if measurement, ok := values[field]; ok {
			out = append(out, measurement)
			continue
		}
		for _, attr := range device.StaticAttributes {
			if attr.Name == field {
				out = append(out, types.Measurement{Name: attr.Name, Type: attr.Type, Value: attr.Value})
				break
			}
		}
	}
	return out, nil
}

// RecordCommandResult implements Interface
func (r *Redis) RecordCommandResult(device *types.Device, command string, value interface{}) error {
	b, err := json.Marshal(normalize.Plain(value))
	if err != nil {
		return errors.Wrap(errors.ErrBadPayload, err)
	}
	if err := r.client.HSet(r.prefix+redisKey.commands+device.ID, command, string(b)).Err(); err != nil {
		return errors.Downstream(err, "could not store result of %s on %s", command, device.ID)
	}
	return nil
}

// CommandResult returns the JSON encoded result recorded for a command
func (r *Redis) CommandResult(deviceID, command string) (string, error) {
	res, err := r.client.HGet(r.prefix+redisKey.commands+deviceID, command).Result()
	if err == redis.Nil {
		return "", errors.NotFound("COMMAND_RESULT_NOT_FOUND", "no result for %s", command)
	}
	return res, err
}

// Subscribe implements Subscriber
func (r *Redis) Subscribe(device *types.Device, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	members := make([]interface{}, len(fields))
	for i, field := range fields {
		members[i] = field
	}
	if err := r.client.SAdd(r.prefix+redisKey.subscription+device.ID, members...).Err(); err != nil {
		return errors.Downstream(err, "could not store subscription of %s", device.ID)
	}
	return nil
}

// DefaultCommandChannel is the channel (after the prefix) command requests are published on
var DefaultCommandChannel = "commands"

// CommandRequests subscribes to command requests published on the command
// channel. The returned channel is closed when the subscription is closed.
func (r *Redis) CommandRequests(ctx log.Interface) (<-chan *CommandRequest, io.Closer, error) {
	channel := r.prefix + DefaultCommandChannel
	pubsub, err := r.client.Subscribe(channel)
	if err != nil {
		return nil, nil, errors.Downstream(err, "could not subscribe to %s", channel)
	}
	ctx = ctx.WithField("Channel", channel)
	requests := make(chan *CommandRequest)
	go func() {
		defer close(requests)
		for {
			msg, err := pubsub.ReceiveMessage()
			if err != nil {
				ctx.WithError(err).Debug("Subscription closed")
				return
			}
			request := new(CommandRequest)
			if err := json.Unmarshal([]byte(msg.Payload), request); err != nil {
				ctx.WithError(err).Warn("Invalid command request")
				continue
			}
			requests <- request
		}
	}()
	return requests, pubsub, nil
}
