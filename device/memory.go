// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"sort"
	"sync"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/types"
)

type groupKey struct {
	service    string
	subservice string
}

type memoryDevice struct {
	device         *types.Device
	values         map[string]types.Measurement
	submissions    [][]types.Measurement
	commandResults map[string]interface{}
	subscriptions  []string
	sync.Mutex
}

// Memory implements the device service with an in-memory backend
type Memory struct {
	mu      sync.RWMutex
	devices map[string]*memoryDevice
	groups  map[groupKey]string
	events  Events

	forgetters []Forgetter
}

// NewMemory returns a new device service with an in-memory backend
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*memoryDevice),
		groups:  make(map[groupKey]string),
	}
}

// SetEvents sets the receiver of provisioning events
func (m *Memory) SetEvents(events Events) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
}

// NotifyDelete registers a Forgetter that is called for every deleted device
func (m *Memory) NotifyDelete(forgetter Forgetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetters = append(m.forgetters, forgetter)
}

// AddGroup registers the API key for a service and subservice
func (m *Memory) AddGroup(apiKey, service, subservice string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupKey{service, subservice}] = apiKey
}

// Put adds or replaces a device and fires the matching provisioning event
func (m *Memory) Put(device *types.Device) error {
	m.mu.Lock()
	existing, updated := m.devices[device.ID]
	if updated {
		existing.Lock()
		existing.device = device
		existing.Unlock()
	} else {
		m.devices[device.ID] = &memoryDevice{
			device:         device,
			values:         make(map[string]types.Measurement),
			commandResults: make(map[string]interface{}),
		}
	}
	events := m.events
	m.mu.Unlock()
	if events == nil {
		return nil
	}
	if updated {
		return events.UpdateDevice(device)
	}
	return events.ProvisionDevice(device)
}

// Delete a device
func (m *Memory) Delete(deviceID string) {
	m.mu.Lock()
	delete(m.devices, deviceID)
	forgetters := m.forgetters
	m.mu.Unlock()
	for _, forgetter := range forgetters {
		forgetter.Forget(deviceID)
	}
}

// DeviceIDs returns the IDs of all devices, sorted
func (m *Memory) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) get(deviceID string) (*memoryDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	if !ok {
		return nil, errors.ErrDeviceNotFound
	}
	return dev, nil
}

// LookupDeviceByKey implements Interface
func (m *Memory) LookupDeviceByKey(apiKey, deviceID string) (*types.Device, error) {
	dev, err := m.get(deviceID)
	if err != nil {
		return nil, err
	}
	dev.Lock()
	device := dev.device
	dev.Unlock()
	if device.APIKey == apiKey {
		return device, nil
	}
	if device.APIKey == "" {
		m.mu.RLock()
		groupAPIKey := m.groups[groupKey{device.Service, device.Subservice}]
		m.mu.RUnlock()
		if groupAPIKey != "" && groupAPIKey == apiKey {
			return device, nil
		}
	}
	return nil, errors.ErrDeviceNotFound
}

// LookupDeviceByAttribute implements Interface
func (m *Memory) LookupDeviceByAttribute(name, value string) ([]*types.Device, error) {
	var found []*types.Device
	for _, id := range m.DeviceIDs() {
		dev, err := m.get(id)
		if err != nil {
			continue
		}
		dev.Lock()
		if matchesAttribute(dev.device, dev.values, name, value) {
			found = append(found, dev.device)
		}
		dev.Unlock()
	}
	return found, nil
}

func matchesAttribute(device *types.Device, values map[string]types.Measurement, name, value string) bool {
	for _, attr := range device.StaticAttributes {
		if attr.Name == name && normalize.Text(attr.Value) == value {
			return true
		}
	}
	if m, ok := values[name]; ok && normalize.Text(m.Value) == value {
		return true
	}
	return false
}

// ResolveAPIKey implements Interface
func (m *Memory) ResolveAPIKey(service, subservice string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if apiKey, ok := m.groups[groupKey{service, subservice}]; ok {
		return apiKey, nil
	}
	return "", errors.ErrAPIKeyNotFound
}

// SubmitMeasurement implements Interface
func (m *Memory) SubmitMeasurement(device *types.Device, measurements []types.Measurement) error {
	dev, err := m.get(device.ID)
	if err != nil {
		return err
	}
	dev.Lock()
	defer dev.Unlock()
	dev.submissions = append(dev.submissions, measurements)
	for _, measurement := range measurements {
		dev.values[measurement.Name] = measurement
	}
	return nil
}

// Query implements Interface
func (m *Memory) Query(device *types.Device, fields []string) ([]types.Measurement, error) {
	dev, err := m.get(device.ID)
	if err != nil {
		return nil, err
	}
	dev.Lock()
	defer dev.Unlock()
	var out []types.Measurement
	for _, field := range fields {
		if measurement, ok := dev.values[field]; ok {
			out = append(out, measurement)
			continue
		}
		for _, attr := range dev.device.StaticAttributes {
			if attr.Name == field {
				out = append(out, types.Measurement{Name: attr.Name, Type: attr.Type, Value: attr.Value})
				break
			}
		}
	}
	return out, nil
}

// RecordCommandResult implements Interface
func (m *Memory) RecordCommandResult(device *types.Device, command string, value interface{}) error {
	dev, err := m.get(device.ID)
	if err != nil {
		return err
	}
	dev.Lock()
	defer dev.Unlock()
	dev.commandResults[command] = value
	return nil
}

// Subscribe implements Subscriber
func (m *Memory) Subscribe(device *types.Device, fields []string) error {
	dev, err := m.get(device.ID)
	if err != nil {
		return err
	}
	dev.Lock()
	defer dev.Unlock()
	dev.subscriptions = append(dev.subscriptions, fields...)
	return nil
}

// Submissions returns the measurement groups submitted for a device, in order
func (m *Memory) Submissions(deviceID string) [][]types.Measurement {
	dev, err := m.get(deviceID)
	if err != nil {
		return nil
	}
	dev.Lock()
	defer dev.Unlock()
	out := make([][]types.Measurement, len(dev.submissions))
	copy(out, dev.submissions)
	return out
}

// CommandResult returns the last result recorded for a command
func (m *Memory) CommandResult(deviceID, command string) (interface{}, bool) {
	dev, err := m.get(deviceID)
	if err != nil {
		return nil, false
	}
	dev.Lock()
	defer dev.Unlock()
	value, ok := dev.commandResults[command]
	return value, ok
}

// Subscriptions returns the fields a device subscribed to
func (m *Memory) Subscriptions(deviceID string) []string {
	dev, err := m.get(deviceID)
	if err != nil {
		return nil
	}
	dev.Lock()
	defer dev.Unlock()
	return append([]string(nil), dev.subscriptions...)
}
