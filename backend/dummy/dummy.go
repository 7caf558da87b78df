// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"sync"

	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of dummy messages that should be buffered
var BufferSize = 10

// Dummy binding. It records every capability call and hands commands and
// configuration pushes out on channels.
type Dummy struct {
	mu       sync.Mutex
	ctx      log.Interface
	protocol string

	err error

	starts int
	stops  int

	commands      chan *types.CommandExecution
	configuration chan *types.ConfigurationPush

	provisioned []*types.Device
	updated     []*types.Device
}

// New returns a new Dummy binding for the protocol
func New(ctx log.Interface, protocol string) *Dummy {
	return &Dummy{
		ctx:           ctx.WithField("Binding", "Dummy").WithField("Protocol", protocol),
		protocol:      protocol,
		commands:      make(chan *types.CommandExecution, BufferSize),
		configuration: make(chan *types.ConfigurationPush, BufferSize),
	}
}

// FailWith makes every following capability call return err
func (d *Dummy) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Dummy) failure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Protocol implements backend.Binding
func (d *Dummy) Protocol() string {
	return d.protocol
}

// Start implements backend.Starter
func (d *Dummy) Start() error {
	if err := d.failure(); err != nil {
		return err
	}
	d.mu.Lock()
	d.starts++
	d.mu.Unlock()
	d.ctx.Debug("Started")
	return nil
}

// Stop implements backend.Stopper
func (d *Dummy) Stop() error {
	if err := d.failure(); err != nil {
		return err
	}
	d.mu.Lock()
	d.stops++
	d.mu.Unlock()
	d.ctx.Debug("Stopped")
	return nil
}

// Calls returns how often Start and Stop were called
func (d *Dummy) Calls() (starts, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops
}

// ExecuteCommand implements backend.CommandExecutor
func (d *Dummy) ExecuteCommand(execution *types.CommandExecution) error {
	if err := d.failure(); err != nil {
		return err
	}
	ctx := d.ctx.WithField("DeviceID", execution.Device.ID).WithField("Command", execution.Command)
	select {
	case d.commands <- execution:
		ctx.Debug("Executed command")
	default:
		ctx.Debug("Did not execute command [buffer full]")
	}
	return nil
}

// Commands returns the channel that executed commands are sent to
func (d *Dummy) Commands() <-chan *types.CommandExecution {
	return d.commands
}

// SendConfiguration implements backend.ConfigurationSender
func (d *Dummy) SendConfiguration(push *types.ConfigurationPush) error {
	if err := d.failure(); err != nil {
		return err
	}
	ctx := d.ctx.WithField("DeviceID", push.DeviceID)
	select {
	case d.configuration <- push:
		ctx.Debug("Sent configuration")
	default:
		ctx.Debug("Did not send configuration [buffer full]")
	}
	return nil
}

// Configuration returns the channel that configuration pushes are sent to
func (d *Dummy) Configuration() <-chan *types.ConfigurationPush {
	return d.configuration
}

// HandleDeviceProvisioning implements backend.ProvisioningHandler
func (d *Dummy) HandleDeviceProvisioning(device *types.Device) error {
	if err := d.failure(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provisioned = append(d.provisioned, device)
	d.ctx.WithField("DeviceID", device.ID).Debug("Provisioned device")
	return nil
}

// HandleDeviceUpdating implements backend.UpdatingHandler
func (d *Dummy) HandleDeviceUpdating(device *types.Device) error {
	if err := d.failure(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updated = append(d.updated, device)
	d.ctx.WithField("DeviceID", device.ID).Debug("Updated device")
	return nil
}

// Devices returns the provisioned and updated devices, in order
func (d *Dummy) Devices() (provisioned, updated []*types.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.Device(nil), d.provisioned...), append([]*types.Device(nil), d.updated...)
}
