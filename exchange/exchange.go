// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"fmt"
	"sync"

	"github.com/TheThingsNetwork/device-gateway/backend"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
)

// Capability of a binding
type Capability int

// Capabilities that can be dispatched
const (
	Start Capability = iota
	Stop
	ExecuteCommand
	SendConfiguration
	DeviceProvisioning
	DeviceUpdating
)

func (c Capability) String() string {
	switch c {
	case Start:
		return "start"
	case Stop:
		return "stop"
	case ExecuteCommand:
		return "executeCommand"
	case SendConfiguration:
		return "sendConfigurationToDevice"
	case DeviceProvisioning:
		return "deviceProvisioningHandler"
	case DeviceUpdating:
		return "deviceUpdatingHandler"
	}
	return fmt.Sprintf("Capability(%d)", int(c))
}

// Args for a capability call. Only the field the capability needs is used.
type Args struct {
	Command       *types.CommandExecution
	Configuration *types.ConfigurationPush
	Device        *types.Device
}

// Execution is a single prepared capability call on one binding
type Execution func() error

// Exchange is the registry of protocol bindings. It is the only component
// that addresses bindings; everything else dispatches capabilities through it.
type Exchange struct {
	ctx log.Interface
	mu  sync.Mutex

	defaultTransport string

	bindings  []backend.Binding
	protocols mapset.Set

	started bool
	stopped bool
}

// New initializes a new Exchange. Devices without a transport are
// dispatched to the default transport.
func New(ctx log.Interface, defaultTransport string) *Exchange {
	if defaultTransport == "" {
		defaultTransport = types.TransportMQTT
	}
	return &Exchange{
		ctx:              ctx.WithField("Component", "Exchange"),
		defaultTransport: defaultTransport,
		protocols:        mapset.NewSet(),
	}
}

// DefaultTransport returns the transport of devices that do not declare one
func (e *Exchange) DefaultTransport() string {
	return e.defaultTransport
}

// AddBinding registers bindings. Bindings can only be added before Start and
// each protocol can only be registered once.
func (e *Exchange) AddBinding(bindings ...backend.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("exchange: can not add bindings after start")
	}
	for _, binding := range bindings {
		protocol := binding.Protocol()
		if !e.protocols.Add(protocol) {
			return fmt.Errorf("exchange: binding for %s already registered", protocol)
		}
		e.bindings = append(e.bindings, binding)
		e.ctx.WithField("Protocol", protocol).Debug("Added binding")
	}
	return nil
}

// Protocols returns the protocols of the registered bindings, in registration order
func (e *Exchange) Protocols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	protocols := make([]string, len(e.bindings))
	for i, binding := range e.bindings {
		protocols[i] = binding.Protocol()
	}
	return protocols
}

func (e *Exchange) snapshot() []backend.Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]backend.Binding(nil), e.bindings...)
}

func execution(binding backend.Binding, args Args, capability Capability) Execution {
	switch capability {
	case Start:
		if b, ok := binding.(backend.Starter); ok {
			return b.Start
		}
	case Stop:
		if b, ok := binding.(backend.Stopper); ok {
			return b.Stop
		}
	case ExecuteCommand:
		if b, ok := binding.(backend.CommandExecutor); ok {
			return func() error { return b.ExecuteCommand(args.Command) }
		}
	case SendConfiguration:
		if b, ok := binding.(backend.ConfigurationSender); ok {
			return func() error { return b.SendConfiguration(args.Configuration) }
		}
	case DeviceProvisioning:
		if b, ok := binding.(backend.ProvisioningHandler); ok {
			return func() error { return b.HandleDeviceProvisioning(args.Device) }
		}
	case DeviceUpdating:
		if b, ok := binding.(backend.UpdatingHandler); ok {
			return func() error { return b.HandleDeviceUpdating(args.Device) }
		}
	}
	return nil
}

// BuildExecutions returns one Execution per binding that implements the
// capability and serves the protocol. An empty protocol matches every binding.
func (e *Exchange) BuildExecutions(args Args, capability Capability, protocol string) []Execution {
	var executions []Execution
	for _, binding := range e.snapshot() {
		if protocol != "" && binding.Protocol() != protocol {
			continue
		}
		exec := execution(binding, args, capability)
		if exec == nil {
			continue
		}
		bindingProtocol := binding.Protocol()
		executions = append(executions, func() error {
			err := exec()
			registerInvocation(capability, bindingProtocol, err)
			return err
		})
	}
	return executions
}

// Invoke runs the executions for the capability one after the other and
// returns the first error
func (e *Exchange) Invoke(args Args, capability Capability, protocol string) error {
	return Run(e.BuildExecutions(args, capability, protocol))
}

// Run executions sequentially, stopping at the first error
func Run(executions []Execution) error {
	for _, exec := range executions {
		if err := exec(); err != nil {
			return err
		}
	}
	return nil
}

// Start all bindings
func (e *Exchange) Start() error {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	if err := e.Invoke(Args{}, Start, ""); err != nil {
		e.ctx.WithError(err).Error("Could not start bindings")
		return err
	}
	e.ctx.WithField("Protocols", e.Protocols()).Info("Started")
	return nil
}

// Stop all bindings. Every binding is stopped even if one fails; the first
// error is returned. Stopping twice is a no-op.
func (e *Exchange) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()
	var first error
	for _, exec := range e.BuildExecutions(Args{}, Stop, "") {
		if err := exec(); err != nil {
			e.ctx.WithError(err).Warn("Could not stop binding")
			if first == nil {
				first = err
			}
		}
	}
	e.ctx.Info("Stopped")
	return first
}

// ProvisionDevice tells the binding of the device's transport about a new device
func (e *Exchange) ProvisionDevice(device *types.Device) error {
	return e.Invoke(Args{Device: device}, DeviceProvisioning, device.TransportOrDefault(e.defaultTransport))
}

// UpdateDevice tells the binding of the device's transport about a changed device
func (e *Exchange) UpdateDevice(device *types.Device) error {
	return e.Invoke(Args{Device: device}, DeviceUpdating, device.TransportOrDefault(e.defaultTransport))
}

// SendConfiguration pushes configuration values through the binding of the
// device's transport
func (e *Exchange) SendConfiguration(push *types.ConfigurationPush) error {
	protocol := e.defaultTransport
	if push.Device != nil {
		protocol = push.Device.TransportOrDefault(e.defaultTransport)
	}
	return e.Invoke(Args{Configuration: push}, SendConfiguration, protocol)
}
