// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

import "github.com/TheThingsNetwork/device-gateway/types"

// Binding is a protocol plugin. It declares the transport it serves and
// implements any subset of the capability interfaces below.
type Binding interface {
	Protocol() string
}

// Starter bindings open their sockets or subscriptions on Start
type Starter interface {
	Start() error
}

// Stopper bindings release their resources on Stop. Stop must be idempotent.
type Stopper interface {
	Stop() error
}

// CommandExecutor bindings deliver commands to devices
type CommandExecutor interface {
	ExecuteCommand(execution *types.CommandExecution) error
}

// ConfigurationSender bindings push configuration values to devices
type ConfigurationSender interface {
	SendConfiguration(push *types.ConfigurationPush) error
}

// ProvisioningHandler bindings are told about new devices
type ProvisioningHandler interface {
	HandleDeviceProvisioning(device *types.Device) error
}

// UpdatingHandler bindings are told about changed devices
type UpdatingHandler interface {
	HandleDeviceUpdating(device *types.Device) error
}
