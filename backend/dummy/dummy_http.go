// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import "github.com/TheThingsNetwork/device-gateway/types"

// WithServer is a Dummy binding that exposes its traffic on
// a http page with websockets
type WithServer struct {
	*Dummy
	server *Server
}

// WithHTTPServer returns the Dummy that also has a HTTP server exposing the events on addr
func (d *Dummy) WithHTTPServer(addr string) (*WithServer, error) {
	ctx := d.ctx.WithField("Binding", "HTTP Debug")
	s, err := NewServer(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := s.Listen(); err != nil {
		return nil, err
	}
	return &WithServer{
		Dummy:  d,
		server: s,
	}, nil
}

// Stop implements backend.Stopper and closes the HTTP server
func (d *WithServer) Stop() error {
	err := d.Dummy.Stop()
	if closeErr := d.server.Close(); err == nil {
		err = closeErr
	}
	return err
}

// ExecuteCommand implements backend.CommandExecutor
func (d *WithServer) ExecuteCommand(execution *types.CommandExecution) error {
	if err := d.Dummy.ExecuteCommand(execution); err != nil {
		return err
	}
	d.server.Command(execution)
	return nil
}

// SendConfiguration implements backend.ConfigurationSender
func (d *WithServer) SendConfiguration(push *types.ConfigurationPush) error {
	if err := d.Dummy.SendConfiguration(push); err != nil {
		return err
	}
	d.server.Configuration(push)
	return nil
}

// HandleDeviceProvisioning implements backend.ProvisioningHandler
func (d *WithServer) HandleDeviceProvisioning(device *types.Device) error {
	if err := d.Dummy.HandleDeviceProvisioning(device); err != nil {
		return err
	}
	d.server.Provisioning(device)
	return nil
}

// HandleDeviceUpdating implements backend.UpdatingHandler
func (d *WithServer) HandleDeviceUpdating(device *types.Device) error {
	if err := d.Dummy.HandleDeviceUpdating(device); err != nil {
		return err
	}
	d.server.Updating(device)
	return nil
}
