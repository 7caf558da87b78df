// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"bytes"
	"errors"
	"testing"

	"github.com/TheThingsNetwork/device-gateway/backend/dummy"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type protocolOnly string

func (p protocolOnly) Protocol() string { return string(p) }

func TestExchange(t *testing.T) {
	Convey("Given a new Context and Bindings", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		mqtt := dummy.New(ctx, types.TransportMQTT)
		amqp := dummy.New(ctx, types.TransportAMQP)
		argo := protocolOnly(types.TransportARGO)

		Convey("When creating a new Exchange", func() {
			e := New(ctx, types.TransportMQTT)

			Convey("When adding the bindings", func() {
				err := e.AddBinding(mqtt, amqp, argo)
				So(err, ShouldBeNil)

				Convey("The protocols should be registered in order", func() {
					So(e.Protocols(), ShouldResemble, []string{types.TransportMQTT, types.TransportAMQP, types.TransportARGO})
				})

				Convey("When adding a binding for a registered protocol", func() {
					err := e.AddBinding(dummy.New(ctx, types.TransportMQTT))
					Convey("There should be an error", func() {
						So(err, ShouldNotBeNil)
					})
				})

				Convey("When building executions without a protocol", func() {
					executions := e.BuildExecutions(Args{}, Start, "")
					Convey("There should be one per binding with the capability", func() {
						So(executions, ShouldHaveLength, 2)
					})
				})

				Convey("When building executions for one protocol", func() {
					executions := e.BuildExecutions(Args{}, Start, types.TransportAMQP)
					Convey("There should be one", func() {
						So(executions, ShouldHaveLength, 1)
						So(executions[0](), ShouldBeNil)
						starts, _ := amqp.Calls()
						So(starts, ShouldEqual, 1)
						starts, _ = mqtt.Calls()
						So(starts, ShouldEqual, 0)
					})
				})

				Convey("When building executions for a binding without the capability", func() {
					executions := e.BuildExecutions(Args{}, ExecuteCommand, types.TransportARGO)
					Convey("There should be none", func() {
						So(executions, ShouldBeEmpty)
					})
				})

				Convey("When the first binding fails", func() {
					failure := errors.New("failure")
					mqtt.FailWith(failure)
					err := e.Invoke(Args{}, Start, "")
					Convey("The error should be returned", func() {
						So(err, ShouldEqual, failure)
					})
					Convey("The second binding should not be started", func() {
						starts, _ := amqp.Calls()
						So(starts, ShouldEqual, 0)
					})
				})

				Convey("When starting the Exchange", func() {
					err := e.Start()
					So(err, ShouldBeNil)

					Convey("All bindings should be started", func() {
						starts, _ := mqtt.Calls()
						So(starts, ShouldEqual, 1)
						starts, _ = amqp.Calls()
						So(starts, ShouldEqual, 1)
					})

					Convey("Adding a binding should fail", func() {
						So(e.AddBinding(dummy.New(ctx, types.TransportHTTP)), ShouldNotBeNil)
					})

					Convey("When provisioning a device without transport", func() {
						err := e.ProvisionDevice(&types.Device{ID: "dev"})
						So(err, ShouldBeNil)
						Convey("Only the default transport should be told", func() {
							provisioned, _ := mqtt.Devices()
							So(provisioned, ShouldHaveLength, 1)
							provisioned, _ = amqp.Devices()
							So(provisioned, ShouldBeEmpty)
						})
					})

					Convey("When updating an AMQP device", func() {
						err := e.UpdateDevice(&types.Device{ID: "dev", Transport: types.TransportAMQP})
						So(err, ShouldBeNil)
						Convey("Only the AMQP binding should be told", func() {
							_, updated := amqp.Devices()
							So(updated, ShouldHaveLength, 1)
							_, updated = mqtt.Devices()
							So(updated, ShouldBeEmpty)
						})
					})

					Convey("When sending configuration to an AMQP device", func() {
						device := &types.Device{ID: "dev", Transport: types.TransportAMQP}
						err := e.SendConfiguration(&types.ConfigurationPush{DeviceID: "dev", Device: device})
						So(err, ShouldBeNil)
						Convey("It should arrive on the AMQP binding", func() {
							So(amqp.Configuration(), ShouldHaveLength, 1)
							So(mqtt.Configuration(), ShouldHaveLength, 0)
						})
					})

					Convey("When stopping the Exchange twice", func() {
						So(e.Stop(), ShouldBeNil)
						So(e.Stop(), ShouldBeNil)
						Convey("Every binding should be stopped once", func() {
							_, stops := mqtt.Calls()
							So(stops, ShouldEqual, 1)
							_, stops = amqp.Calls()
							So(stops, ShouldEqual, 1)
						})
					})

					Convey("When a binding fails to stop", func() {
						failure := errors.New("failure")
						mqtt.FailWith(failure)
						err := e.Stop()
						Convey("The error should be returned", func() {
							So(err, ShouldEqual, failure)
						})
						Convey("The other bindings should still be stopped", func() {
							_, stops := amqp.Calls()
							So(stops, ShouldEqual, 1)
						})
					})
				})
			})
		})
	})
}
