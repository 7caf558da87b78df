// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
	redis "gopkg.in/redis.v5"
)

func getRedisClient() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:6379", host),
		Password: "", // no password set
		DB:       1,  // use default DB
	})
}

type recordedEvents struct {
	mu          sync.Mutex
	provisioned []string
	updated     []string
}

func (e *recordedEvents) ProvisionDevice(device *types.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.provisioned = append(e.provisioned, device.ID)
	return nil
}

func (e *recordedEvents) UpdateDevice(device *types.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated = append(e.updated, device.ID)
	return nil
}

func (e *recordedEvents) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.provisioned), len(e.updated)
}

type forgotten struct {
	mu  sync.Mutex
	ids []string
}

func (f *forgotten) Forget(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, deviceID)
}

func (f *forgotten) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type store interface {
	Interface
	Subscriber
}

func standardizedTest(s store, put func(*types.Device) error, addGroup func(apiKey, service, subservice string)) func() {
	return func() {
		dev := &types.Device{
			ID:               "dev1",
			APIKey:           "key1",
			Service:          "smart",
			Subservice:       "/garden",
			StaticAttributes: []types.Attribute{{Name: "location", Type: "string", Value: "garden"}},
		}
		groupDev := &types.Device{ID: "dev2", Service: "smart", Subservice: "/garden"}
		So(put(dev), ShouldBeNil)
		So(put(groupDev), ShouldBeNil)
		addGroup("groupkey", "smart", "/garden")

		Convey("When looking up an unknown device", func() {
			_, err := s.LookupDeviceByKey("key1", "unknown")
			Convey("There should be a NotFound error", func() {
				So(errors.IsNotFound(err), ShouldBeTrue)
			})
		})

		Convey("When looking up a device with the wrong key", func() {
			_, err := s.LookupDeviceByKey("other", "dev1")
			Convey("There should be a NotFound error", func() {
				So(errors.IsNotFound(err), ShouldBeTrue)
			})
		})

		Convey("When looking up a device with its key", func() {
			found, err := s.LookupDeviceByKey("key1", "dev1")
			Convey("The device should be returned", func() {
				So(err, ShouldBeNil)
				So(found.ID, ShouldEqual, "dev1")
			})
		})

		Convey("When looking up a device with the key of its group", func() {
			found, err := s.LookupDeviceByKey("groupkey", "dev2")
			Convey("The device should be returned", func() {
				So(err, ShouldBeNil)
				So(found.ID, ShouldEqual, "dev2")
			})
		})

		Convey("When resolving the key of a group", func() {
			apiKey, err := s.ResolveAPIKey("smart", "/garden")
			So(err, ShouldBeNil)
			So(apiKey, ShouldEqual, "groupkey")
			_, err = s.ResolveAPIKey("smart", "/unknown")
			So(errors.IsNotFound(err), ShouldBeTrue)
		})

		Convey("When submitting measurements", func() {
			err := s.SubmitMeasurement(dev, []types.Measurement{{Name: "temperature", Type: "string", Value: "23.5"}})
			So(err, ShouldBeNil)

			Convey("They should be returned by a query", func() {
				values, err := s.Query(dev, []string{"temperature", "location", "unknown"})
				So(err, ShouldBeNil)
				So(values, ShouldHaveLength, 2)
				So(values[0].Name, ShouldEqual, "temperature")
				So(values[0].Value, ShouldEqual, "23.5")
				So(values[1].Value, ShouldEqual, "garden")
			})

			Convey("The device should be found by the value", func() {
				found, err := s.LookupDeviceByAttribute("temperature", "23.5")
				So(err, ShouldBeNil)
				So(found, ShouldHaveLength, 1)
				So(found[0].ID, ShouldEqual, "dev1")
			})
		})

		Convey("The device should be found by a static attribute", func() {
			found, err := s.LookupDeviceByAttribute("location", "garden")
			So(err, ShouldBeNil)
			So(found, ShouldHaveLength, 1)
		})

		Convey("When recording a command result", func() {
			err := s.RecordCommandResult(dev, "ping", "pong")
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
		})

		Convey("When subscribing", func() {
			err := s.Subscribe(dev, []string{"temperature"})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
		})
	}
}

func TestDevice(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {

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

		Convey("Given a new device.Memory", func() {
			m := NewMemory()
			events := &recordedEvents{}
			m.SetEvents(events)
			Convey("When running the standardized test", standardizedTest(m, m.Put, m.AddGroup))

			Convey("When putting a device twice", func() {
				m.Put(&types.Device{ID: "dev"})
				m.Put(&types.Device{ID: "dev"})
				Convey("It should be provisioned and then updated", func() {
					provisioned, updated := events.counts()
					So(provisioned, ShouldEqual, 1)
					So(updated, ShouldEqual, 1)
				})
			})

			Convey("When deleting a device", func() {
				forgetter := &forgotten{}
				m.NotifyDelete(forgetter)
				m.Put(&types.Device{ID: "dev"})
				m.Delete("dev")
				Convey("The deletion should be notified", func() {
					So(forgetter.IDs(), ShouldResemble, []string{"dev"})
					So(m.DeviceIDs(), ShouldBeEmpty)
				})
			})

			Convey("When submitting and recording", func() {
				dev := &types.Device{ID: "dev", APIKey: "key"}
				m.Put(dev)
				m.SubmitMeasurement(dev, []types.Measurement{{Name: "a", Value: "1"}})
				m.SubmitMeasurement(dev, []types.Measurement{{Name: "b", Value: "2"}})
				m.RecordCommandResult(dev, "ping", "pong")
				Convey("The submissions should be kept in order", func() {
					submissions := m.Submissions("dev")
					So(submissions, ShouldHaveLength, 2)
					So(submissions[1][0].Name, ShouldEqual, "b")
				})
				Convey("The command result should be kept", func() {
					result, ok := m.CommandResult("dev", "ping")
					So(ok, ShouldBeTrue)
					So(result, ShouldEqual, "pong")
				})
			})
		})

		Convey("Given a new device.Redis", func() {
			client := getRedisClient()
			if err := client.Ping().Err(); err != nil {
				SkipConvey("Redis is not available", func() {})
				return
			}
			r := NewRedis(client, "test-device:")
			Reset(func() {
				r.Delete("dev1")
				r.Delete("dev2")
			})
			Convey("When running the standardized test", standardizedTest(r, r.Put, func(apiKey, service, subservice string) {
				So(r.AddGroup(apiKey, service, subservice), ShouldBeNil)
			}))

			Convey("When recording a command result", func() {
				dev := &types.Device{ID: "dev1", APIKey: "key1"}
				So(r.Put(dev), ShouldBeNil)
				So(r.RecordCommandResult(dev, "ping", map[string]interface{}{"ok": true}), ShouldBeNil)
				Convey("It should be stored as JSON", func() {
					result, err := r.CommandResult("dev1", "ping")
					So(err, ShouldBeNil)
					So(result, ShouldEqual, `{"ok":true}`)
				})
			})

			Convey("When subscribing to command requests", func() {
				requests, closer, err := r.CommandRequests(ctx)
				So(err, ShouldBeNil)
				Reset(func() { closer.Close() })

				Convey("A published request should be received", func() {
					var request *CommandRequest
				wait:
					for i := 0; i < 20; i++ {
						client.Publish("test-device:commands", `{"apikey":"key1","device_id":"dev1","commands":[{"name":"ping","value":"1"}]}`)
						select {
						case request = <-requests:
							break wait
						case <-time.After(50 * time.Millisecond):
						}
					}
					So(request, ShouldNotBeNil)
					So(request.DeviceID, ShouldEqual, "dev1")
					So(request.Commands, ShouldHaveLength, 1)
					So(request.Commands[0].Name, ShouldEqual, "ping")
				})

				Convey("The requests should end when closed", func() {
					So(closer.Close(), ShouldBeNil)
					for range requests {
					}
				})
			})
		})

		Convey("Given a device file", func() {
			dir, err := ioutil.TempDir("", "devices")
			So(err, ShouldBeNil)
			Reset(func() { os.RemoveAll(dir) })
			filename := filepath.Join(dir, "devices.yml")
			So(ioutil.WriteFile(filename, []byte(`
groups:
  - apikey: groupkey
    service: smart
    subservice: /garden
devices:
  - id: DEV1
    apikey: "1234"
    transport: MQTT
    attributes:
      - name: temperature
        type: Number
`), 0644), ShouldBeNil)

			f, err := NewFile(ctx, filename)
			So(err, ShouldBeNil)
			Reset(func() { f.Close() })
			events := &recordedEvents{}
			f.SetEvents(events)

			Convey("When loading the file", func() {
				err := f.Load()
				So(err, ShouldBeNil)

				Convey("The device should be known", func() {
					dev, err := f.LookupDeviceByKey("1234", "DEV1")
					So(err, ShouldBeNil)
					So(dev.Transport, ShouldEqual, types.TransportMQTT)
					So(dev.Active, ShouldHaveLength, 1)
				})

				Convey("The group should be known", func() {
					apiKey, err := f.ResolveAPIKey("smart", "/garden")
					So(err, ShouldBeNil)
					So(apiKey, ShouldEqual, "groupkey")
				})

				Convey("The device should be provisioned", func() {
					provisioned, _ := events.counts()
					So(provisioned, ShouldEqual, 1)
				})

				Convey("When the file changes", func() {
					So(ioutil.WriteFile(filename, []byte(`
devices:
  - id: DEV1
    apikey: "5678"
  - id: DEV2
    apikey: "5678"
`), 0644), ShouldBeNil)
					time.Sleep(100 * time.Millisecond)

					Convey("The devices should be reloaded", func() {
						_, err := f.LookupDeviceByKey("5678", "DEV2")
						So(err, ShouldBeNil)
						provisioned, updated := events.counts()
						So(provisioned, ShouldBeGreaterThanOrEqualTo, 2)
						So(updated, ShouldBeGreaterThanOrEqualTo, 1)
					})
				})
			})
		})
	})
}
