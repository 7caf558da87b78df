// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package http

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/TheThingsNetwork/device-gateway/configuration"
	"github.com/TheThingsNetwork/device-gateway/device"
	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/exchange"
	"github.com/TheThingsNetwork/device-gateway/ingest"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type received struct {
	contentType string
	service     string
	body        []byte
}

// endpoint is a device endpoint that records what it receives
type endpoint struct {
	mu       sync.Mutex
	status   int
	answer   string
	requests []received
	server   *httptest.Server
}

func newEndpoint(status int, answer string) *endpoint {
	e := &endpoint{status: status, answer: answer}
	e.server = httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		body, _ := ioutil.ReadAll(req.Body)
		e.mu.Lock()
		e.requests = append(e.requests, received{
			contentType: req.Header.Get("Content-Type"),
			service:     req.Header.Get("Fiware-Service"),
			body:        body,
		})
		e.mu.Unlock()
		res.WriteHeader(e.status)
		res.Write([]byte(e.answer))
	}))
	return e
}

func (e *endpoint) Requests() []received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]received(nil), e.requests...)
}

func decodeError(res *http.Response) errorResponse {
	var out errorResponse
	json.NewDecoder(res.Body).Decode(&out)
	return out
}

func TestHTTPBinding(t *testing.T) {
	Convey("Given a new Context, device service and HTTP binding", t, func(c C) {

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

		answering := newEndpoint(http.StatusOK, `{"ping":"pong"}`)
		Reset(answering.server.Close)

		service := device.NewMemory()
		service.Put(&types.Device{ID: "DEV1", APIKey: "1234"})
		service.Put(&types.Device{ID: "DEV2", APIKey: "1234", Active: []types.Attribute{{Name: "temperature", Type: "Number"}}})
		service.Put(&types.Device{ID: "DEV3", APIKey: "1234", Transport: types.TransportHTTP, Service: "smart", Endpoint: answering.server.URL})

		e := exchange.New(ctx, types.TransportHTTP)
		handler := ingest.New(ctx, service, configuration.New(ctx, service, e))
		binding, err := New(Config{}, handler, ctx)
		So(err, ShouldBeNil)
		So(e.AddBinding(binding), ShouldBeNil)

		server := httptest.NewServer(binding.Handler())
		Reset(server.Close)

		post := func(path, contentType, body string) *http.Response {
			res, err := http.Post(server.URL+path, contentType, strings.NewReader(body))
			So(err, ShouldBeNil)
			return res
		}

		Convey("When posting a multi measure", func() {
			res := post("/iot/json?i=DEV1&k=1234", "application/json", `{"t":"10","h":"20"}`)
			defer res.Body.Close()
			Convey("The measurements should be submitted in order", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV1"), ShouldResemble, [][]types.Measurement{{
					{Name: "t", Type: "string", Value: "10"},
					{Name: "h", Type: "string", Value: "20"},
				}})
			})
		})

		Convey("When posting a measure with a timestamp", func() {
			res := post("/iot/json?i=DEV1&k=1234&t=2016-04-07T08:34:05Z", "application/json", `{"t":"10"}`)
			defer res.Body.Close()
			Convey("The timestamp should be added", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV1")[0][1], ShouldResemble, types.Measurement{Name: "TimeInstant", Type: "DateTime", Value: "2016-04-07T08:34:05Z"})
			})
		})

		Convey("When posting NGSI entities", func() {
			res := post("/iot/json?i=DEV1&k=1234", "application/json", `{"entities":[{"id":"a","type":"T","t":{"type":"Number","value":1}},{"id":"b","type":"T","h":"2"}]}`)
			defer res.Body.Close()
			Convey("Every entity should be submitted", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV1"), ShouldHaveLength, 2)
				So(service.Submissions("DEV1")[0][0].Type, ShouldEqual, "Number")
			})
		})

		Convey("When getting a measure", func() {
			res, err := http.Get(server.URL + "/iot/json?i=DEV1&k=1234&d=" + url.QueryEscape(`{"t":"10"}`))
			So(err, ShouldBeNil)
			defer res.Body.Close()
			Convey("The measurement should be submitted", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV1"), ShouldHaveLength, 1)
			})
		})

		Convey("When posting a measure in the data parameter without body", func() {
			res := post("/iot/json?i=DEV1&k=1234&d="+url.QueryEscape(`{"t":"10"}`), "application/json", "")
			defer res.Body.Close()
			Convey("The measurement should be submitted", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV1"), ShouldResemble, [][]types.Measurement{{
					{Name: "t", Type: "string", Value: "10"},
				}})
			})
		})

		Convey("When posting both a body and a data parameter", func() {
			res := post("/iot/json?i=DEV1&k=1234&d="+url.QueryEscape(`{"x":"1"}`), "application/json", `{"t":"10"}`)
			defer res.Body.Close()
			Convey("The body should win", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV1")[0][0].Name, ShouldEqual, "t")
			})
		})

		Convey("When posting without device id", func() {
			res := post("/iot/json?k=1234", "application/json", `{"t":"10"}`)
			defer res.Body.Close()
			Convey("There should be a client error", func() {
				So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
				So(decodeError(res).Name, ShouldEqual, "MANDATORY_PARAMS_NOT_FOUND")
			})
		})

		Convey("When posting malformed JSON", func() {
			res := post("/iot/json?i=DEV1&k=1234", "application/json", `{"t":`)
			defer res.Body.Close()
			Convey("There should be a client error", func() {
				So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
				So(decodeError(res).Name, ShouldEqual, "BAD_PAYLOAD")
				So(service.Submissions("DEV1"), ShouldBeEmpty)
			})
		})

		Convey("When posting for an unknown device", func() {
			res := post("/iot/json?i=unknown&k=1234", "application/json", `{"t":"10"}`)
			defer res.Body.Close()
			Convey("There should be a not found error", func() {
				So(res.StatusCode, ShouldEqual, http.StatusNotFound)
				So(decodeError(res).Name, ShouldEqual, "DEVICE_NOT_FOUND")
			})
		})

		Convey("When using an unsupported method", func() {
			req, _ := http.NewRequest(http.MethodDelete, server.URL+"/iot/json?i=DEV1&k=1234", nil)
			res, err := http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("When posting a single attribute as text", func() {
			res := post("/iot/json/attrs/temperature?i=DEV2&k=1234", "text/plain; charset=utf-8", "23.5")
			defer res.Body.Close()
			Convey("The literal text should be submitted with the declared type", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV2"), ShouldResemble, [][]types.Measurement{{
					{Name: "temperature", Type: "Number", Value: "23.5"},
				}})
			})
		})

		Convey("When posting a single attribute as bytes", func() {
			res := post("/iot/json/attrs/raw?i=DEV1&k=1234", "application/octet-stream", "\x01\x02")
			defer res.Body.Close()
			Convey("The base64 of the body should be submitted", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(service.Submissions("DEV1")[0][0].Value, ShouldEqual, "AQI=")
			})
		})

		Convey("When posting a single attribute with another content type", func() {
			res := post("/iot/json/attrs/temperature?i=DEV2&k=1234", "application/xml", "<a/>")
			defer res.Body.Close()
			Convey("It should be rejected", func() {
				So(res.StatusCode, ShouldEqual, http.StatusUnsupportedMediaType)
			})
		})

		Convey("When posting command results", func() {
			res := post("/iot/json/commands?i=DEV1&k=1234", "application/json", `{"ping":"pong"}`)
			defer res.Body.Close()
			Convey("The result should be recorded", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				result, ok := service.CommandResult("DEV1", "ping")
				So(ok, ShouldBeTrue)
				So(result, ShouldEqual, "pong")
			})
		})

		Convey("When posting a configuration request", func() {
			service.SubmitMeasurement(&types.Device{ID: "DEV3"}, []types.Measurement{{Name: "sleepTime", Value: "200"}})
			res := post("/iot/json/configuration?i=DEV3&k=1234", "application/json", `{"type":"configuration","fields":["sleepTime"]}`)
			defer res.Body.Close()
			Convey("The values should be posted to the device endpoint", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				requests := answering.Requests()
				So(requests, ShouldHaveLength, 1)
				var values map[string]interface{}
				So(json.Unmarshal(requests[0].body, &values), ShouldBeNil)
				So(values["sleepTime"], ShouldEqual, "200")
				So(values, ShouldContainKey, "dt")
				So(requests[0].service, ShouldEqual, "smart")
			})
		})

		Convey("When executing a command on a device with endpoint", func() {
			dev, _ := service.LookupDeviceByKey("1234", "DEV3")
			err := binding.ExecuteCommand(types.NewCommandExecution("1234", dev, "ping", []byte(`{"ping":""}`), "application/json"))
			Convey("The payload should be posted and the answer recorded", func() {
				So(err, ShouldBeNil)
				requests := answering.Requests()
				So(requests, ShouldHaveLength, 1)
				So(requests[0].contentType, ShouldEqual, "application/json")
				So(string(requests[0].body), ShouldEqual, `{"ping":""}`)
				result, ok := service.CommandResult("DEV3", "ping")
				So(ok, ShouldBeTrue)
				So(result, ShouldEqual, "pong")
			})
		})

		Convey("When executing a command on a polling device", func() {
			err := binding.ExecuteCommand(types.NewCommandExecution("1234", &types.Device{ID: "DEV1"}, "ping", nil, "application/json"))
			So(err, ShouldEqual, errors.ErrNoEndpoint)
		})

		Convey("When the device endpoint fails", func() {
			failing := newEndpoint(http.StatusInternalServerError, "")
			defer failing.server.Close()
			err := binding.ExecuteCommand(types.NewCommandExecution("1234", &types.Device{ID: "DEV4", Endpoint: failing.server.URL}, "ping", nil, "application/json"))
			So(errors.KindOf(err), ShouldEqual, errors.KindTransport)
		})

		Convey("When provisioning devices", func() {
			polling := &types.Device{ID: "P"}
			So(binding.HandleDeviceProvisioning(polling), ShouldBeNil)
			So(polling.Polling, ShouldBeTrue)

			pushed := &types.Device{ID: "E", Endpoint: "http://device.local:1026/cmd"}
			So(binding.HandleDeviceUpdating(pushed), ShouldBeNil)
			So(pushed.Polling, ShouldBeFalse)

			So(errors.IsClient(binding.HandleDeviceProvisioning(&types.Device{ID: "X", Endpoint: "device.local"})), ShouldBeTrue)
			So(errors.IsClient(binding.HandleDeviceProvisioning(&types.Device{ID: "X", Endpoint: "ftp://device.local"})), ShouldBeTrue)
		})
	})
}

func TestHTTPLifecycle(t *testing.T) {
	Convey("Given a new Context and HTTP binding", t, func(c C) {

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

		service := device.NewMemory()
		service.Put(&types.Device{ID: "DEV1", APIKey: "1234"})

		Convey("When starting without address", func() {
			binding, _ := New(Config{}, ingest.New(ctx, service, nil), ctx)
			So(errors.IsClient(binding.Start()), ShouldBeTrue)
		})

		Convey("When started", func() {
			binding, _ := New(Config{Address: "127.0.0.1:0", Path: "/iot/d"}, ingest.New(ctx, service, nil), ctx)
			So(binding.Start(), ShouldBeNil)
			Reset(func() { binding.Stop() })

			Convey("It should accept measurements", func() {
				res, err := http.Post("http://"+binding.Addr()+"/iot/d?i=DEV1&k=1234", "application/json", strings.NewReader(`{"t":"10"}`))
				So(err, ShouldBeNil)
				res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusOK)
			})

			Convey("Stopping twice should not fail", func() {
				So(binding.Stop(), ShouldBeNil)
				So(binding.Stop(), ShouldBeNil)
				So(binding.Start(), ShouldEqual, errors.ErrStopped)
			})
		})
	})
}
