// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package http receives measurements over plain HTTP and delivers commands to
// the endpoints of HTTP devices.
//
// Devices post measurements to "[path]?i=[device-id]&k=[api-key]" with a JSON
// object, a list of objects or an NGSI shaped body. A GET request, or a POST
// with an empty body, carries the JSON payload in the "d" parameter. The
// optional "t" parameter overrides the timestamp of every measurement.
//
// A single attribute is posted to "[path]/attrs/[attr]" as text/plain or as
// application/octet-stream, in which case the measured value is the base64
// encoding of the body. Command results go to "[path]/commands" and
// configuration requests to "[path]/configuration".
package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/ingest"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
)

// Query parameters
const (
	ParamDeviceID  = "i"
	ParamAPIKey    = "k"
	ParamTimestamp = "t"
	ParamData      = "d"
)

// Content types of single attribute bodies
const (
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
	ContentTypeJSON   = "application/json"
)

// MaxBodySize is the maximum size of a request body
var MaxBodySize int64 = 1 << 20

// Config contains configuration for the HTTP binding
type Config struct {
	Address string
	Path    string
	Timeout time.Duration
}

// HTTP binding
type HTTP struct {
	ctx     log.Interface
	config  Config
	handler *ingest.Handler
	client  *http.Client

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	stopped  bool
}

// New returns a new HTTP binding
func New(config Config, handler *ingest.Handler, ctx log.Interface) (*HTTP, error) {
	if config.Path == "" {
		config.Path = "/iot/json"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &HTTP{
		ctx:     ctx.WithField("Binding", "HTTP"),
		config:  config,
		handler: handler,
		client:  &http.Client{Timeout: config.Timeout},
	}, nil
}

// Protocol implements backend.Binding
func (h *HTTP) Protocol() string {
	return types.TransportHTTP
}

// Handler returns the http handler of the binding
func (h *HTTP) Handler() http.Handler {
	path := strings.TrimSuffix(h.config.Path, "/")
	mux := http.NewServeMux()
	mux.HandleFunc(path, h.handleMeasures)
	mux.HandleFunc(path+"/attrs/", h.handleAttribute)
	mux.HandleFunc(path+"/commands", h.handleCommandResults)
	mux.HandleFunc(path+"/configuration", h.handleConfiguration)
	return mux
}

// Start listens on the configured address
func (h *HTTP) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return errors.ErrStopped
	}
	if h.config.Address == "" {
		return errors.Client("NO_ADDRESS", "no listen address configured for HTTP")
	}
	listener, err := net.Listen("tcp", h.config.Address)
	if err != nil {
		return errors.Transport(err, "could not listen on %s", h.config.Address)
	}
	h.listener = listener
	h.server = &http.Server{Handler: h.Handler()}
	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.ctx.WithError(err).Error("HTTP server failed")
		}
	}()
	h.ctx.WithField("Address", listener.Addr().String()).Info("Listening")
	return nil
}

// Addr returns the address the binding listens on, once started
func (h *HTTP) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop closes the listener. Calling Stop more than once is a no-op.
func (h *HTTP) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	if h.server != nil {
		if err := h.server.Close(); err != nil {
			return err
		}
	}
	h.ctx.Info("Stopped")
	return nil
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (h *HTTP) respond(res http.ResponseWriter, msg *ingest.Message, err error) {
	if err == nil {
		res.WriteHeader(http.StatusOK)
		return
	}
	ctx := h.ctx
	if msg != nil {
		h.handler.Drop(ctx, msg, err)
	} else {
		ctx.WithError(err).Warn("Could not handle request")
	}
	res.Header().Set("Content-Type", "application/json; charset=utf-8")
	res.WriteHeader(errors.Code(err))
	json.NewEncoder(res).Encode(errorResponse{
		Name:    errors.Name(err),
		Message: err.Error(),
	})
}

// message builds the inbound message of a request from its query parameters
func message(req *http.Request, kind ingest.Kind) (*ingest.Message, error) {
	query := req.URL.Query()
	msg := &ingest.Message{
		Transport: types.TransportHTTP,
		Kind:      kind,
		APIKey:    query.Get(ParamAPIKey),
		DeviceID:  query.Get(ParamDeviceID),
		Timestamp: query.Get(ParamTimestamp),
	}
	if msg.APIKey == "" || msg.DeviceID == "" {
		return nil, errors.ErrMissingParameters
	}
	return msg, nil
}

func readBody(res http.ResponseWriter, req *http.Request) ([]byte, error) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(res, req.Body, MaxBodySize))
	if err != nil {
		return nil, errors.Wrap(errors.ErrBadPayload, err)
	}
	return body, nil
}

func contentType(req *http.Request) string {
	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

func allowed(res http.ResponseWriter, req *http.Request, methods ...string) bool {
	for _, method := range methods {
		if req.Method == method {
			return true
		}
	}
	res.Header().Set("Allow", strings.Join(methods, ", "))
	res.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

func (h *HTTP) handleMeasures(res http.ResponseWriter, req *http.Request) {
	if !allowed(res, req, http.MethodGet, http.MethodPost) {
		return
	}
	msg, err := message(req, ingest.Measures)
	if err != nil {
		h.respond(res, nil, err)
		return
	}
	if req.Method == http.MethodGet {
		data := req.URL.Query().Get(ParamData)
		if data == "" {
			h.respond(res, msg, errors.ErrMissingParameters)
			return
		}
		msg.Payload = []byte(data)
	} else {
		if msg.Payload, err = readBody(res, req); err != nil {
			h.respond(res, msg, err)
			return
		}
		if len(bytes.TrimSpace(msg.Payload)) == 0 {
			msg.Payload = []byte(req.URL.Query().Get(ParamData))
		}
	}
	h.respond(res, msg, h.handler.Handle(msg))
}

func (h *HTTP) handleAttribute(res http.ResponseWriter, req *http.Request) {
	if !allowed(res, req, http.MethodPost) {
		return
	}
	msg, err := message(req, ingest.Measure)
	if err != nil {
		h.respond(res, nil, err)
		return
	}
	prefix := strings.TrimSuffix(h.config.Path, "/") + "/attrs/"
	msg.Attribute = strings.TrimPrefix(req.URL.Path, prefix)
	if msg.Attribute == "" || strings.Contains(msg.Attribute, "/") {
		h.respond(res, msg, errors.ErrMissingParameters)
		return
	}
	body, err := readBody(res, req)
	if err != nil {
		h.respond(res, msg, err)
		return
	}
	switch contentType(req) {
	case ContentTypeText:
		msg.Payload = body
	case ContentTypeBinary:
		msg.Payload = []byte(base64.StdEncoding.EncodeToString(body))
	default:
		h.respond(res, msg, errors.ErrUnsupportedContentType)
		return
	}
	h.respond(res, msg, h.handler.Handle(msg))
}

func (h *HTTP) handleCommandResults(res http.ResponseWriter, req *http.Request) {
	h.handleJSON(res, req, ingest.CommandResult)
}

func (h *HTTP) handleConfiguration(res http.ResponseWriter, req *http.Request) {
	h.handleJSON(res, req, ingest.Configuration)
}

func (h *HTTP) handleJSON(res http.ResponseWriter, req *http.Request, kind ingest.Kind) {
	if !allowed(res, req, http.MethodPost) {
		return
	}
	msg, err := message(req, kind)
	if err != nil {
		h.respond(res, nil, err)
		return
	}
	if msg.Payload, err = readBody(res, req); err != nil {
		h.respond(res, msg, err)
		return
	}
	h.respond(res, msg, h.handler.Handle(msg))
}

func (h *HTTP) post(dev *types.Device, body []byte, contentType string) (*http.Response, error) {
	if dev == nil || dev.Endpoint == "" {
		return nil, errors.ErrNoEndpoint
	}
	req, err := http.NewRequest(http.MethodPost, dev.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Client("INVALID_ENDPOINT", "invalid endpoint %s", dev.Endpoint)
	}
	req.Header.Set("Content-Type", contentType)
	if dev.Service != "" {
		req.Header.Set("Fiware-Service", dev.Service)
	}
	if dev.Subservice != "" {
		req.Header.Set("Fiware-ServicePath", dev.Subservice)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Transport(err, "could not reach %s", dev.Endpoint)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Body.Close()
		return nil, errors.Transport(nil, "endpoint %s answered %d", dev.Endpoint, res.StatusCode)
	}
	return res, nil
}

// ExecuteCommand implements backend.CommandExecutor. The command is posted to
// the device endpoint. A JSON object in the answer is recorded as command
// results.
func (h *HTTP) ExecuteCommand(execution *types.CommandExecution) error {
	ctx := h.ctx.WithFields(log.Fields{
		"DeviceID":  execution.Device.ID,
		"Command":   execution.Command,
		"Execution": execution.ID,
	})
	res, err := h.post(execution.Device, execution.Payload, execution.ContentType)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := ioutil.ReadAll(res.Body)
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		ctx.Debug("Executed command")
		return nil
	}
	if payload, err := normalize.ParseJSON(body); err == nil {
		if results, ok := payload.(*normalize.Object); ok {
			if err := h.handler.RecordResults(execution.Device, results); err != nil {
				return err
			}
		}
	}
	ctx.WithField("Size", len(body)).Debug("Executed command")
	return nil
}

// SendConfiguration implements backend.ConfigurationSender
func (h *HTTP) SendConfiguration(push *types.ConfigurationPush) error {
	body, err := json.Marshal(push.Values)
	if err != nil {
		return errors.Wrap(errors.ErrBadPayload, err)
	}
	res, err := h.post(push.Device, body, ContentTypeJSON)
	if err != nil {
		return err
	}
	res.Body.Close()
	h.ctx.WithField("DeviceID", push.DeviceID).Debug("Sent configuration")
	return nil
}

func (h *HTTP) prepare(device *types.Device) error {
	if device.Endpoint == "" {
		device.Polling = true
		return nil
	}
	u, err := url.Parse(device.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Client("INVALID_ENDPOINT", "invalid endpoint %s", device.Endpoint)
	}
	device.Polling = false
	return nil
}

// HandleDeviceProvisioning implements backend.ProvisioningHandler. Devices
// without endpoint are marked as polling devices.
func (h *HTTP) HandleDeviceProvisioning(device *types.Device) error {
	if err := h.prepare(device); err != nil {
		return err
	}
	h.ctx.WithFields(log.Fields{"DeviceID": device.ID, "Polling": device.Polling}).Debug("Provisioned device")
	return nil
}

// HandleDeviceUpdating implements backend.UpdatingHandler
func (h *HTTP) HandleDeviceUpdating(device *types.Device) error {
	if err := h.prepare(device); err != nil {
		return err
	}
	h.ctx.WithFields(log.Fields{"DeviceID": device.ID, "Polling": device.Polling}).Debug("Updated device")
	return nil
}
