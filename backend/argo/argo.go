// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package argo receives single measurements in SOAP envelopes.
//
// Devices post to "[path]/attrs/[attr]?i=[device-id]&k=[api-key]" with an XML
// content type. Namespace prefixes in the body are ignored. The measured value
// is the element named after the attribute inside the SOAP Body, or the whole
// Body content when there is no such element. Hashed API keys are resolved
// against the XML body.
//
// Every answer is a SOAP envelope with a returnCode and a message.
package argo

import (
	"encoding/xml"
	"io/ioutil"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/ingest"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
)

// ContentTypes accepted for request bodies
var ContentTypes = []string{"application/soap+xml", "text/xml", "application/xml"}

// ResponseContentType of every answer
const ResponseContentType = "application/soap+xml; charset=utf-8"

// SOAPNamespace of the response envelope
const SOAPNamespace = "http://www.w3.org/2003/05/soap-envelope"

// MaxBodySize is the maximum size of a request body
var MaxBodySize int64 = 1 << 20

// Config contains configuration for the ARGO binding
type Config struct {
	Address string
	Path    string
}

// ARGO binding
type ARGO struct {
	ctx     log.Interface
	config  Config
	handler *ingest.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	stopped  bool
}

// New returns a new ARGO binding
func New(config Config, handler *ingest.Handler, ctx log.Interface) (*ARGO, error) {
	if config.Path == "" {
		config.Path = "/iot/soap"
	}
	return &ARGO{
		ctx:     ctx.WithField("Binding", "ARGO"),
		config:  config,
		handler: handler,
	}, nil
}

// Protocol implements backend.Binding
func (a *ARGO) Protocol() string {
	return types.TransportARGO
}

// Handler returns the http handler of the binding
func (a *ARGO) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(strings.TrimSuffix(a.config.Path, "/")+"/attrs/", a.handleAttribute)
	return mux
}

// Start listens on the configured address
func (a *ARGO) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.ErrStopped
	}
	if a.config.Address == "" {
		return errors.Client("NO_ADDRESS", "no listen address configured for ARGO")
	}
	listener, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return errors.Transport(err, "could not listen on %s", a.config.Address)
	}
	a.listener = listener
	a.server = &http.Server{Handler: a.Handler()}
	go func() {
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.ctx.WithError(err).Error("ARGO server failed")
		}
	}()
	a.ctx.WithField("Address", listener.Addr().String()).Info("Listening")
	return nil
}

// Addr returns the address the binding listens on, once started
func (a *ARGO) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop closes the listener. Calling Stop more than once is a no-op.
func (a *ARGO) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	if a.server != nil {
		if err := a.server.Close(); err != nil {
			return err
		}
	}
	a.ctx.Info("Stopped")
	return nil
}

type envelope struct {
	XMLName   xml.Name `xml:"soap:Envelope"`
	Namespace string   `xml:"xmlns:soap,attr"`
	Body      struct {
		Response response `xml:"response"`
	} `xml:"soap:Body"`
}

type response struct {
	ReturnCode int    `xml:"returnCode"`
	Message    string `xml:"message"`
}

// StatusCode returns the HTTP status for an error: its code when that is a
// 2xx to 5xx status, 500 otherwise
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	code := errors.Code(err)
	if code < 200 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}

func (a *ARGO) respond(res http.ResponseWriter, msg *ingest.Message, err error) {
	env := envelope{Namespace: SOAPNamespace}
	env.Body.Response = response{ReturnCode: StatusCode(err), Message: "OK"}
	if err != nil {
		env.Body.Response.Message = err.Error()
		if msg != nil {
			a.handler.Drop(a.ctx, msg, err)
		} else {
			a.ctx.WithError(err).Warn("Could not handle request")
		}
	}
	res.Header().Set("Content-Type", ResponseContentType)
	res.WriteHeader(env.Body.Response.ReturnCode)
	res.Write([]byte(xml.Header))
	xml.NewEncoder(res).Encode(env)
}

func accepted(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	for _, contentType := range ContentTypes {
		if mediaType == contentType {
			return true
		}
	}
	return false
}

// Value returns the measured value of the attribute in a decoded envelope
func Value(envelope *normalize.Object, attribute string) interface{} {
	var scope interface{} = envelope
	if body, ok := normalize.Find(envelope, "Body"); ok {
		scope = body
	}
	if value, ok := normalize.Find(scope, attribute); ok {
		if obj, ok := value.(*normalize.Object); ok {
			if text, ok := obj.Get(normalize.XMLTextKey); ok {
				return text
			}
		}
		return normalize.Plain(value)
	}
	return normalize.Plain(scope)
}

func (a *ARGO) handleAttribute(res http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		res.Header().Set("Allow", http.MethodPost)
		a.respond(res, nil, errors.ErrMethodNotAllowed)
		return
	}
	query := req.URL.Query()
	msg := &ingest.Message{
		Transport: types.TransportARGO,
		Kind:      ingest.Measure,
		APIKey:    query.Get("k"),
		DeviceID:  query.Get("i"),
		Timestamp: query.Get("t"),
		Attribute: strings.TrimPrefix(req.URL.Path, strings.TrimSuffix(a.config.Path, "/")+"/attrs/"),
	}
	if msg.APIKey == "" || msg.DeviceID == "" || msg.Attribute == "" || strings.Contains(msg.Attribute, "/") {
		a.respond(res, nil, errors.ErrMissingParameters)
		return
	}
	if !accepted(req.Header.Get("Content-Type")) {
		a.respond(res, msg, errors.ErrUnsupportedContentType)
		return
	}
	data, err := ioutil.ReadAll(http.MaxBytesReader(res, req.Body, MaxBodySize))
	if err != nil {
		a.respond(res, msg, errors.Wrap(errors.ErrBadPayload, err))
		return
	}
	msg.Payload = data
	body, err := normalize.ParseXML(data)
	if err != nil {
		a.respond(res, msg, err)
		return
	}
	dev, _, err := a.handler.Resolve(msg, body)
	if err != nil {
		a.respond(res, msg, err)
		return
	}
	value := Value(body, msg.Attribute)
	a.respond(res, msg, a.handler.Submit(dev, msg.Timestamp, normalize.SingleMeasurement(dev, msg.Attribute, value)))
}
