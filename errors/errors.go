// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package errors classifies gateway errors so that bindings can map them to
// transport specific responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind of error
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	KindClient
	KindNotFound
	KindTransport
	KindDownstream
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindNotFound:
		return "not found"
	case KindTransport:
		return "transport"
	case KindDownstream:
		return "downstream"
	}
	return "unknown"
}

// Error is a classified gateway error
type Error struct {
	Kind    Kind
	Code    int
	Name    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same Name, so that wrapped sentinels compare equal
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Name != "" && t.Name == e.Name
}

func newError(kind Kind, code int, name, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Name: name, Message: fmt.Sprintf(format, args...)}
}

// Client returns a client error (4xx)
func Client(name, format string, args ...interface{}) *Error {
	return newError(KindClient, http.StatusBadRequest, name, format, args...)
}

// NotFound returns a not found error (404)
func NotFound(name, format string, args ...interface{}) *Error {
	return newError(KindNotFound, http.StatusNotFound, name, format, args...)
}

// Transport wraps a broker or network error
func Transport(err error, format string, args ...interface{}) *Error {
	e := newError(KindTransport, http.StatusServiceUnavailable, "TRANSPORT_ERROR", format, args...)
	e.Err = err
	return e
}

// Downstream wraps an error returned by the device service
func Downstream(err error, format string, args ...interface{}) *Error {
	e := newError(KindDownstream, http.StatusInternalServerError, "DOWNSTREAM_ERROR", format, args...)
	e.Err = err
	return e
}

// Wrap returns a copy of the sentinel with a cause attached
func Wrap(sentinel *Error, err error) *Error {
	e := *sentinel
	e.Err = err
	return &e
}

// Sentinel errors
var (
	ErrDeviceNotFound         = NotFound("DEVICE_NOT_FOUND", "device not found")
	ErrAPIKeyNotFound         = NotFound("APIKEY_NOT_FOUND", "api key not found")
	ErrMissingParameters      = Client("MANDATORY_PARAMS_NOT_FOUND", "mandatory parameters not found")
	ErrUnsupportedContentType = newError(KindClient, http.StatusUnsupportedMediaType, "UNSUPPORTED_CONTENT_TYPE", "unsupported content type")
	ErrBadHashedKey           = Client("BAD_HASHED_KEY", "hashed api key must have the form prefix.<field>.<secret>")
	ErrHashedFieldNotFound    = Client("HASHED_FIELD_NOT_FOUND", "field used for the hashed api key not found in payload")
	ErrBadPayload             = Client("BAD_PAYLOAD", "payload could not be parsed")
	ErrNoEndpoint             = Client("NO_ENDPOINT", "device has no endpoint")
	ErrUnsupportedRequest     = Client("UNSUPPORTED_REQUEST", "unsupported request type")
	ErrBindingNotFound        = NotFound("BINDING_NOT_FOUND", "no binding for the device transport")
	ErrStopped                = newError(KindTransport, http.StatusServiceUnavailable, "STOPPED", "binding stopped")
	ErrMethodNotAllowed       = newError(KindClient, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
)

func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the Kind of err
func KindOf(err error) Kind {
	if e := classify(err); e != nil {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound returns true if err is a not found error
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsClient returns true if err is a client error
func IsClient(err error) bool {
	return KindOf(err) == KindClient
}

// Code returns the status code for err, or 500 if it is not classified
func Code(err error) int {
	if e := classify(err); e != nil && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// Name returns the error name for err
func Name(err error) string {
	if e := classify(err); e != nil && e.Name != "" {
		return e.Name
	}
	return "INTERNAL_ERROR"
}
