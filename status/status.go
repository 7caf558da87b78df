// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package status keeps rate meters of the gateway traffic and serves them as JSON.
package status

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	metrics "github.com/rcrowley/go-metrics"
)

var global = newStatusServer()

func newStatusServer() *statusServer {
	return &statusServer{
		measurements:  metrics.NewMeter(),
		commands:      metrics.NewMeter(),
		configuration: metrics.NewMeter(),
		dropped:       metrics.NewMeter(),
		connections:   metrics.NewCounter(),
	}
}

type statusServer struct {
	mu         sync.RWMutex
	accessKeys []string

	measurements  metrics.Meter
	commands      metrics.Meter
	configuration metrics.Meter
	dropped       metrics.Meter
	connections   metrics.Counter
}

// Rates of a meter
type Rates struct {
	Count  int64   `json:"count"`
	Rate1  float64 `json:"rate_1"`
	Rate5  float64 `json:"rate_5"`
	Rate15 float64 `json:"rate_15"`
}

// Response served by the status handler
type Response struct {
	Measurements  Rates `json:"measurements"`
	Commands      Rates `json:"commands"`
	Configuration Rates `json:"configuration"`
	Dropped       Rates `json:"dropped"`
	Connections   int64 `json:"connections"`
}

func rates(m metrics.Meter) Rates {
	snapshot := m.Snapshot()
	return Rates{
		Count:  snapshot.Count(),
		Rate1:  snapshot.Rate1(),
		Rate5:  snapshot.Rate5(),
		Rate15: snapshot.Rate15(),
	}
}

func (s *statusServer) AddAccessKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessKeys = append(s.accessKeys, key)
}

// AddAccessKey adds an access key for a client
func AddAccessKey(key string) {
	global.AddAccessKey(key)
}

// Measurements registers submitted measurements in the default status server
func Measurements(n int) {
	global.measurements.Mark(int64(n))
}

// Command registers an executed command in the default status server
func Command() {
	global.commands.Mark(1)
}

// Configuration registers a configuration push in the default status server
func Configuration() {
	global.configuration.Mark(1)
}

// Dropped registers a dropped message in the default status server
func Dropped() {
	global.dropped.Mark(1)
}

// Connect registers a broker connection in the default status server
func Connect() {
	global.connections.Inc(1)
}

// Disconnect registers a lost broker connection in the default status server
func Disconnect() {
	global.connections.Dec(1)
}

func (s *statusServer) getStatus() *Response {
	return &Response{
		Measurements:  rates(s.measurements),
		Commands:      rates(s.commands),
		Configuration: rates(s.configuration),
		Dropped:       rates(s.dropped),
		Connections:   s.connections.Snapshot().Count(),
	}
}

func (s *statusServer) authorized(r *http.Request) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.accessKeys) == 0 {
		return true
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Key ")
	for _, allowed := range s.accessKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(s.getStatus())
}

// Handler returns the http handler of the default status server
func Handler() http.Handler {
	return global
}
