// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	"github.com/googollee/go-socket.io"
)

const (
	room             = "evts"
	commandEvt       = "command"
	configurationEvt = "configuration"
	provisioningEvt  = "provisioning"
	updatingEvt      = "updating"
)

type event struct {
	name    string
	payload interface{}
}

type commandEvent struct {
	ID          string `json:"id"`
	APIKey      string `json:"apikey"`
	DeviceID    string `json:"device_id"`
	Command     string `json:"command"`
	Payload     string `json:"payload"`
	ContentType string `json:"content_type"`
}

type configurationEvent struct {
	APIKey   string                 `json:"apikey"`
	DeviceID string                 `json:"device_id"`
	Values   map[string]interface{} `json:"values"`
}

// Server is a http server that exposes the traffic of a Dummy over websockets
type Server struct {
	ctx        log.Interface
	addr       string
	server     *socketio.Server
	httpServer *http.Server
	events     chan event
	done       chan struct{}
	once       sync.Once

	mu       sync.RWMutex // Protects devices and listener
	devices  []string
	listener net.Listener
}

// NewServer creates a new server
func NewServer(ctx log.Interface, addr string) (*Server, error) {
	server, err := socketio.NewServer(nil)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ctx:     ctx.WithField("Binding", "Dummy-HTTP"),
		server:  server,
		addr:    addr,
		events:  make(chan event, BufferSize),
		done:    make(chan struct{}),
		devices: make([]string, 0),
	}
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	return s, nil
}

// Handler returns the http handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.server)
	mux.HandleFunc("/devices", func(res http.ResponseWriter, _ *http.Request) {
		res.Header().Add("content-type", "application/json; charset=utf-8")
		enc := json.NewEncoder(res)
		enc.Encode(s.Devices())
	})
	return mux
}

// Listen binds the listen address and serves http requests in the background
func (s *Server) Listen() error {
	s.server.On("connection", func(so socketio.Socket) {
		ctx := s.ctx.WithField("ID", so.Id())
		ctx.Debug("Socket connected")
		so.Join(room)
		so.On("disconnection", func() {
			ctx.Debug("Socket disconnected")
		})
	})

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.handleEvents()

	s.ctx.Infof("HTTP server listening on %s", listener.Addr())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.ctx.WithError(err).Error("Could not serve HTTP")
		}
	}()
	return nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Close stops the http server and the event broadcasts. It is safe to call more than once.
func (s *Server) Close() (err error) {
	s.once.Do(func() {
		close(s.done)
		err = s.httpServer.Close()
	})
	return
}

func (s *Server) handleEvents() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			marshalled, err := json.Marshal(evt.payload)
			if err != nil {
				s.ctx.WithError(err).Error("Could not marshal event")
				continue
			}
			s.server.BroadcastTo(room, evt.name, string(marshalled))
		}
	}
}

func (s *Server) emit(name string, payload interface{}) {
	select {
	case s.events <- event{name, payload}:
	default:
		s.ctx.Warnf("Dropping %s event on websocket", name)
	}
}

// Command emits an executed command
func (s *Server) Command(execution *types.CommandExecution) {
	s.emit(commandEvt, commandEvent{
		ID:          execution.ID,
		APIKey:      execution.APIKey,
		DeviceID:    execution.Device.ID,
		Command:     execution.Command,
		Payload:     string(execution.Payload),
		ContentType: execution.ContentType,
	})
}

// Configuration emits a configuration push
func (s *Server) Configuration(push *types.ConfigurationPush) {
	s.emit(configurationEvt, configurationEvent{
		APIKey:   push.APIKey,
		DeviceID: push.DeviceID,
		Values:   push.Values,
	})
}

// Provisioning emits a provisioned device and remembers it
func (s *Server) Provisioning(device *types.Device) {
	s.emit(provisioningEvt, device)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.devices {
		if existing == device.ID {
			return
		}
	}
	s.devices = append(s.devices, device.ID)
}

// Updating emits an updated device
func (s *Server) Updating(device *types.Device) {
	s.emit(updatingEvt, device)
}

// Devices returns the IDs of the provisioned devices
func (s *Server) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.devices...)
}
