// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/status"
	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// State of the broker connection
type State int

// Connection states
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Connection is the part of an AMQP connection that the lifecycle uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the part of an AMQP channel that the binding uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a connection to the broker
type Dialer func(url string, tlsConfig *tls.Config) (Connection, error)

type connection struct {
	*amqp.Connection
}

func (c connection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial connects to a broker with the streadway/amqp client
func Dial(url string, tlsConfig *tls.Config) (Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if tlsConfig != nil {
		conn, err = amqp.DialTLS(url, tlsConfig)
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, err
	}
	return connection{conn}, nil
}

// lifecycle owns the broker connection. It connects with a bounded number of
// retries, reconnects when the broker closes the connection and runs setup on
// every new connection.
type lifecycle struct {
	ctx       log.Interface
	url       string
	tlsConfig *tls.Config
	dial      Dialer
	retries   int
	delay     time.Duration
	setup     func(Channel) error

	mu      sync.Mutex
	state   State
	conn    Connection
	channel Channel
	stopped bool
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) setState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.state = state
}

func (l *lifecycle) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// start makes retries+1 connection attempts and returns the last error when
// none of them succeeds
func (l *lifecycle) start() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return errors.ErrStopped
	}
	l.state = Connecting
	l.mu.Unlock()
	if err := l.connect(); err != nil {
		l.setState(Failed)
		return err
	}
	return nil
}

func (l *lifecycle) connect() (err error) {
	for attempt := 0; attempt <= l.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(l.delay)
		}
		if l.isStopped() {
			return errors.ErrStopped
		}
		var conn Connection
		conn, err = l.dial(l.url, l.tlsConfig)
		if err == nil {
			err = l.established(conn)
			if err == nil {
				return nil
			}
			conn.Close()
		}
		l.ctx.WithError(err).WithField("Attempt", attempt+1).Warn("Error trying to connect")
	}
	if err == errors.ErrStopped {
		return err
	}
	return errors.Transport(err, "could not connect to AMQP after %d attempts", l.retries+1)
}

func (l *lifecycle) established(conn Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := l.setup(ch); err != nil {
		ch.Close()
		return err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		ch.Close()
		return errors.ErrStopped
	}
	l.conn = conn
	l.channel = ch
	l.state = Connected
	l.mu.Unlock()

	status.Connect()
	l.ctx.Info("Connected")
	go l.monitor(conn, closed)
	return nil
}

// monitor waits for the connection to close and reconnects unless the close
// was requested by stop
func (l *lifecycle) monitor(conn Connection, closed chan *amqp.Error) {
	amqpErr := <-closed

	l.mu.Lock()
	if l.stopped || l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.channel = nil
	l.state = Reconnecting
	l.mu.Unlock()

	status.Disconnect()
	ctx := l.ctx
	if amqpErr != nil {
		ctx = ctx.WithError(amqpErr)
	}
	ctx.Warn("Connection closed. Reconnecting...")

	time.Sleep(l.delay)
	if err := l.connect(); err != nil {
		if err == errors.ErrStopped {
			return
		}
		l.setState(Failed)
		l.ctx.WithError(err).Error("Could not reconnect")
	}
}

// current returns the channel of the active connection
func (l *lifecycle) current() (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil, errors.ErrStopped
	}
	if l.channel == nil {
		return nil, errors.Transport(nil, "not connected to AMQP (%s)", l.state)
	}
	return l.channel, nil
}

// stop closes the connection. The stopped flag is set before closing so that
// the monitor does not reconnect. Calling stop more than once is a no-op.
func (l *lifecycle) stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.state = Disconnected
	conn := l.conn
	l.conn = nil
	l.channel = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	status.Disconnect()
	if err := conn.Close(); err != nil {
		l.ctx.WithError(err).Warn("Error closing connection")
	}
	return nil
}
