// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/ingest"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// New returns a new AMQP binding that hands inbound messages to the handler
func New(config Config, handler *ingest.Handler, ctx log.Interface) (*AMQP, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "iota"
	}

	if config.QueueName == "" {
		config.QueueName = "iotaqueue"
	}

	if config.RetryTime == 0 {
		config.RetryTime = 5
	}

	if config.Retries < 0 {
		config.Retries = 0
	}

	if config.ConsumerPrefix == "" {
		config.ConsumerPrefix = "gateway"
		if user, err := user.Current(); err == nil {
			config.ConsumerPrefix += "-" + user.Username
		}
		if hostname, err := os.Hostname(); err == nil {
			config.ConsumerPrefix += "@" + hostname
		}
	}

	if config.Dialer == nil {
		config.Dialer = Dial
	}

	a := &AMQP{
		ctx:     ctx.WithField("Binding", "AMQP"),
		config:  config,
		handler: handler,
	}
	a.connection = &lifecycle{
		ctx:       a.ctx,
		url:       config.url(),
		tlsConfig: config.TLSConfig,
		dial:      config.Dialer,
		retries:   config.Retries,
		delay:     time.Duration(config.RetryTime) * RetryTimeUnit,
		setup:     a.setup,
	}
	return a, nil
}

// RetryTimeUnit is multiplied by Config.RetryTime to get the delay between connection attempts
var RetryTimeUnit = time.Second

// Routing key formats for outbound messages
var (
	CommandRoutingKeyFormat       = ".%s.%s.cmd"
	ConfigurationRoutingKeyFormat = ".%s.%s.configuration.values"
)

// Binding patterns of the measurement queue and the command queue
var (
	MeasurementBindings = []string{".*.*.attrs", ".*.*.attrs.*", ".*.*.configuration.commands"}
	CommandBindings     = []string{".*.*.cmdexe"}
)

// CommandQueueSuffix is appended to the queue name for the command queue
const CommandQueueSuffix = "_commands"

// Config contains configuration for AMQP
type Config struct {
	Address        string
	Username       string
	Password       string
	VHost          string
	ExchangeName   string
	QueueName      string
	ConsumerPrefix string
	Durable        bool
	Ack            bool
	Retries        int
	RetryTime      int
	TLSConfig      *tls.Config
	Dialer         Dialer
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

// AMQP binding
type AMQP struct {
	config     Config
	ctx        log.Interface
	handler    *ingest.Handler
	connection *lifecycle
}

// Protocol implements backend.Binding
func (a *AMQP) Protocol() string {
	return types.TransportAMQP
}

// State returns the state of the broker connection
func (a *AMQP) State() State {
	return a.connection.State()
}

// Start connects to the broker, declares the topology and starts consuming
func (a *AMQP) Start() error {
	return a.connection.start()
}

// Stop closes the broker connection. Calling Stop more than once is a no-op.
func (a *AMQP) Stop() error {
	if err := a.connection.stop(); err != nil {
		return err
	}
	a.ctx.Info("Stopped")
	return nil
}

type queue struct {
	name     string
	bindings []string
}

func (a *AMQP) queues() []queue {
	return []queue{
		{a.config.QueueName, MeasurementBindings},
		{a.config.QueueName + CommandQueueSuffix, CommandBindings},
	}
}

// setup declares the exchange and the queues and starts a consumer per queue.
// It runs on every (re)connect.
func (a *AMQP) setup(ch Channel) error {
	if err := ch.ExchangeDeclare(a.config.ExchangeName, "topic", a.config.Durable, false, false, false, nil); err != nil {
		return err
	}
	for _, q := range a.queues() {
		if _, err := ch.QueueDeclare(q.name, a.config.Durable, false, false, false, nil); err != nil {
			return err
		}
		for _, key := range q.bindings {
			if err := ch.QueueBind(q.name, key, a.config.ExchangeName, false, nil); err != nil {
				return err
			}
		}
		consumerName := a.config.ConsumerPrefix + "-" + q.name
		deliveries, err := ch.Consume(q.name, consumerName, !a.config.Ack, false, false, false, nil)
		if err != nil {
			return err
		}
		a.ctx.WithField("Queue", q.name).Debug("Consuming")
		go a.consume(q.name, deliveries)
	}
	return nil
}

func (a *AMQP) consume(queue string, deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		go a.handle(delivery)
	}
	a.ctx.WithField("Queue", queue).Debug("Consumer closed")
}

func (a *AMQP) handle(delivery amqp.Delivery) {
	ctx := a.ctx.WithField("RoutingKey", delivery.RoutingKey)
	err := a.handleDelivery(ctx, delivery)
	if !a.config.Ack {
		return
	}
	if err != nil {
		delivery.Nack(false, false)
		return
	}
	delivery.Ack(false)
}

func (a *AMQP) handleDelivery(ctx log.Interface, delivery amqp.Delivery) error {
	message, err := ingest.ParseAddress(strings.Split(delivery.RoutingKey, "."))
	if err != nil {
		ctx.WithError(err).Warn("Could not parse routing key")
		return err
	}
	message.Transport = types.TransportAMQP
	message.Payload = delivery.Body
	if err := a.handler.Handle(message); err != nil {
		a.handler.Drop(ctx, message, err)
		return err
	}
	ctx.WithField("Size", len(delivery.Body)).Debug("Handled message")
	return nil
}

func (a *AMQP) publish(ctx log.Interface, routingKey string, msg amqp.Publishing) error {
	ch, err := a.connection.current()
	if err != nil {
		return err
	}
	msg.Timestamp = time.Now()
	if err := ch.Publish(a.config.ExchangeName, routingKey, false, false, msg); err != nil {
		return errors.Transport(err, "could not publish on %s", routingKey)
	}
	ctx.WithField("Size", len(msg.Body)).Debug("Published message")
	return nil
}

// ExecuteCommand implements backend.CommandExecutor
func (a *AMQP) ExecuteCommand(execution *types.CommandExecution) error {
	routingKey := fmt.Sprintf(CommandRoutingKeyFormat, execution.APIKey, execution.Device.ID)
	ctx := a.ctx.WithFields(log.Fields{
		"RoutingKey": routingKey,
		"DeviceID":   execution.Device.ID,
		"Command":    execution.Command,
		"Execution":  execution.ID,
	})
	return a.publish(ctx, routingKey, amqp.Publishing{
		MessageId:   execution.ID,
		ContentType: execution.ContentType,
		Body:        execution.Payload,
	})
}

// SendConfiguration implements backend.ConfigurationSender
func (a *AMQP) SendConfiguration(push *types.ConfigurationPush) error {
	body, err := json.Marshal(push.Values)
	if err != nil {
		return errors.Wrap(errors.ErrBadPayload, err)
	}
	routingKey := fmt.Sprintf(ConfigurationRoutingKeyFormat, push.APIKey, push.DeviceID)
	return a.publish(a.ctx.WithFields(log.Fields{"RoutingKey": routingKey, "DeviceID": push.DeviceID}), routingKey, amqp.Publishing{
		MessageId:   uuid.New().String(),
		ContentType: "application/json",
		Body:        body,
	})
}

// ErrInvalidDeviceID is returned for devices whose ID can not be used in a routing key
var ErrInvalidDeviceID = errors.Client("INVALID_DEVICE_ID", "device id must not contain ., * or #")

func validate(device *types.Device) error {
	if device.ID == "" || strings.ContainsAny(device.ID, ".*#") {
		return ErrInvalidDeviceID
	}
	return nil
}

// HandleDeviceProvisioning implements backend.ProvisioningHandler
func (a *AMQP) HandleDeviceProvisioning(device *types.Device) error {
	if err := validate(device); err != nil {
		return err
	}
	a.ctx.WithField("DeviceID", device.ID).Debug("Provisioned device")
	return nil
}

// HandleDeviceUpdating implements backend.UpdatingHandler
func (a *AMQP) HandleDeviceUpdating(device *types.Device) error {
	if err := validate(device); err != nil {
		return err
	}
	a.ctx.WithField("DeviceID", device.ID).Debug("Updated device")
	return nil
}
