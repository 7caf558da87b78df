// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/ingest"
	"github.com/TheThingsNetwork/device-gateway/status"
	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/TheThingsNetwork/ttn/utils/random"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// PublishTimeout is the timeout before returning from publish without checking error
var PublishTimeout = 50 * time.Millisecond

// SubscribeTimeout is the timeout for (re)subscribing to a topic
var SubscribeTimeout = 5 * time.Second

// Topic templates the binding subscribes to, with and without leading slash
var Topics = []string{
	"/+/+/attrs",
	"/+/+/attrs/+",
	"/+/+/configuration/commands",
	"/+/+/cmdexe",
	"+/+/attrs",
	"+/+/attrs/+",
	"+/+/configuration/commands",
	"+/+/cmdexe",
}

// Topic formats for commands and configuration values
var (
	CommandTopicFormat       = "/%s/%s/cmd"
	ConfigurationTopicFormat = "/%s/%s/configuration/values"
)

// Config contains configuration for MQTT
type Config struct {
	Brokers   []string
	Username  string
	Password  string
	TLSConfig *tls.Config
	QoS       byte
}

// client is the part of paho.Client that the binding uses
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// MQTT binding
type MQTT struct {
	ctx     log.Interface
	client  client
	handler *ingest.Handler
	qos     byte

	topics mapset.Set

	mu           sync.Mutex
	reconnecting bool
	started      bool
	stopped      bool
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// New returns a new MQTT binding that hands inbound messages to the handler
func New(config Config, handler *ingest.Handler, ctx log.Interface) (*MQTT, error) {
	mqtt := &MQTT{
		ctx:     ctx.WithField("Binding", "MQTT"),
		handler: handler,
		qos:     config.QoS,
		topics:  mapset.NewSet(),
	}

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	mqttOpts.SetClientID(fmt.Sprintf("gateway-%s", random.String(16)))
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetOrderMatters(false)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.Warnf("Received unhandled message on MQTT: %v", msg)
	})
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.connectionLost(err)
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.connected()
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

// Protocol implements backend.Binding
func (c *MQTT) Protocol() string {
	return types.TransportMQTT
}

func (c *MQTT) connectionLost(err error) {
	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()
	status.Disconnect()
	c.ctx.WithError(err).Warn("Disconnected. Reconnecting...")
}

func (c *MQTT) connected() {
	c.mu.Lock()
	reconnecting := c.reconnecting
	c.reconnecting = false
	c.mu.Unlock()
	status.Connect()
	c.ctx.Info("Connected")
	if reconnecting {
		if err := c.resubscribe(); err != nil {
			c.ctx.WithError(err).Error("Could not resubscribe")
		}
	}
}

// Start connects to the broker and subscribes to the device topics
func (c *MQTT) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.ErrStopped
	}
	c.started = true
	c.mu.Unlock()

	var err error
	for retries := 0; retries < ConnectRetries; retries++ {
		token := c.client.Connect()
		finished := token.WaitTimeout(1 * time.Second)
		if !finished {
			c.ctx.Warn("MQTT connection took longer than expected...")
			token.Wait()
		}
		err = token.Error()
		if err == nil {
			break
		}
		c.ctx.Warnf("Could not connect to MQTT (%s). Retrying...", err.Error())
		<-time.After(ConnectRetryDelay)
	}
	if err != nil {
		return errors.Transport(err, "could not connect to MQTT")
	}
	for _, topic := range Topics {
		if err := c.subscribe(topic); err != nil {
			return err
		}
	}
	c.ctx.WithField("Topics", len(Topics)).Info("Subscribed")
	return nil
}

// Stop disconnects from the broker. Calling Stop more than once is a no-op.
func (c *MQTT) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if c.started {
		c.client.Disconnect(100)
	}
	c.ctx.Info("Stopped")
	return nil
}

func (c *MQTT) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *MQTT) subscribe(topic string) error {
	token := c.client.Subscribe(topic, c.qos, c.handle)
	if !token.WaitTimeout(SubscribeTimeout) {
		return errors.Transport(nil, "subscribing to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Transport(err, "could not subscribe to %s", topic)
	}
	c.topics.Add(topic)
	c.ctx.WithField("Topic", topic).Debug("Subscribed")
	return nil
}

// resubscribe recreates every subscription after a reconnect
func (c *MQTT) resubscribe() error {
	for _, topic := range c.topics.ToSlice() {
		if err := c.subscribe(topic.(string)); err != nil {
			return err
		}
	}
	c.ctx.WithField("Topics", c.topics.Cardinality()).Info("Resubscribed")
	return nil
}

func (c *MQTT) handle(_ paho.Client, msg paho.Message) {
	ctx := c.ctx.WithField("Topic", msg.Topic())
	if msg.Retained() {
		ctx.Debug("Ignore retained message")
		return
	}
	message, err := ingest.ParseAddress(strings.Split(msg.Topic(), "/"))
	if err != nil {
		ctx.WithError(err).Warn("Could not parse topic")
		return
	}
	message.Transport = types.TransportMQTT
	message.Payload = msg.Payload()
	if err := c.handler.Handle(message); err != nil {
		c.handler.Drop(ctx, message, err)
		return
	}
	ctx.WithField("Size", len(msg.Payload())).Debug("Handled message")
}

func (c *MQTT) publish(ctx log.Interface, topic string, payload []byte) error {
	if c.isStopped() {
		return errors.ErrStopped
	}
	token := c.client.Publish(topic, c.qos, false, payload)
	if token.WaitTimeout(PublishTimeout) {
		if err := token.Error(); err != nil {
			return errors.Transport(err, "could not publish on %s", topic)
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
		return nil
	}
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warn("Could not publish message")
			return
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
	}()
	return nil
}

// ExecuteCommand implements backend.CommandExecutor
func (c *MQTT) ExecuteCommand(execution *types.CommandExecution) error {
	topic := fmt.Sprintf(CommandTopicFormat, execution.APIKey, execution.Device.ID)
	ctx := c.ctx.WithFields(log.Fields{
		"Topic":     topic,
		"DeviceID":  execution.Device.ID,
		"Command":   execution.Command,
		"Execution": execution.ID,
	})
	return c.publish(ctx, topic, execution.Payload)
}

// SendConfiguration implements backend.ConfigurationSender
func (c *MQTT) SendConfiguration(push *types.ConfigurationPush) error {
	payload, err := json.Marshal(push.Values)
	if err != nil {
		return errors.Wrap(errors.ErrBadPayload, err)
	}
	topic := fmt.Sprintf(ConfigurationTopicFormat, push.APIKey, push.DeviceID)
	return c.publish(c.ctx.WithFields(log.Fields{"Topic": topic, "DeviceID": push.DeviceID}), topic, payload)
}

// ErrInvalidDeviceID is returned for devices whose ID can not be used in a topic
var ErrInvalidDeviceID = errors.Client("INVALID_DEVICE_ID", "device id must not contain /, + or #")

func validate(device *types.Device) error {
	if device.ID == "" || strings.ContainsAny(device.ID, "/+#") {
		return ErrInvalidDeviceID
	}
	return nil
}

// HandleDeviceProvisioning implements backend.ProvisioningHandler
func (c *MQTT) HandleDeviceProvisioning(device *types.Device) error {
	if err := validate(device); err != nil {
		return err
	}
	c.ctx.WithField("DeviceID", device.ID).Debug("Provisioned device")
	return nil
}

// HandleDeviceUpdating implements backend.UpdatingHandler
func (c *MQTT) HandleDeviceUpdating(device *types.Device) error {
	if err := validate(device); err != nil {
		return err
	}
	c.ctx.WithField("DeviceID", device.ID).Debug("Updated device")
	return nil
}
