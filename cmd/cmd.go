// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/device-gateway/backend"
	"github.com/TheThingsNetwork/device-gateway/backend/amqp"
	"github.com/TheThingsNetwork/device-gateway/backend/argo"
	"github.com/TheThingsNetwork/device-gateway/backend/dummy"
	httpbackend "github.com/TheThingsNetwork/device-gateway/backend/http"
	"github.com/TheThingsNetwork/device-gateway/backend/mqtt"
	"github.com/TheThingsNetwork/device-gateway/command"
	"github.com/TheThingsNetwork/device-gateway/configuration"
	"github.com/TheThingsNetwork/device-gateway/device"
	"github.com/TheThingsNetwork/device-gateway/exchange"
	"github.com/TheThingsNetwork/device-gateway/ingest"
	"github.com/TheThingsNetwork/device-gateway/ratelimit"
	"github.com/TheThingsNetwork/device-gateway/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// deviceService fires provisioning events on the exchange and deletions on the rate limits
type deviceService interface {
	device.Interface
	SetEvents(events device.Events)
	NotifyDelete(forgetter device.Forgetter)
}

func addBinding(gateway *exchange.Exchange, binding backend.Binding) {
	if err := gateway.AddBinding(binding); err != nil {
		ctx.WithError(err).WithField("Protocol", binding.Protocol()).Fatal("Could not add binding")
	}
}

func runGateway(cmd *cobra.Command, args []string) {
	gateway := exchange.New(ctx, config.GetString("default-transport"))

	var closers []io.Closer
	defer func() {
		for _, closer := range closers {
			closer.Close()
		}
	}()

	// Set up the device service
	var (
		service     deviceService
		redisClient *redis.Client
		deviceFile  *device.File
		requests    <-chan *device.CommandRequest
	)
	if config.GetBool("redis") {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.GetString("redis-address"),
			Password: config.GetString("redis-password"),
			DB:       config.GetInt("redis-db"),
		})
		ctx.Info("Initializing Redis device service")
		r := device.NewRedis(redisClient, "")
		var closer io.Closer
		var err error
		requests, closer, err = r.CommandRequests(ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not subscribe to command requests")
		}
		closers = append(closers, closer)
		service = r
	} else if devicesFile := config.GetString("devices-file"); devicesFile != "" {
		ctx.WithField("File", devicesFile).Info("Initializing file device service")
		f, err := device.NewFile(ctx, devicesFile)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize device file")
		}
		closers = append(closers, f)
		deviceFile = f
		service = f
	} else {
		ctx.Info("Initializing memory device service")
		service = device.NewMemory()
	}
	service.SetEvents(gateway)

	// Set up rate limits
	limits := ratelimit.Limits{
		Measurements: config.GetInt("ratelimit-measurements"),
		Commands:     config.GetInt("ratelimit-commands"),
	}
	var limit *ratelimit.RateLimit
	if limits.Measurements != 0 || limits.Commands != 0 {
		if redisClient != nil {
			limit = ratelimit.NewRedis(redisClient, limits)
		} else {
			limit = ratelimit.New(limits)
		}
	}

	relay := configuration.New(ctx, service, gateway)
	handler := ingest.New(ctx, service, relay)
	executor := command.New(ctx, gateway, service, nil, config.GetString("default-api-key"))
	if limit != nil {
		handler.WithRateLimit(limit)
		executor.WithRateLimit(limit)
		service.NotifyDelete(limit)
	}

	// Set up the MQTT binding
	if b, err := parseBroker(config.GetString("mqtt")); err != nil {
		ctx.WithError(err).Fatal("Invalid MQTT broker")
	} else if b != nil {
		ctx.WithField("Username", b.Username).WithField("Address", b.Address).Info("Initializing MQTT")
		binding, err := mqtt.New(mqtt.Config{
			Brokers:  []string{"tcp://" + b.Address},
			Username: b.Username,
			Password: b.Password,
			QoS:      byte(config.GetInt("mqtt-qos")),
		}, handler, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize MQTT")
		}
		addBinding(gateway, binding)
	}

	// Set up the AMQP binding
	if b, err := parseBroker(config.GetString("amqp")); err != nil {
		ctx.WithError(err).Fatal("Invalid AMQP broker")
	} else if b != nil {
		ctx.WithField("Username", b.Username).WithField("Address", b.Address).Info("Initializing AMQP")
		binding, err := amqp.New(amqp.Config{
			Address:      b.Address,
			Username:     b.Username,
			Password:     b.Password,
			ExchangeName: config.GetString("amqp-exchange"),
			QueueName:    config.GetString("amqp-queue"),
			Durable:      config.GetBool("amqp-durable"),
			Ack:          config.GetBool("amqp-ack"),
			Retries:      config.GetInt("amqp-retries"),
			RetryTime:    config.GetInt("amqp-retry-time"),
		}, handler, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize AMQP")
		}
		addBinding(gateway, binding)
	}

	// Set up the HTTP binding
	if address := config.GetString("http-address"); address != "disable" {
		binding, err := httpbackend.New(httpbackend.Config{
			Address: address,
			Path:    config.GetString("http-path"),
			Timeout: config.GetDuration("http-timeout"),
		}, handler, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize HTTP")
		}
		addBinding(gateway, binding)
	}

	// Set up the ARGO binding
	if address := config.GetString("argo-address"); address != "disable" {
		binding, err := argo.New(argo.Config{
			Address: address,
			Path:    config.GetString("argo-path"),
		}, handler, ctx)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize ARGO")
		}
		addBinding(gateway, binding)
	}

	// Set up the loopback binding with its debug server
	if address := config.GetString("dummy"); address != "" && address != "disable" {
		binding, err := dummy.New(ctx, config.GetString("dummy-protocol")).WithHTTPServer(address)
		if err != nil {
			ctx.WithError(err).Fatal("Could not initialize dummy binding")
		}
		addBinding(gateway, binding)
	}

	// Set up the metrics and status listener
	for _, key := range config.GetStringSlice("status-access-keys") {
		status.AddAccessKey(key)
	}
	if address := config.GetString("metrics-address"); address != "" && address != "disable" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/status", status.Handler())
		go func() {
			ctx.WithField("Address", address).Info("Serving metrics and status")
			if err := http.ListenAndServe(address, mux); err != nil {
				ctx.WithError(err).Error("Could not serve metrics and status")
			}
		}()
	}

	if err := gateway.Start(); err != nil {
		ctx.WithError(err).Fatal("Could not start all bindings")
	}
	ctx.WithField("Protocols", gateway.Protocols()).Info("All bindings started")

	defer func() {
		if err := gateway.Stop(); err != nil {
			ctx.WithError(err).Warn("Could not stop all bindings")
		}
		time.Sleep(100 * time.Millisecond)
	}()

	if deviceFile != nil {
		if err := deviceFile.Load(); err != nil {
			ctx.WithError(err).Fatal("Could not load device file")
		}
	}

	if requests != nil {
		go executor.Serve(requests)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")
}

func init() {
	GatewayCmd.Flags().String("log-file", "", "Location of the log file")

	GatewayCmd.Flags().String("default-transport", "MQTT", "Transport of devices that do not declare one")
	GatewayCmd.Flags().String("default-api-key", "", "API key for commands to devices without key or group")

	GatewayCmd.Flags().String("devices-file", "", "Location of a YAML file with devices and groups")
	GatewayCmd.Flags().Bool("redis", false, "Use the Redis device service")
	GatewayCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	GatewayCmd.Flags().String("redis-password", "", "Redis password")
	GatewayCmd.Flags().Int("redis-db", 0, "Redis database")

	GatewayCmd.Flags().Int("ratelimit-measurements", 0, "Measurement groups per device per minute (0 is unlimited)")
	GatewayCmd.Flags().Int("ratelimit-commands", 0, "Commands per device per minute (0 is unlimited)")

	GatewayCmd.Flags().String("mqtt", "guest:guest@localhost:1883", "MQTT Broker to connect to (disable with \"disable\")")
	GatewayCmd.Flags().Int("mqtt-qos", 0, "QoS of MQTT subscriptions and publications")

	GatewayCmd.Flags().String("amqp", "guest:guest@localhost:5672", "AMQP Broker to connect to (disable with \"disable\")")
	GatewayCmd.Flags().String("amqp-exchange", "iota", "AMQP topic exchange")
	GatewayCmd.Flags().String("amqp-queue", "iotaqueue", "AMQP measurement queue")
	GatewayCmd.Flags().Bool("amqp-durable", false, "Declare durable AMQP exchange and queues")
	GatewayCmd.Flags().Bool("amqp-ack", false, "Acknowledge AMQP messages after handling them")
	GatewayCmd.Flags().Int("amqp-retries", 5, "AMQP connection retries")
	GatewayCmd.Flags().Int("amqp-retry-time", 5, "Seconds between AMQP connection attempts")

	GatewayCmd.Flags().String("http-address", ":7896", "HTTP listen address (disable with \"disable\")")
	GatewayCmd.Flags().String("http-path", "/iot/json", "HTTP base path")
	GatewayCmd.Flags().Duration("http-timeout", 10*time.Second, "Timeout of requests to device endpoints")

	GatewayCmd.Flags().String("argo-address", ":7897", "ARGO listen address (disable with \"disable\")")
	GatewayCmd.Flags().String("argo-path", "/iot/soap", "ARGO base path")

	GatewayCmd.Flags().String("dummy", "disable", "Listen address of the debug server of the loopback binding (disable with \"disable\")")
	GatewayCmd.Flags().String("dummy-protocol", "DUMMY", "Transport the loopback binding registers for")

	GatewayCmd.Flags().String("metrics-address", ":9090", "Listen address of the metrics and status server (disable with \"disable\")")
	GatewayCmd.Flags().StringSlice("status-access-keys", nil, "Access keys of the status endpoint")

	viper.BindPFlags(GatewayCmd.Flags())
}
