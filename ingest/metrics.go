// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ingest

import (
	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var handledCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iot",
		Subsystem: "gateway",
		Name:      "messages_handled_total",
		Help:      "Total number of device messages handled.",
	}, []string{"transport", "message_type"},
)

var failedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iot",
		Subsystem: "gateway",
		Name:      "messages_failed_total",
		Help:      "Total number of device messages that could not be handled.",
	}, []string{"transport", "message_type", "error"},
)

func registerHandled(msg *Message, err error) {
	if err != nil {
		failedCounter.WithLabelValues(msg.Transport, msg.Kind.String(), errors.Name(err)).Inc()
		return
	}
	handledCounter.WithLabelValues(msg.Transport, msg.Kind.String()).Inc()
}

func init() {
	prometheus.MustRegister(handledCounter)
	prometheus.MustRegister(failedCounter)
}
