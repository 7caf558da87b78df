// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
)

var invocationCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iot",
		Subsystem: "gateway",
		Name:      "binding_invocations_total",
		Help:      "Total number of capability invocations on bindings.",
	}, []string{"capability", "protocol", "result"},
)

func registerInvocation(capability Capability, protocol string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	invocationCounter.WithLabelValues(capability.String(), protocol, result).Inc()
}

func init() {
	prometheus.MustRegister(invocationCounter)
}
