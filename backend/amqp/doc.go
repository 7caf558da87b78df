// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp connects to an AMQP server in order to communicate with devices.
//
// The binding declares a topic exchange (default "iota") and two queues. The
// measurement queue (default "iotaqueue") is bound to ".*.*.attrs",
// ".*.*.attrs.*" and ".*.*.configuration.commands". The command queue has the
// "_commands" suffix and is bound to ".*.*.cmdexe".
//
// Routing keys have the form ".[api-key].[device-id].[suffix]", with the same
// suffixes as the MQTT topics. Commands are published on
// ".[api-key].[device-id].cmd" and configuration values on
// ".[api-key].[device-id].configuration.values".
//
// The connection is made with Config.Retries+1 attempts, Config.RetryTime
// seconds apart. When the broker closes the connection, the binding reconnects
// with the same policy and declares the topology again. If all attempts fail
// the binding stays in the Failed state until the process restarts.
//
// Messages are consumed without acknowledgement unless Config.Ack is set, in
// which case a message is acknowledged after it was handled and rejected
// without requeue if handling failed.
package amqp
