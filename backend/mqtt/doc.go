// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt connects to an MQTT broker in order to communicate with devices.
//
// Devices publish measurements on "/[api-key]/[device-id]/attrs" (a JSON
// object, or an array of objects) or on "/[api-key]/[device-id]/attrs/[attr]"
// (the raw value of a single attribute). The leading slash is optional.
//
// Configuration requests are published on
// "/[api-key]/[device-id]/configuration/commands" and answered on
// "/[api-key]/[device-id]/configuration/values".
//
// Commands are sent to the device on "/[api-key]/[device-id]/cmd" and the
// device reports the results on "/[api-key]/[device-id]/cmdexe" as a JSON
// object keyed by command name.
//
// Retained messages are ignored. After a reconnect, all subscriptions are
// recreated.
package mqtt
