// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package ratelimit limits the measurements and commands per device.
package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/go-utils/rate"
	redis "gopkg.in/redis.v5"
)

// Limits per minute. A zero limit is not enforced.
type Limits struct {
	Measurements int
	Commands     int
}

// New returns a RateLimit that counts in memory
func New(conf Limits) *RateLimit {
	return &RateLimit{
		limits:  conf,
		devices: make(map[string]*limits),
	}
}

// NewRedis returns a RateLimit that counts in Redis, so that the limits are
// shared between gateway instances
func NewRedis(client *redis.Client, conf Limits) *RateLimit {
	l := New(conf)
	l.client = client
	return l
}

// RateLimit measurements and commands per device
type RateLimit struct {
	limits Limits
	client *redis.Client

	mu      sync.Mutex
	devices map[string]*limits
}

type limits struct {
	measurements rate.Limiter
	commands     rate.Limiter
}

func (l *RateLimit) newLimiter(deviceID, kind string, limit int) rate.Limiter {
	if limit == 0 {
		return nil
	}
	var counter rate.Counter
	if l.client != nil {
		counter = rate.NewRedisCounter(l.client, fmt.Sprintf("ratelimit:%s:%s", deviceID, kind), time.Second, time.Minute)
	} else {
		counter = rate.NewCounter(time.Second, time.Minute)
	}
	return rate.NewLimiter(counter, time.Minute, uint64(limit))
}

func (l *RateLimit) get(deviceID string) *limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dev, ok := l.devices[deviceID]; ok {
		return dev
	}
	dev := &limits{
		measurements: l.newLimiter(deviceID, "measurements", l.limits.Measurements),
		commands:     l.newLimiter(deviceID, "commands", l.limits.Commands),
	}
	l.devices[deviceID] = dev
	return dev
}

// Forget drops the counters of a device
func (l *RateLimit) Forget(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.devices, deviceID)
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = &errors.Error{
	Kind:    errors.KindClient,
	Code:    http.StatusTooManyRequests,
	Name:    "RATE_LIMITED",
	Message: "rate limit reached",
}

func check(limiter rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	limit, err := limiter.Limit()
	if err != nil {
		return err
	}
	if limit {
		return ErrRateLimited
	}
	return nil
}

// HandleMeasurement counts a group of measurements of the device
func (l *RateLimit) HandleMeasurement(deviceID string) error {
	return check(l.get(deviceID).measurements)
}

// HandleCommand counts a command to the device
func (l *RateLimit) HandleCommand(deviceID string) error {
	return check(l.get(deviceID).commands)
}
