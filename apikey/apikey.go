// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package apikey resolves the API keys that identify a device for an inbound
// message, including keys derived from a payload field.
package apikey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/TheThingsNetwork/device-gateway/device"
	"github.com/TheThingsNetwork/device-gateway/errors"
	"github.com/TheThingsNetwork/device-gateway/normalize"
	"github.com/TheThingsNetwork/device-gateway/types"
)

// HashPrefix marks an API key that is derived from a payload field
const HashPrefix = "hash"

// HashAlgorithm is prepended to every derived key
const HashAlgorithm = "h256"

// HashLength is the number of digest characters kept in a derived key
const HashLength = 20

// IsHashed returns true if the key must be derived from the payload, that is
// if it starts with "hash."
func IsHashed(rawKey string) bool {
	return strings.HasPrefix(rawKey, HashPrefix+".")
}

// Hash derives a key from the field text with the given secret
func Hash(secret, text string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(text))
	digest := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	return HashAlgorithm + digest[:HashLength]
}

// ResolveCandidates returns the keys to try for the raw key, in order. A
// hashed key has the form hash.<field>.<secret>; the field is searched for in
// the decoded body (see normalize.Find) and the result is [derived, secret].
func ResolveCandidates(rawKey string, body interface{}) ([]string, error) {
	if !IsHashed(rawKey) {
		return []string{rawKey}, nil
	}
	parts := strings.SplitN(rawKey, ".", 3)
	if len(parts) != 3 || parts[0] != HashPrefix || parts[1] == "" || parts[2] == "" {
		return nil, errors.ErrBadHashedKey
	}
	field, secret := parts[1], parts[2]
	value, ok := normalize.Find(body, field)
	if !ok {
		return nil, errors.ErrHashedFieldNotFound
	}
	return []string{Hash(secret, normalize.Text(value)), secret}, nil
}

// LookupDevice tries the candidates in order. A not found error moves on to
// the next candidate, any other error is returned immediately. If no
// candidate matches, the last not found error is returned.
func LookupDevice(service device.Interface, candidates []string, deviceID string) (dev *types.Device, apiKey string, err error) {
	if len(candidates) == 0 {
		return nil, "", errors.ErrMissingParameters
	}
	for _, candidate := range candidates {
		dev, err = service.LookupDeviceByKey(candidate, deviceID)
		if err == nil {
			return dev, candidate, nil
		}
		if !errors.IsNotFound(err) {
			return nil, "", err
		}
	}
	return nil, "", err
}

// Resolve combines ResolveCandidates and LookupDevice
func Resolve(service device.Interface, rawKey, deviceID string, body interface{}) (*types.Device, string, error) {
	if rawKey == "" || deviceID == "" {
		return nil, "", errors.ErrMissingParameters
	}
	candidates, err := ResolveCandidates(rawKey, body)
	if err != nil {
		return nil, "", err
	}
	return LookupDevice(service, candidates, deviceID)
}
