// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package provisioning

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ResourceURI returns the resource a registration token is scoped to.
func ResourceURI(scopeID, registrationID string) string {
	return scopeID + "/registrations/" + registrationID
}

// SASToken returns a shared access signature for resource, signed with the
// base64 encoded key and valid until expiry. keyName is omitted if empty.
func SASToken(key, resource, keyName string, expiry time.Time) (string, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: decode key: %v", ErrInvalidArgument, err)
	}

	se := strconv.FormatInt(expiry.Unix(), 10)
	sr := url.QueryEscape(resource)

	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := "SharedAccessSignature sr=" + sr + "&sig=" + url.QueryEscape(sig) + "&se=" + se
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}

	return token, nil
}

// DeriveDeviceKey returns the device key for registrationID derived from a
// base64 encoded enrollment group key.
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	k, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("%w: decode group key: %v", ErrInvalidArgument, err)
	}

	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
