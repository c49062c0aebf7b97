// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package storage defines the persisted form of completed registrations and
// the interface the storage backends implement.
package storage

import (
	"encoding/json"
	"errors"
)

const (
	// RegistrationKey prefixes registration records in a store.
	RegistrationKey = "REG"
)

var (
	// ErrDBFileNotOpen indicates that the database wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")

	// ErrNotFound indicates no record exists for the key.
	ErrNotFound = errors.New("registration not found")

	// ErrInvalidRecord indicates a record is missing its registration id.
	ErrInvalidRecord = errors.New("registration id is required")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Registration is a storable representation of a completed device
// registration.
type Registration struct {
	AuthorizationKey []byte `json:"authorizationKey,omitempty"` // key issued to tpm devices
	RegistrationID   string `json:"registrationId"`             // the registration id / storage key
	DeviceID         string `json:"deviceId"`                   // the device id assigned by the service
	AssignedHub      string `json:"assignedHub"`                // the hub the device was assigned to
	Attestation      string `json:"attestation"`                // the attestation mechanism used
	OperationID      string `json:"operationId,omitempty"`      // the operation which completed the registration
	Transport        string `json:"transport"`                  // the transport used, mqtt or http
	Assigned         int64  `json:"assigned"`                   // when the device was assigned in unix seconds
}

// MarshalBinary encodes the values into a json string.
func (d Registration) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Registration) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Key returns the primary key of the registration.
func (d Registration) Key() string {
	return RegistrationKey + "_" + d.RegistrationID
}

// Key returns the primary key for a registration id.
func Key(registrationID string) string {
	return RegistrationKey + "_" + registrationID
}

// Store persists registrations.
type Store interface {
	// Save adds or replaces the registration.
	Save(r Registration) error

	// Get returns the registration for the id, or ErrNotFound.
	Get(registrationID string) (Registration, error)

	// Delete removes the registration for the id.
	Delete(registrationID string) error

	// List returns every stored registration.
	List() ([]Registration, error)

	// Close closes the store.
	Close() error
}
