// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble stores registrations in a pebble DB instance.
package pebble

import (
	"errors"
	"log/slog"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"

	"github.com/mochi-mqtt/provisioner/storage"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

const (
	NoSync = "NoSync" // NoSync specifies the default write options for writes which do not synchronize to disk.
	Sync   = "Sync"   // Sync specifies the default write options for writes which synchronize to disk.
)

// keyUpperBound returns the upper bound for a given byte slice by incrementing the last byte.
// It returns nil if all bytes are incremented and equal to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options
	Logger  *slog.Logger
	Mode    string `yaml:"mode" json:"mode"`
	Path    string `yaml:"path" json:"path"`
}

// Store is a registration store using pebble as a backend.
type Store struct {
	config *Options               // options for configuring the pebble DB instance.
	db     *pebbledb.DB           // the pebble DB instance
	mode   *pebbledb.WriteOptions // mode holds the optional per-query parameters for Set and Delete operations
	log    *slog.Logger
}

// New opens the pebble instance described by config.
func New(config *Options) (*Store, error) {
	if config == nil {
		config = new(Options)
	}

	if len(config.Path) == 0 {
		config.Path = defaultDbFile
	}

	if config.Options == nil {
		config.Options = &pebbledb.Options{}
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	mode := pebbledb.NoSync
	if strings.EqualFold(config.Mode, Sync) {
		mode = pebbledb.Sync
	}

	db, err := pebbledb.Open(config.Path, config.Options)
	if err != nil {
		return nil, err
	}

	return &Store{
		config: config,
		db:     db,
		mode:   mode,
		log:    config.Logger,
	}, nil
}

// Close closes the pebble instance.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}

// Save adds or replaces a registration.
func (s *Store) Save(r storage.Registration) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}

	if r.RegistrationID == "" {
		return storage.ErrInvalidRecord
	}

	return s.setKv(r.Key(), &r)
}

// Get returns a stored registration.
func (s *Store) Get(registrationID string) (v storage.Registration, err error) {
	if s.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	err = s.getKv(storage.Key(registrationID), &v)
	if errors.Is(err, pebbledb.ErrNotFound) {
		err = storage.ErrNotFound
	}
	return
}

// Delete removes a stored registration.
func (s *Store) Delete(registrationID string) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}

	return s.delKv(storage.Key(registrationID))
}

// List returns all stored registrations.
func (s *Store) List() (v []storage.Registration, err error) {
	if s.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	iter, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(storage.RegistrationKey),
		UpperBound: keyUpperBound([]byte(storage.RegistrationKey)),
	})
	if err != nil {
		return v, err
	}
	defer iter.Close()

	v = make([]storage.Registration, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		item := storage.Registration{}
		if err := item.UnmarshalBinary(iter.Value()); err == nil {
			v = append(v, item)
		}
	}
	return v, nil
}

// delKv deletes a key-value pair from the database.
func (s *Store) delKv(k string) error {
	err := s.db.Delete([]byte(k), s.mode)
	if err != nil {
		s.log.Error("failed to delete data", "error", err, "key", k)
		return err
	}
	return nil
}

// setKv stores a key-value pair in the database.
func (s *Store) setKv(k string, v storage.Serializable) error {
	bs, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	err = s.db.Set([]byte(k), bs, s.mode)
	if err != nil {
		s.log.Error("failed to update data", "error", err, "key", k)
		return err
	}
	return nil
}

// getKv retrieves the value associated with a key from the database.
func (s *Store) getKv(k string, v storage.Serializable) error {
	value, closer, err := s.db.Get([]byte(k))
	if err != nil {
		return err
	}

	defer func() {
		if closer != nil {
			closer.Close()
		}
	}()
	return v.UnmarshalBinary(value)
}
