// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt stores registrations in a boltdb file.
package bolt

import (
	"errors"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mochi-mqtt/provisioner/storage"
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "provisioner"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options
	Logger  *slog.Logger
	Bucket  string `yaml:"bucket" json:"bucket"`
	Path    string `yaml:"path" json:"path"`
}

// Store is a registration store using a boltdb file as a backend.
type Store struct {
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
	log    *slog.Logger
}

// New opens the boltdb file described by config.
func New(config *Options) (*Store, error) {
	if config == nil {
		config = new(Options)
	}

	if config.Options == nil {
		config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}

	if len(config.Path) == 0 {
		config.Path = defaultDbFile
	}

	if len(config.Bucket) == 0 {
		config.Bucket = defaultBucket
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	db, err := bbolt.Open(config.Path, 0600, config.Options)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(config.Bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		config: config,
		db:     db,
		log:    config.Logger,
	}, nil
}

// Close closes the boltdb instance.
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

	v = make([]storage.Registration, 0)
	err = s.iterKv(storage.RegistrationKey, func(value []byte) error {
		obj := storage.Registration{}
		err := obj.UnmarshalBinary(value)
		if err == nil {
			v = append(v, obj)
		}
		return err
	})
	return
}

// setKv stores a key-value pair in the database.
func (s *Store) setKv(k string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(s.config.Bucket)).Put([]byte(k), data)
	})
	if err != nil {
		s.log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the database.
func (s *Store) delKv(k string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(s.config.Bucket)).Delete([]byte(k))
	})
	if err != nil {
		s.log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// getKv retrieves the value associated with a key from the database.
func (s *Store) getKv(k string, v storage.Serializable) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket([]byte(s.config.Bucket)).Get([]byte(k))
		if value == nil {
			return storage.ErrNotFound
		}

		return v.UnmarshalBinary(value)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("failed to get data", "error", err, "key", k)
	}
	return err
}

// iterKv iterates over key-value pairs with keys having the specified prefix in the database.
func (s *Store) iterKv(prefix string, visit func([]byte) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(s.config.Bucket)).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && len(k) >= len(p) && string(k[:len(p)]) == prefix; k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		s.log.Error("failed to iter data", "error", err, "prefix", prefix)
	}
	return err
}
