// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger stores registrations in a BadgerDB instance.
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/mochi-mqtt/provisioner/storage"
)

const (
	// defaultDbFile is the default file path for the badger db file.
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // gc interval in seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options
	Logger  *slog.Logger
	Path    string `yaml:"path" json:"path"`
	// GcDiscardRatio specifies the ratio of log discard compared to the maximum possible log discard.
	// discardRatio must be in the range (0.0, 1.0), both endpoints excluded, otherwise, it will be set to the default value of 0.5.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
	InMemory       bool    `yaml:"in_memory" json:"in_memory"`
}

// Store is a registration store using BadgerDB as a backend.
type Store struct {
	config   *Options     // options for configuring the BadgerDB instance.
	gcTicker *time.Ticker // Ticker for BadgerDB garbage collection.
	db       *badgerdb.DB // the BadgerDB instance.
	log      *slog.Logger
	done     chan struct{}
}

// New opens the BadgerDB instance described by config and starts value log
// garbage collection.
func New(config *Options) (*Store, error) {
	if config == nil {
		config = new(Options)
	}

	if len(config.Path) == 0 && !config.InMemory {
		config.Path = defaultDbFile
	}

	if config.GcInterval == 0 {
		config.GcInterval = defaultGcInterval
	}

	if config.GcDiscardRatio <= 0.0 || config.GcDiscardRatio >= 1.0 {
		config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Store{
		config: config,
		log:    config.Logger,
		done:   make(chan struct{}),
	}

	if config.Options == nil {
		defaultOpts := badgerdb.DefaultOptions(config.Path)
		if config.InMemory {
			defaultOpts = badgerdb.DefaultOptions("").WithInMemory(true)
		}
		config.Options = &defaultOpts
	}
	config.Options.Logger = s

	var err error
	s.db, err = badgerdb.Open(*config.Options)
	if err != nil {
		return nil, err
	}

	s.gcTicker = time.NewTicker(time.Duration(config.GcInterval) * time.Second)
	go s.gcLoop(s.db, s.gcTicker, s.done)

	return s, nil
}

// gcLoop periodically reclaims space in the value log files.
// Refer to: https://dgraph.io/docs/badger/get-started/#garbage-collection
func (s *Store) gcLoop(db *badgerdb.DB, ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for db.RunValueLogGC(s.config.GcDiscardRatio) == nil {
			}
		}
	}
}

// Close stops garbage collection and closes the badger instance.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	s.gcTicker.Stop()
	close(s.done)
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
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
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

// Errorf satisfies the badger interface for an error logger.
func (s *Store) Errorf(m string, v ...any) {
	s.log.Error(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Warningf satisfies the badger interface for a warning logger.
func (s *Store) Warningf(m string, v ...any) {
	s.log.Warn(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Infof satisfies the badger interface for an info logger.
func (s *Store) Infof(m string, v ...any) {
	s.log.Info(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Debugf satisfies the badger interface for a debug logger.
func (s *Store) Debugf(m string, v ...any) {
	s.log.Debug(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// setKv stores a key-value pair in the database.
func (s *Store) setKv(k string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(k), data)
	})
	if err != nil {
		s.log.Error("failed to upsert data", "error", err, "key", k)
	}
	return err
}

// delKv deletes a key-value pair from the database.
func (s *Store) delKv(k string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(k))
	})

	if err != nil {
		s.log.Error("failed to delete data", "error", err, "key", k)
	}
	return err
}

// getKv retrieves the value associated with a key from the database.
func (s *Store) getKv(k string, v storage.Serializable) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(k))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return v.UnmarshalBinary(value)
	})
}

// iterKv iterates over key-value pairs with keys having the specified prefix in the database.
func (s *Store) iterKv(prefix string, visit func([]byte) error) error {
	err := s.db.View(func(txn *badgerdb.Txn) error {
		iterator := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer iterator.Close()

		for iterator.Seek([]byte(prefix)); iterator.ValidForPrefix([]byte(prefix)); iterator.Next() {
			value, err := iterator.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := visit(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("failed to find data", "error", err, "prefix", prefix)
	}
	return err
}
