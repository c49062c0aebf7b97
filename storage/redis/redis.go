// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package redis stores registrations in a redis hash.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/go-redis/redis/v8"

	"github.com/mochi-mqtt/provisioner/storage"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by the provisioner.
const defaultHPrefix = "provisioner-"

// Options contains configuration settings for the redis instance.
type Options struct {
	Options *redis.Options
	Logger  *slog.Logger
	HPrefix string `yaml:"h_prefix" json:"h_prefix"`
}

// Store is a registration store using Redis as a backend.
type Store struct {
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
	log    *slog.Logger
}

// New connects to the redis service described by config.
func New(ctx context.Context, config *Options) (*Store, error) {
	if config == nil {
		config = new(Options)
	}

	if config.Options == nil {
		config.Options = &redis.Options{
			Addr: defaultAddr,
		}
	}

	if config.HPrefix == "" {
		config.HPrefix = defaultHPrefix
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s := &Store{
		config: config,
		ctx:    ctx,
		log:    config.Logger,
	}

	s.log.Info("connecting to redis service",
		"address", config.Options.Addr,
		"username", config.Options.Username,
		"password-len", len(config.Options.Password),
		"db", config.Options.DB)

	s.db = redis.NewClient(config.Options)
	_, err := s.db.Ping(ctx).Result()
	if err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("failed to ping service: %w", err)
	}

	s.log.Info("connected to redis service")
	return s, nil
}

// hKey returns a hash set key with a unique prefix.
func (s *Store) hKey(k string) string {
	return s.config.HPrefix + k
}

// Close closes the redis connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	s.log.Info("disconnecting from redis service")
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

	err := s.db.HSet(s.ctx, s.hKey(storage.RegistrationKey), r.RegistrationID, r).Err()
	if err != nil {
		s.log.Error("failed to hset registration data", "error", err, "id", r.RegistrationID)
	}
	return err
}

// Get returns a stored registration.
func (s *Store) Get(registrationID string) (v storage.Registration, err error) {
	if s.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	row, err := s.db.HGet(s.ctx, s.hKey(storage.RegistrationKey), registrationID).Result()
	if errors.Is(err, redis.Nil) {
		return v, storage.ErrNotFound
	}

	if err != nil {
		s.log.Error("failed to hget registration data", "error", err, "id", registrationID)
		return v, err
	}

	err = v.UnmarshalBinary([]byte(row))
	return v, err
}

// Delete removes a stored registration.
func (s *Store) Delete(registrationID string) error {
	if s.db == nil {
		return storage.ErrDBFileNotOpen
	}

	err := s.db.HDel(s.ctx, s.hKey(storage.RegistrationKey), registrationID).Err()
	if err != nil {
		s.log.Error("failed to delete registration data", "error", err, "id", registrationID)
	}
	return err
}

// List returns all stored registrations.
func (s *Store) List() (v []storage.Registration, err error) {
	if s.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := s.db.HGetAll(s.ctx, s.hKey(storage.RegistrationKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.log.Error("failed to HGetAll registration data", "error", err)
		return v, err
	}

	v = make([]storage.Registration, 0, len(rows))
	for _, row := range rows {
		var d storage.Registration
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			s.log.Error("failed to unmarshal registration data", "error", err, "data", row)
			continue
		}
		v = append(v, d)
	}

	return v, nil
}
