// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

package badger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/provisioner/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Options{Path: filepath.Join(t.TempDir(), "badger")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewDefaults(t *testing.T) {
	s := newStore(t)
	require.Equal(t, int64(defaultGcInterval), s.config.GcInterval)
	require.Equal(t, defaultGcDiscardRatio, s.config.GcDiscardRatio)
	require.Equal(t, s, s.config.Options.Logger)
}

func TestNewInMemory(t *testing.T) {
	s, err := New(&Options{InMemory: true, GcDiscardRatio: 2})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, defaultGcDiscardRatio, s.config.GcDiscardRatio)
	require.NoError(t, s.Save(storage.Registration{RegistrationID: "device-1"}))
	_, err = s.Get("device-1")
	require.NoError(t, err)
}

func TestSaveGet(t *testing.T) {
	s := newStore(t)
	in := storage.Registration{RegistrationID: "device-1", DeviceID: "d1", AssignedHub: "hub1"}
	require.NoError(t, s.Save(in))

	out, err := s.Get("device-1")
	require.NoError(t, err)
	require.Equal(t, in, out)

	in.AssignedHub = "hub2"
	require.NoError(t, s.Save(in))
	out, err = s.Get("device-1")
	require.NoError(t, err)
	require.Equal(t, "hub2", out.AssignedHub)
}

func TestSaveInvalid(t *testing.T) {
	s := newStore(t)
	require.ErrorIs(t, s.Save(storage.Registration{}), storage.ErrInvalidRecord)
}

func TestGetNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get("missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(storage.Registration{RegistrationID: "device-1"}))
	require.NoError(t, s.Delete("device-1"))
	_, err := s.Get("device-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(storage.Registration{RegistrationID: "b"}))
	require.NoError(t, s.Save(storage.Registration{RegistrationID: "a"}))

	v, err := s.List()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "a", v[0].RegistrationID)
	require.Equal(t, "b", v[1].RegistrationID)
}

func TestClosed(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Save(storage.Registration{RegistrationID: "a"}), storage.ErrDBFileNotOpen)
	_, err := s.Get("a")
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
	require.ErrorIs(t, s.Delete("a"), storage.ErrDBFileNotOpen)
	_, err = s.List()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
}
