// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/provisioner/provisioning"
	"github.com/mochi-mqtt/provisioner/storage/bolt"
	"github.com/mochi-mqtt/provisioner/storage/redis"
	"github.com/mochi-mqtt/provisioner/system"
	"github.com/mochi-mqtt/provisioner/transports"
)

var (
	testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	yamlBytes = []byte(`
protocol: mqtt
provisioning:
  host: global.azure-devices-provisioning.net
  scope_id: 0ne000A1B2C
  hsm: symmetric_key
  retry_after: 2s
  keep_alive: 60
device:
  registration_id: device-1
  symmetric_key: ` + testKey + `
  payload: '{"model":"x1"}'
  timeout: 1m
transport:
  type: tls
storage:
  bolt:
    path: registrations.db
metrics:
  address: ":9090"
logging:
  output: JSON
  level: DEBUG
`)

	jsonBytes = []byte(`{
   "protocol": "http",
   "provisioning": {
      "host": "global.azure-devices-provisioning.net",
      "scope_id": "0ne000A1B2C",
      "hsm": "x509"
   },
   "device": {
      "registration_id": "device-1"
   },
   "transport": {
      "type": "tcp",
      "address": "127.0.0.1:8443"
   }
}
`)
)

func TestFromBytesYAML(t *testing.T) {
	c, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	require.Equal(t, ProtocolMQTT, c.Protocol)
	require.Equal(t, "global.azure-devices-provisioning.net", c.Provisioning.Host)
	require.Equal(t, "0ne000A1B2C", c.Provisioning.ScopeID)
	require.Equal(t, provisioning.HSMSymmetricKey, c.Provisioning.HSM)
	require.Equal(t, 2*time.Second, c.Provisioning.RetryAfter)
	require.Equal(t, uint16(60), c.Provisioning.KeepAlive)
	require.Equal(t, "device-1", c.Device.RegistrationID)
	require.Equal(t, testKey, c.Device.SymmetricKey)
	require.Equal(t, `{"model":"x1"}`, c.Device.Payload)
	require.Equal(t, time.Minute, c.Device.Timeout)
	require.Equal(t, TransportTLS, c.Transport.Type)
	require.NotNil(t, c.Storage)
	require.Equal(t, "registrations.db", c.Storage.Bolt.Path)
	require.Equal(t, ":9090", c.Metrics.Address)
	require.Equal(t, &Logging{Output: "JSON", Level: "DEBUG"}, c.Logging)
	require.NoError(t, c.Validate())
}

func TestFromBytesJSON(t *testing.T) {
	c, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	require.Equal(t, ProtocolHTTP, c.Protocol)
	require.Equal(t, provisioning.HSMX509, c.Provisioning.HSM)
	require.Equal(t, "127.0.0.1:8443", c.Address())
	require.Nil(t, c.Storage)
	require.NoError(t, c.Validate())
}

func TestFromBytesEmpty(t *testing.T) {
	_, err := FromBytes(nil)
	require.ErrorIs(t, err, ErrNoConfig)
}

func TestFromBytesInvalid(t *testing.T) {
	_, err := FromBytes([]byte(`{"protocol":`))
	require.Error(t, err)

	_, err = FromBytes([]byte("provisioning:\n  hsm: smartcard\n"))
	require.Error(t, err)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, yamlBytes, 0600))

	c, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "device-1", c.Device.RegistrationID)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSampleConfig(t *testing.T) {
	c, err := FromFile(filepath.Join("..", "configs", DefaultFileName))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	require.Equal(t, uint16(240), c.Provisioning.KeepAlive)
	require.Equal(t, time.Hour, c.Device.TokenLifetime)
	require.Equal(t, "registrations.db", c.Storage.Bolt.Path)
}

func validConfig() *Config {
	return &Config{
		Provisioning: provisioning.Options{
			Host:    "global.azure-devices-provisioning.net",
			ScopeID: "0ne000A1B2C",
			HSM:     provisioning.HSMSymmetricKey,
		},
		Device: Device{
			RegistrationID: "device-1",
			SymmetricKey:   testKey,
		},
	}
}

func TestValidate(t *testing.T) {
	tt := []struct {
		desc   string
		modify func(c *Config)
		err    error
	}{
		{"valid", func(c *Config) {}, nil},
		{"no registration id", func(c *Config) { c.Device.RegistrationID = "" }, ErrInvalidConfig},
		{"no host", func(c *Config) { c.Provisioning.Host = "" }, ErrInvalidConfig},
		{"no scope", func(c *Config) { c.Provisioning.ScopeID = "" }, ErrInvalidConfig},
		{"unknown protocol", func(c *Config) { c.Protocol = "amqp" }, ErrUnknownProtocol},
		{"unknown transport", func(c *Config) { c.Transport.Type = "udp" }, ErrUnknownTransport},
		{"tpm over mqtt", func(c *Config) { c.Provisioning.HSM = provisioning.HSMTPM }, provisioning.ErrTPMUnsupported},
		{"http over websocket", func(c *Config) { c.Protocol = ProtocolHTTP; c.Transport.Type = TransportWebsocket }, ErrWebsocketOverHTTP},
		{"no key", func(c *Config) { c.Device.SymmetricKey = "" }, ErrMissingDeviceKey},
		{"group key", func(c *Config) { c.Device.SymmetricKey = ""; c.Device.GroupKey = testKey }, nil},
		{"two stores", func(c *Config) { c.Storage = &Storage{Bolt: new(bolt.Options), Redis: new(redis.Options)} }, ErrTooManyBackends},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			c := validConfig()
			tx.modify(c)
			err := c.Validate()
			if tx.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tx.err)
		})
	}
}

func TestAddress(t *testing.T) {
	c := validConfig()
	require.Equal(t, "global.azure-devices-provisioning.net:8883", c.Address())

	c.Protocol = ProtocolHTTP
	require.Equal(t, "global.azure-devices-provisioning.net:443", c.Address())

	c.Protocol = ProtocolMQTT
	c.Transport.Type = TransportWebsocket
	require.Equal(t, "global.azure-devices-provisioning.net:443", c.Address())

	c.Provisioning.Port = 9000
	require.Equal(t, "global.azure-devices-provisioning.net:9000", c.Address())
}

func TestTLSConfig(t *testing.T) {
	c := validConfig()
	c.Transport.Type = TransportTCP
	tc, err := c.TLSConfig()
	require.NoError(t, err)
	require.Nil(t, tc)

	c.Transport.Type = ""
	tc, err = c.TLSConfig()
	require.NoError(t, err)
	require.Equal(t, "global.azure-devices-provisioning.net", tc.ServerName)

	c.Transport.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = c.TLSConfig()
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0600))
	c.Transport.CAFile = empty
	_, err = c.TLSConfig()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewTransport(t *testing.T) {
	c := validConfig()
	tr, err := c.NewTransport(slog.Default())
	require.NoError(t, err)
	require.Equal(t, "global.azure-devices-provisioning.net:8883", tr.(*transports.Conn).ID())

	c.Transport.Type = TransportWebsocket
	tr, err = c.NewTransport(slog.Default())
	require.NoError(t, err)
	require.Equal(t, "wss://global.azure-devices-provisioning.net:443/$iothub/websocket", tr.(*transports.Conn).ID())
}

func TestNewProvisioning(t *testing.T) {
	c := validConfig()
	p, err := c.NewProvisioning(transports.NewMock(), slog.Default(), new(system.Info))
	require.NoError(t, err)
	require.IsType(t, new(provisioning.MQTTTransport), p)

	c.Protocol = ProtocolHTTP
	p, err = c.NewProvisioning(transports.NewMock(), slog.Default(), new(system.Info))
	require.NoError(t, err)
	require.IsType(t, new(provisioning.HTTPTransport), p)

	c.Protocol = "amqp"
	_, err = c.NewProvisioning(transports.NewMock(), slog.Default(), new(system.Info))
	require.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestClientOptions(t *testing.T) {
	c := validConfig()
	c.Device.Payload = `{"model":"x1"}`
	o, err := c.ClientOptions(slog.Default(), nil)
	require.NoError(t, err)
	require.Equal(t, "device-1", o.RegistrationID)
	require.Equal(t, "0ne000A1B2C", o.ScopeID)
	require.Equal(t, testKey, o.SymmetricKey)
	require.Equal(t, []byte(`{"model":"x1"}`), o.Payload)
	require.Equal(t, "symmetric_key", o.Attestation)
	require.Equal(t, ProtocolMQTT, o.Transport)
}

func TestClientOptionsGroupKey(t *testing.T) {
	c := validConfig()
	c.Device.SymmetricKey = ""
	c.Device.GroupKey = testKey

	o, err := c.ClientOptions(slog.Default(), nil)
	require.NoError(t, err)

	want, err := provisioning.DeriveDeviceKey(testKey, "device-1")
	require.NoError(t, err)
	require.Equal(t, want, o.SymmetricKey)

	c.Device.GroupKey = "%%"
	_, err = c.ClientOptions(slog.Default(), nil)
	require.ErrorIs(t, err, provisioning.ErrInvalidArgument)
}

func TestForDevice(t *testing.T) {
	c := validConfig()
	_, err := c.ForDevice("device-2")
	require.ErrorIs(t, err, ErrMissingGroupKey)

	c.Device.GroupKey = testKey
	dc, err := c.ForDevice("device-2")
	require.NoError(t, err)
	require.Equal(t, "device-2", dc.Device.RegistrationID)
	require.Empty(t, dc.Device.SymmetricKey)
	require.Equal(t, "device-1", c.Device.RegistrationID)
	require.Equal(t, testKey, c.Device.SymmetricKey)

	o, err := dc.ClientOptions(slog.Default(), nil)
	require.NoError(t, err)
	want, err := provisioning.DeriveDeviceKey(testKey, "device-2")
	require.NoError(t, err)
	require.Equal(t, want, o.SymmetricKey)
}

func TestNewStoreNone(t *testing.T) {
	c := validConfig()
	_, err := c.NewStore(context.Background(), slog.Default())
	require.ErrorIs(t, err, ErrNoStorage)

	c.Storage = new(Storage)
	_, err = c.NewStore(context.Background(), slog.Default())
	require.ErrorIs(t, err, ErrNoStorage)
}

func TestNewStoreBolt(t *testing.T) {
	c := validConfig()
	c.Storage = &Storage{Bolt: &bolt.Options{Path: filepath.Join(t.TempDir(), "reg.db")}}

	s, err := c.NewStore(context.Background(), slog.Default())
	require.NoError(t, err)
	require.IsType(t, new(bolt.Store), s)
	require.NoError(t, s.Close())
}

func TestNewStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	c := validConfig()
	c.Storage = &Storage{Redis: &redis.Options{Options: &goredis.Options{Addr: mr.Addr()}}}

	s, err := c.NewStore(context.Background(), slog.Default())
	require.NoError(t, err)
	require.IsType(t, new(redis.Store), s)
	require.NoError(t, s.Close())
}

func TestNewLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	log := (&Logging{Output: "json", Level: "WARN"}).NewLogger(buf)
	log.Info("hidden")
	log.Warn("shown", "key", "value")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	log = (&Logging{Level: "nonsense"}).NewLogger(buf)
	log.Debug("hidden")
	log.Info("shown")
	require.Contains(t, buf.String(), "msg=shown")

	buf.Reset()
	var l *Logging
	l.NewLogger(buf).Info("default")
	require.Contains(t, buf.String(), "msg=default")
}
