// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config loads the provisioner configuration file and builds the
// components it describes.
package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/provisioner/provisioning"
	"github.com/mochi-mqtt/provisioner/storage"
	"github.com/mochi-mqtt/provisioner/storage/badger"
	"github.com/mochi-mqtt/provisioner/storage/bolt"
	"github.com/mochi-mqtt/provisioner/storage/pebble"
	"github.com/mochi-mqtt/provisioner/storage/redis"
	"github.com/mochi-mqtt/provisioner/system"
	"github.com/mochi-mqtt/provisioner/transports"
)

const (
	// DefaultFileName is the configuration file read when none is given.
	DefaultFileName = "provisioner.yml"

	LoggingOutputJSON = "JSON"
	LoggingOutputText = "TEXT"

	ProtocolMQTT = "mqtt"
	ProtocolHTTP = "http"

	TransportTCP       = "tcp"
	TransportTLS       = "tls"
	TransportWebsocket = "websocket"

	websocketPath = "/$iothub/websocket"
)

var (
	ErrNoConfig          = errors.New("no configuration data")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrNoStorage         = errors.New("no storage backend configured")
	ErrTooManyBackends   = errors.New("more than one storage backend configured")
	ErrUnknownProtocol   = errors.New("unknown provisioning protocol")
	ErrUnknownTransport  = errors.New("unknown transport type")
	ErrMissingDeviceKey  = errors.New("symmetric key attestation requires a device or group key")
	ErrWebsocketOverHTTP = errors.New("the http protocol cannot run over websockets")
	ErrMissingGroupKey   = errors.New("registering a fleet requires a group key")
)

// Config is the structure of the provisioner configuration file.
// Note: struct fields must be public in order for unmarshal to
// correctly populate the data.
type Config struct {
	Protocol     string               `yaml:"protocol" json:"protocol"`
	Provisioning provisioning.Options `yaml:"provisioning" json:"provisioning"`
	Device       Device               `yaml:"device" json:"device"`
	Transport    Transport            `yaml:"transport" json:"transport"`
	Storage      *Storage             `yaml:"storage" json:"storage"`
	Metrics      *Metrics             `yaml:"metrics" json:"metrics"`
	Logging      *Logging             `yaml:"logging" json:"logging"`
}

// Device contains the identity of the device being registered.
type Device struct {
	RegistrationID string        `yaml:"registration_id" json:"registration_id"`
	SymmetricKey   string        `yaml:"symmetric_key" json:"symmetric_key"` // base64 device key
	GroupKey       string        `yaml:"group_key" json:"group_key"`         // base64 enrollment group key, used if no device key is set
	KeyName        string        `yaml:"key_name" json:"key_name"`
	Payload        string        `yaml:"payload" json:"payload"` // custom json sent with the registration
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	TokenLifetime  time.Duration `yaml:"token_lifetime" json:"token_lifetime"`
}

// Transport describes the connection to the provisioning service.
type Transport struct {
	Type               string        `yaml:"type" json:"type"`       // tcp, tls or websocket
	Address            string        `yaml:"address" json:"address"` // overrides host:port
	CAFile             string        `yaml:"ca_file" json:"ca_file"`
	CertFile           string        `yaml:"cert_file" json:"cert_file"` // client certificate for x509 attestation
	KeyFile            string        `yaml:"key_file" json:"key_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Storage contains configurations for the different registration stores.
// At most one may be set.
type Storage struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
}

// Metrics enables the prometheus endpoint.
type Metrics struct {
	Address string `yaml:"address" json:"address"`
}

// Logging configures the default logger.
type Logging struct {
	Output string `yaml:"output" json:"output"`
	Level  string `yaml:"level" json:"level"`
}

// FromBytes unmarshals a byte slice of JSON or YAML config data.
func FromBytes(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrNoConfig
	}

	c := new(Config)
	if b[0] == '{' {
		if err := json.Unmarshal(b, c); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// FromFile reads and unmarshals the configuration file at path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return FromBytes(data)
}

// Validate checks the configuration describes a complete registration.
func (c *Config) Validate() error {
	if c.Device.RegistrationID == "" {
		return fmt.Errorf("%w: device.registration_id is required", ErrInvalidConfig)
	}

	if c.Provisioning.Host == "" || c.Provisioning.ScopeID == "" {
		return fmt.Errorf("%w: provisioning.host and provisioning.scope_id are required", ErrInvalidConfig)
	}

	switch c.protocol() {
	case ProtocolMQTT:
		if c.Provisioning.HSM == provisioning.HSMTPM {
			return provisioning.ErrTPMUnsupported
		}
	case ProtocolHTTP:
		if c.transportType() == TransportWebsocket {
			return ErrWebsocketOverHTTP
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, c.Protocol)
	}

	switch c.transportType() {
	case TransportTCP, TransportTLS, TransportWebsocket:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport.Type)
	}

	if c.Provisioning.HSM == provisioning.HSMSymmetricKey && c.Device.SymmetricKey == "" && c.Device.GroupKey == "" {
		return ErrMissingDeviceKey
	}

	if c.Storage != nil && c.Storage.count() > 1 {
		return ErrTooManyBackends
	}

	return nil
}

// ForDevice returns a copy of the configuration registering registrationID
// with a key derived from the group key.
func (c *Config) ForDevice(registrationID string) (*Config, error) {
	if c.Device.GroupKey == "" {
		return nil, ErrMissingGroupKey
	}

	dc := *c
	dc.Device.RegistrationID = registrationID
	dc.Device.SymmetricKey = ""
	return &dc, nil
}

func (c *Config) protocol() string {
	if c.Protocol == "" {
		return ProtocolMQTT
	}
	return strings.ToLower(c.Protocol)
}

func (c *Config) transportType() string {
	if c.Transport.Type == "" {
		return TransportTLS
	}
	return strings.ToLower(c.Transport.Type)
}

func (c *Config) port() int {
	if c.Provisioning.Port > 0 {
		return c.Provisioning.Port
	}

	if c.transportType() == TransportWebsocket {
		return 443
	}

	if c.protocol() == ProtocolHTTP {
		return provisioning.DefaultHTTPPort
	}

	return provisioning.DefaultMQTTPort
}

// Address returns the address the transport connects to.
func (c *Config) Address() string {
	if c.Transport.Address != "" {
		return c.Transport.Address
	}

	return net.JoinHostPort(c.Provisioning.Host, strconv.Itoa(c.port()))
}

// TLSConfig returns the tls configuration of the transport, or nil for a
// plain tcp connection.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.transportType() == TransportTCP {
		return nil, nil
	}

	tc := &tls.Config{
		ServerName:         c.Provisioning.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.Transport.InsecureSkipVerify, // nolint:gosec
	}

	if c.Transport.CAFile != "" {
		pem, err := os.ReadFile(c.Transport.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidConfig, c.Transport.CAFile)
		}
		tc.RootCAs = pool
	}

	if c.Transport.CertFile != "" || c.Transport.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.Transport.CertFile, c.Transport.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}

// NewTransport returns the byte-stream transport described by the
// configuration.
func (c *Config) NewTransport(log *slog.Logger) (transports.Transport, error) {
	tc, err := c.TLSConfig()
	if err != nil {
		return nil, err
	}

	opts := &transports.Options{
		Log:          log,
		DialTimeout:  c.Transport.DialTimeout,
		WriteTimeout: c.Transport.WriteTimeout,
	}

	switch c.transportType() {
	case TransportTCP, TransportTLS:
		return transports.NewTCP(c.Address(), tc, opts), nil
	case TransportWebsocket:
		return transports.NewWebsocket("wss://"+c.Address()+websocketPath, tc, http.Header{}, opts), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport.Type)
}

// NewProvisioning returns the provisioning transport for the configured
// protocol over t.
func (c *Config) NewProvisioning(t transports.Transport, log *slog.Logger, info *system.Info) (provisioning.Transport, error) {
	opts := c.Provisioning
	opts.Logger = log
	opts.Info = info
	opts.Port = c.port()

	switch c.protocol() {
	case ProtocolMQTT:
		return provisioning.NewMQTT(t, &opts)
	case ProtocolHTTP:
		return provisioning.NewHTTP(t, &opts)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, c.Protocol)
}

// ClientOptions returns the options of the device registration client.
func (c *Config) ClientOptions(log *slog.Logger, store storage.Store) (*provisioning.ClientOptions, error) {
	key := c.Device.SymmetricKey
	if key == "" && c.Device.GroupKey != "" {
		derived, err := provisioning.DeriveDeviceKey(c.Device.GroupKey, c.Device.RegistrationID)
		if err != nil {
			return nil, err
		}
		key = derived
	}

	var payload []byte
	if c.Device.Payload != "" {
		payload = []byte(c.Device.Payload)
	}

	return &provisioning.ClientOptions{
		Logger:         log,
		Store:          store,
		RegistrationID: c.Device.RegistrationID,
		ScopeID:        c.Provisioning.ScopeID,
		SymmetricKey:   key,
		KeyName:        c.Device.KeyName,
		Payload:        payload,
		Timeout:        c.Device.Timeout,
		TokenLifetime:  c.Device.TokenLifetime,
		Attestation:    c.Provisioning.HSM.String(),
		Transport:      c.protocol(),
	}, nil
}

func (s *Storage) count() int {
	n := 0
	for _, set := range []bool{s.Badger != nil, s.Bolt != nil, s.Pebble != nil, s.Redis != nil} {
		if set {
			n++
		}
	}
	return n
}

// NewStore opens the configured registration store. ErrNoStorage is
// returned if none is configured.
func (c *Config) NewStore(ctx context.Context, log *slog.Logger) (storage.Store, error) {
	s := c.Storage
	if s == nil || s.count() == 0 {
		return nil, ErrNoStorage
	}

	if s.count() > 1 {
		return nil, ErrTooManyBackends
	}

	var (
		store storage.Store
		err   error
	)

	switch {
	case s.Badger != nil:
		s.Badger.Logger = log
		store, err = badger.New(s.Badger)
	case s.Bolt != nil:
		s.Bolt.Logger = log
		store, err = bolt.New(s.Bolt)
	case s.Pebble != nil:
		s.Pebble.Logger = log
		store, err = pebble.New(s.Pebble)
	default:
		s.Redis.Logger = log
		store, err = redis.New(ctx, s.Redis)
	}

	if err != nil {
		return nil, err
	}

	return store, nil
}

// NewLogger returns a logger writing to w as configured. A nil Logging
// gives a text logger at info level.
func (l *Logging) NewLogger(w io.Writer) *slog.Logger {
	if l == nil {
		return slog.New(slog.NewTextHandler(w, nil))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	switch strings.ToUpper(l.Output) {
	case LoggingOutputJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
