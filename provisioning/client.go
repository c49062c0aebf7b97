// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package provisioning

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mochi-mqtt/provisioner/storage"
)

const (
	defaultTimeout       = 3 * time.Minute
	defaultTokenLifetime = time.Hour
)

var (
	ErrRegistrationFailed = errors.New("registration failed")
	ErrTimeout            = errors.New("registration timed out")
	ErrBusy               = errors.New("registration already running")
)

// ChallengeFn returns an authorization token for a nonce.
type ChallengeFn func(nonce []byte, keyName string) (string, error)

// ClientOptions contains the device identity and workflow settings of a
// Client.
type ClientOptions struct {
	// Logger specifies a custom configured implementation of log/slog to
	// override the default logger.
	Logger *slog.Logger

	// Store persists completed registrations if set.
	Store storage.Store

	// Challenge answers tpm nonce challenges. Symmetric key tokens are
	// generated from SymmetricKey when Challenge is nil.
	Challenge ChallengeFn

	RegistrationID string        `yaml:"registration_id" json:"registration_id"`
	ScopeID        string        `yaml:"scope_id" json:"scope_id"`
	SymmetricKey   string        `yaml:"symmetric_key" json:"symmetric_key"` // base64 device key
	KeyName        string        `yaml:"key_name" json:"key_name"`           // optional skn of the token
	Payload        []byte        `yaml:"payload" json:"payload"`             // custom json sent with the registration
	EK             []byte        `yaml:"-" json:"-"`
	SRK            []byte        `yaml:"-" json:"-"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`               // the whole registration, default 3m
	TokenLifetime  time.Duration `yaml:"token_lifetime" json:"token_lifetime"` // default 1h
	Attestation    string        `yaml:"-" json:"-"`                           // recorded with stored registrations
	Transport      string        `yaml:"-" json:"-"`                           // recorded with stored registrations
}

func (o *ClientOptions) ensureDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}

	if o.TokenLifetime <= 0 {
		o.TokenLifetime = defaultTokenLifetime
	}
}

// phase is the progress of a Client through the registration workflow.
type phase byte

const (
	phaseIdle       phase = iota
	phaseConnecting       // waiting for the transport to connect
	phaseRequesting       // a request is outstanding
	phaseWaiting          // waiting for retry-after before the next request
	phaseDone
)

// Client registers a single device, driving a Transport through connect,
// register, status polling and assignment.
type Client struct {
	transport  Transport
	log        *slog.Logger
	now        func() time.Time
	onComplete func(reg *storage.Registration, err error)
	opts       ClientOptions
	started    time.Time // when Register was called
	next       time.Time // when the next request is due in phaseWaiting
	phase      phase
}

// NewClient returns a client which registers the device over t.
func NewClient(t Transport, opts *ClientOptions) (*Client, error) {
	if t == nil || opts == nil || opts.RegistrationID == "" {
		return nil, ErrInvalidArgument
	}

	o := *opts
	o.ensureDefaults()

	return &Client{
		transport: t,
		opts:      o,
		log:       o.Logger.With("registration", o.RegistrationID),
		now:       time.Now,
	}, nil
}

// Register starts a registration. onComplete is called once, from within
// DoWork, with the stored registration or the error which ended it.
func (c *Client) Register(onComplete func(reg *storage.Registration, err error)) error {
	if onComplete == nil {
		return ErrInvalidArgument
	}

	if c.phase != phaseIdle && c.phase != phaseDone {
		return ErrBusy
	}

	if err := c.transport.Open(c.opts.RegistrationID, c.opts.EK, c.opts.SRK, c); err != nil {
		return err
	}

	c.onComplete = onComplete
	c.started = c.now()
	c.phase = phaseConnecting
	c.log.Info("registration started")
	return nil
}

// Done returns true once the registration has completed or failed.
func (c *Client) Done() bool {
	return c.phase == phaseDone
}

// DoWork pumps the transport, issues requests when they are due, and
// enforces the registration timeout.
func (c *Client) DoWork() {
	if c.phase == phaseIdle || c.phase == phaseDone {
		return
	}

	c.transport.DoWork()

	now := c.now()
	if c.phase == phaseWaiting && !now.Before(c.next) {
		c.request()
	}

	if c.phase != phaseDone && now.Sub(c.started) >= c.opts.Timeout {
		c.log.Warn("registration timed out", "elapsed", now.Sub(c.started))
		c.finish(nil, ErrTimeout)
	}
}

// Close abandons any registration in progress.
func (c *Client) Close() error {
	c.phase = phaseIdle
	c.onComplete = nil
	return c.transport.Close()
}

// request sends a registration if no operation is known, otherwise polls
// the operation status.
func (c *Client) request() {
	var err error
	if c.transport.OperationID() == "" {
		err = c.transport.RegisterDevice(c.opts.Payload)
	} else {
		err = c.transport.GetOperationStatus()
	}

	if err != nil {
		c.finish(nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
		return
	}

	c.phase = phaseRequesting
}

// finish closes the transport and reports the outcome once.
func (c *Client) finish(reg *storage.Registration, err error) {
	c.phase = phaseDone
	_ = c.transport.Close()

	fn := c.onComplete
	c.onComplete = nil
	if fn != nil {
		fn(reg, err)
	}
}

// OnStatus schedules the next request.
func (c *Client) OnStatus(status Status, retryAfter time.Duration) {
	c.log.Debug("registration status", "status", status, "retry_after", retryAfter)
	switch status {
	case StatusConnected:
		if c.phase == phaseConnecting {
			c.request()
		}
	case StatusAssigning, StatusUnassigned, StatusTransient:
		c.phase = phaseWaiting
		c.next = c.now().Add(retryAfter)
	}
}

// OnRegistrationComplete stores a successful registration and reports the
// outcome.
func (c *Client) OnRegistrationComplete(result Result, reg *Registration) {
	if result != ResultOK || reg == nil {
		c.log.Warn("registration failed")
		c.finish(nil, ErrRegistrationFailed)
		return
	}

	rec := &storage.Registration{
		RegistrationID:   c.opts.RegistrationID,
		DeviceID:         reg.DeviceID,
		AssignedHub:      reg.IoTHubURI,
		AuthorizationKey: append([]byte(nil), reg.AuthorizationKey...),
		OperationID:      c.transport.OperationID(),
		Attestation:      c.opts.Attestation,
		Transport:        c.opts.Transport,
		Assigned:         c.now().Unix(),
	}

	c.log.Info("device assigned", "device", rec.DeviceID, "hub", rec.AssignedHub)
	if c.opts.Store != nil {
		if err := c.opts.Store.Save(*rec); err != nil {
			c.finish(rec, fmt.Errorf("store registration: %w", err))
			return
		}
	}

	c.finish(rec, nil)
}

// OnChallenge answers nonce challenges with the configured challenge
// function, or signs a token with the device's symmetric key.
func (c *Client) OnChallenge(nonce []byte, keyName string) (string, error) {
	if c.opts.Challenge != nil {
		return c.opts.Challenge(nonce, keyName)
	}

	if c.opts.SymmetricKey == "" {
		return "", ErrNoChallengeHandler
	}

	return SASToken(c.opts.SymmetricKey, ResourceURI(c.opts.ScopeID, c.opts.RegistrationID), c.opts.KeyName, c.now().Add(c.opts.TokenLifetime))
}

// OnError ends a registration which could not connect. A request in
// progress fails through OnRegistrationComplete instead.
func (c *Client) OnError(err error) {
	c.log.Warn("provisioning connection error", "error", err)
	if c.phase == phaseConnecting {
		c.finish(nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err))
	}
}
