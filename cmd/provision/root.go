// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mochi-mqtt/provisioner/config"
	"github.com/mochi-mqtt/provisioner/listeners"
	"github.com/mochi-mqtt/provisioner/provisioning"
	"github.com/mochi-mqtt/provisioner/storage"
	"github.com/mochi-mqtt/provisioner/system"
)

// Version is the version of the provisioner.
const Version = "0.1.0"

var (
	configPath     string
	registrationID string
	scopeID        string
	host           string
	protocol       string
	symmetricKey   string
	metricsAddress string
	trace          bool
	pollInterval   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "provision",
	Short: "Register a device with a device provisioning service",
	Long: `provision registers a device over mqtt or http and prints the assigned hub.

Settings are read from the configuration file and may be overridden with flags:
  provision --config provisioner.yml --registration-id device-1

The completed registration is written to the configured store, if any.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runProvision,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "Path to the configuration file")
	rootCmd.Flags().StringVar(&registrationID, "registration-id", "", "Registration id of the device")
	rootCmd.Flags().StringVar(&scopeID, "scope-id", "", "Id scope of the provisioning service")
	rootCmd.Flags().StringVar(&host, "host", "", "Global endpoint of the provisioning service")
	rootCmd.Flags().StringVar(&protocol, "protocol", "", "Provisioning protocol, mqtt or http")
	rootCmd.Flags().StringVar(&symmetricKey, "symmetric-key", "", "Base64 device key for symmetric key attestation")
	rootCmd.Flags().StringVar(&metricsAddress, "metrics", "", "Serve prometheus metrics on this address")
	rootCmd.Flags().BoolVar(&trace, "trace", false, "Log every frame sent and received")
	rootCmd.Flags().DurationVar(&pollInterval, "poll", 50*time.Millisecond, "Interval between work cycles")
}

// loadConfig reads the configuration file. A missing file is only an
// error if the path was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c, err := config.FromFile(configPath)
	if err == nil {
		return c, nil
	}

	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		return new(config.Config), nil
	}

	return nil, fmt.Errorf("load configuration: %w", err)
}

// applyFlags overrides configuration values with any flags which were set.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("registration-id") {
		c.Device.RegistrationID = registrationID
	}

	if flags.Changed("scope-id") {
		c.Provisioning.ScopeID = scopeID
	}

	if flags.Changed("host") {
		c.Provisioning.Host = host
	}

	if flags.Changed("protocol") {
		c.Protocol = protocol
	}

	if flags.Changed("symmetric-key") {
		c.Device.SymmetricKey = symmetricKey
		c.Provisioning.HSM = provisioning.HSMSymmetricKey
	}

	if flags.Changed("metrics") {
		c.Metrics = &config.Metrics{Address: metricsAddress}
	}

	if flags.Changed("trace") {
		c.Provisioning.Trace = trace
	}
}

func runProvision(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyFlags(cmd, c)

	log := c.Logging.NewLogger(os.Stderr)
	slog.SetDefault(log)

	if err := c.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := &system.Info{
		Version: Version,
		Started: time.Now().Unix(),
	}

	var store storage.Store
	if c.Storage != nil {
		store, err = c.NewStore(ctx, log)
		if err != nil {
			log.Error("failed to open storage", "error", err)
			return err
		}
		defer store.Close()
	}

	if c.Metrics != nil && c.Metrics.Address != "" {
		stats, err := serveStats(c.Metrics.Address, info, log)
		if err != nil {
			return err
		}
		defer stats.Close()
	}

	reg, err := register(ctx, c, log, info, store)
	if err != nil {
		log.Error("registration failed", "error", err)
		return err
	}

	return printRegistration(cmd.OutOrStdout(), reg)
}

// register runs a registration to completion, calling DoWork every poll
// interval.
func register(ctx context.Context, c *config.Config, log *slog.Logger, info *system.Info, store storage.Store) (*storage.Registration, error) {
	t, err := c.NewTransport(log)
	if err != nil {
		return nil, err
	}

	p, err := c.NewProvisioning(t, log, info)
	if err != nil {
		return nil, err
	}

	opts, err := c.ClientOptions(log, store)
	if err != nil {
		return nil, err
	}

	client, err := provisioning.NewClient(p, opts)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var (
		result *storage.Registration
		regErr error
	)
	err = client.Register(func(reg *storage.Registration, err error) {
		result, regErr = reg, err
	})
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !client.Done() {
		select {
		case <-ctx.Done():
			log.Warn("caught signal, stopping...")
			return nil, ctx.Err()
		case <-ticker.C:
			client.DoWork()
		}
	}

	return result, regErr
}

// serveStats exposes the counters of info on address.
func serveStats(address string, info *system.Info, log *slog.Logger) (*listeners.HTTPStats, error) {
	stats := listeners.NewHTTPStats("stats", address, nil, info)
	if err := stats.Init(log); err != nil {
		return nil, err
	}

	go func() {
		if err := stats.Serve(); err != nil {
			log.Error("stats listener failed", "address", address, "error", err)
		}
	}()

	log.Info("serving stats", "address", address)
	return stats, nil
}

// printRegistration writes reg to w as indented json.
func printRegistration(w io.Writer, reg *storage.Registration) error {
	out, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(out))
	return err
}
