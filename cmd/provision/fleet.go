// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mochi-mqtt/provisioner/fleet"
	"github.com/mochi-mqtt/provisioner/storage"
	"github.com/mochi-mqtt/provisioner/system"
)

var (
	devicesFile string
	workers     uint64
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Register a list of devices using keys derived from the group key",
	Args:  cobra.NoArgs,
	RunE:  runFleet,
}

func init() {
	fleetCmd.Flags().StringVar(&devicesFile, "devices", "", "File of registration ids, one per line")
	fleetCmd.Flags().Uint64Var(&workers, "workers", 4, "Number of concurrent registrations")
	_ = fleetCmd.MarkFlagRequired("devices")
	rootCmd.AddCommand(fleetCmd)
}

func runFleet(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyFlags(cmd, c)

	log := c.Logging.NewLogger(os.Stderr)

	f, err := os.Open(devicesFile)
	if err != nil {
		return err
	}
	devices, err := fleet.ParseDevices(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	first, err := c.ForDevice(devices[0].RegistrationID)
	if err != nil {
		return err
	}
	if err := first.Validate(); err != nil {
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

	log.Info("registering fleet", "devices", len(devices), "workers", workers)
	results := fleet.Run(ctx, devices, workers, func(ctx context.Context, d fleet.Device) (*storage.Registration, error) {
		dc, err := c.ForDevice(d.RegistrationID)
		if err != nil {
			return nil, err
		}

		dlog := log.With("registration_id", d.RegistrationID)
		return register(ctx, dc, dlog, info, store)
	})

	for _, r := range results {
		if r.Err != nil {
			log.Error("registration failed", "registration_id", r.RegistrationID, "error", r.Err)
			continue
		}

		if err := printRegistration(cmd.OutOrStdout(), r.Registration); err != nil {
			return err
		}
	}

	if n := fleet.Failed(results); n > 0 {
		return fmt.Errorf("%d of %d registrations failed", n, len(results))
	}

	return nil
}
