// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"github.com/spf13/cobra"

	"github.com/mochi-mqtt/provisioner/storage"
)

var registrationsCmd = &cobra.Command{
	Use:   "registrations",
	Short: "List the registrations held in the configured store",
	Args:  cobra.NoArgs,
	RunE:  runRegistrations,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <registration-id>",
	Short: "Remove a registration from the configured store",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

func init() {
	rootCmd.AddCommand(registrationsCmd)
	registrationsCmd.AddCommand(forgetCmd)
}

// openStore loads the configuration and opens its store.
func openStore(cmd *cobra.Command) (storage.Store, error) {
	c, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log := c.Logging.NewLogger(cmd.ErrOrStderr())
	return c.NewStore(cmd.Context(), log)
}

func runRegistrations(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	regs, err := store.List()
	if err != nil {
		return err
	}

	for i := range regs {
		if err := printRegistration(cmd.OutOrStdout(), &regs[i]); err != nil {
			return err
		}
	}

	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Delete(args[0])
}
