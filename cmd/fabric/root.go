// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package main is the fabric CLI: one binary, one subcommand per component
// (registry, discover, provider, gateway, spot), with the logging/config/
// metrics stack wired once per process.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "fabric",
		Short:             "Service-discovery and message-routing mesh",
		Version:           fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	cmd.AddCommand(
		newRegistryCommand(),
		newDiscoverCommand(),
		newProviderCommand(),
		newGatewayCommand(),
		newSpotCommand(),
	)
	return cmd
}
