package main

import (
	"context"
	"fmt"
	"time"

	fleetversion "github.com/ModularPrintingSystem/KlipperFleet/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Show client and daemon versions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runVersion,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	p := newPrinter(cmd)
	clientVersion := fleetversion.Format(fleetversion.String())

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	daemonVersion := "unreachable"
	if api, err := apiClient(); err == nil {
		if status, err := api.Status(ctx); err == nil {
			daemonVersion = status.Version
		}
	}

	if p.json {
		return p.Print(map[string]any{
			"client": clientVersion,
			"daemon": daemonVersion,
		})
	}
	fmt.Printf("Client: %s\n", clientVersion)
	fmt.Printf("Daemon: %s\n", daemonVersion)
	return nil
}
