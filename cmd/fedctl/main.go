// Command fedctl is an operator CLI for the federation control plane. Each
// invocation builds a short-lived, embedded control plane against the
// configured store, performs one operation, and exits.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "fedctl",
		Short:        "Operate the federation control plane",
		Long:         `fedctl inspects and manages federation instances: list, show, register, drain, and capacity.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "federation.yaml", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildListCmd(&configPath),
		buildShowCmd(&configPath),
		buildRegisterCmd(&configPath),
		buildDrainCmd(&configPath),
		buildCapacityCmd(&configPath),
	)

	return rootCmd
}
