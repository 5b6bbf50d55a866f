package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/federation/internal/config"
	"github.com/haasonsaas/federation/internal/controlplane"
	"github.com/haasonsaas/federation/internal/fedtypes"
	"github.com/haasonsaas/federation/internal/registry"
	"github.com/spf13/cobra"
)

// openControlPlane loads the config at path and builds an embedded control
// plane against it. Background loops (health probing, affinity sweep) are
// never started: a one-shot CLI command only needs the Registry's current
// view of the store.
func openControlPlane(ctx context.Context, path string) (*controlplane.ControlPlane, error) {
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Defaults()
	}
	return controlplane.New(ctx, cfg)
}

func buildListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			instances, err := cp.Registry.GetAllInstances(cmd.Context())
			if err != nil {
				return err
			}
			for _, inst := range instances {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%d/%d\n",
					inst.ID, inst.Endpoint, inst.Region, inst.HealthStatus, inst.CurrentSessions, inst.MaxSessions)
			}
			return nil
		},
	}
}

func buildShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one instance's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			inst, found, err := cp.Registry.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("instance %q not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", inst)
			return nil
		},
	}
}

func buildRegisterCmd(configPath *string) *cobra.Command {
	var (
		endpoint      string
		region        string
		zone          string
		version       string
		capabilities  string
		maxSessions   int
		routingWeight float64
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new instance with the federation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			inst, err := cp.Registry.Register(cmd.Context(), registry.RegisterInput{
				Endpoint:      endpoint,
				Region:        region,
				Zone:          zone,
				Version:       version,
				Capabilities:  splitCapabilities(capabilities),
				MaxSessions:   maxSessions,
				RoutingWeight: routingWeight,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s\n", inst.ID, inst.Endpoint)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "instance base URL (required)")
	cmd.Flags().StringVar(&region, "region", "", "instance region")
	cmd.Flags().StringVar(&zone, "zone", "", "instance zone")
	cmd.Flags().StringVar(&version, "version", "", "instance build version")
	cmd.Flags().StringVar(&capabilities, "capabilities", "", "comma-separated capability tags")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 100, "maximum concurrent sessions")
	cmd.Flags().Float64Var(&routingWeight, "weight", 1.0, "weighted-strategy routing weight")
	_ = cmd.MarkFlagRequired("endpoint")

	return cmd
}

func buildDrainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drain <id>",
		Short: "Mark an instance inactive so the router stops selecting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			inactive := false
			inst, err := cp.Registry.Update(cmd.Context(), args[0], fedtypes.InstanceUpdate{IsActive: &inactive})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "drained %s\n", inst.ID)
			return nil
		},
	}
}

func buildCapacityCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "capacity",
		Short: "Show federation-wide and per-region capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			report, err := cp.Registry.GetCapacityReport(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "instances: %d active / %d total, %d healthy\n",
				report.ActiveInstances, report.TotalInstances, report.HealthyInstances)
			fmt.Fprintf(cmd.OutOrStdout(), "sessions: %d / %d (%.1f%% utilized)\n",
				report.TotalSessions, report.TotalCapacity, report.Utilization*100)
			for _, rc := range report.ByRegion {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d instances, %d/%d sessions\n",
					rc.Region, rc.InstanceCount, rc.CurrentSessions, rc.MaxSessions)
			}
			return nil
		},
	}
}

func splitCapabilities(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			caps = append(caps, p)
		}
	}
	return caps
}
