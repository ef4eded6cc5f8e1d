package main

import (
    "fmt"

    "github.com/spf13/cobra"

    "sppctl/internal/link"
)

var statusCmd = &cobra.Command{
    Use:   "status",
    Short: "Report whether the Bluetooth adapter is powered",
    Args:  cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
        return withManager(nil, func(m *link.Manager) error {
            on, err := m.QueryEnabled(cmd.Context())
            if err != nil {
                return err
            }
            fmt.Fprintf(cmd.OutOrStdout(), "adapter:   %s\n", cfg.Adapter.Kind)
            fmt.Fprintf(cmd.OutOrStdout(), "transport: %s\n", cfg.Transport.Kind)
            fmt.Fprintf(cmd.OutOrStdout(), "enabled:   %t\n", on)
            return nil
        })
    },
}

var enableCmd = &cobra.Command{
    Use:   "enable",
    Short: "Ask the adapter to power on",
    Args:  cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
        return withManager(nil, func(m *link.Manager) error {
            ctx := cmd.Context()
            if err := m.RequestEnable(ctx); err != nil {
                return err
            }
            on, err := m.QueryEnabled(ctx)
            if err != nil {
                return err
            }
            if !on {
                fmt.Fprintln(cmd.OutOrStdout(), "Enable requested; adapter still reports powered off.")
                return nil
            }
            fmt.Fprintln(cmd.OutOrStdout(), "Adapter enabled.")
            return nil
        })
    },
}

var devicesCmd = &cobra.Command{
    Use:   "devices",
    Short: "List bonded devices in adapter order",
    Args:  cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
        return withManager(nil, func(m *link.Manager) error {
            devs, err := m.ListPairedDevices(cmd.Context())
            if err != nil {
                return err
            }
            if len(devs) == 0 {
                fmt.Fprintln(cmd.OutOrStdout(), "No paired devices.")
                return nil
            }
            for _, d := range devs {
                name := d.Name
                if name == "" {
                    name = "(unnamed)"
                }
                fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", d.ID, name)
            }
            return nil
        })
    },
}

func init() {
    rootCmd.AddCommand(statusCmd, enableCmd, devicesCmd)
}
