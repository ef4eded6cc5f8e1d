package main

import (
    "github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
    Use:   "config",
    Short: "Print the effective configuration as YAML",
    Args:  cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
        out, err := cfg.YAML()
        if err != nil {
            return err
        }
        _, err = cmd.OutOrStdout().Write(out)
        return err
    },
}

func init() {
    rootCmd.AddCommand(configCmd)
}
