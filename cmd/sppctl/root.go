package main

import (
    "context"
    "fmt"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "sppctl/internal/config"
    "sppctl/internal/link"
    "sppctl/internal/observability"
)

// Version of sppctl.
const Version = "0.1.0"

var (
    configPath string
    verbose    bool

    cfg      *config.Config
    logger   = zap.NewNop()
    closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
    Use:     "sppctl",
    Short:   "Manage a Bluetooth Serial Port Profile connection",
    Version: Version,
    Long: `sppctl queries the local Bluetooth adapter, lists bonded devices and opens
a single SPP link to one of them, printing what the peer sends.`,
    SilenceUsage:      true,
    PersistentPreRunE: setup,
    PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
        return closeLog()
    },
}

func init() {
    rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search sppctl.yaml)")
    rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

// setup loads configuration and installs the logger before any subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
    c, err := config.Load(configPath)
    if err != nil {
        return fmt.Errorf("load config: %w", err)
    }
    if verbose {
        c.Log.Level = "debug"
    }
    l, closer, err := observability.SetupLogger(c.Log)
    if err != nil {
        return err
    }
    cfg, logger, closeLog = c, l, closer
    return nil
}

// withManager builds the configured backend and a Manager on top of it, runs
// fn, then closes both.
func withManager(sink link.EventSink, fn func(m *link.Manager) error) (err error) {
    b, err := newBackend(cfg, logger)
    if err != nil {
        return err
    }
    opts := []link.Option{
        link.WithLogger(logger),
        link.WithReadBufferSize(cfg.Transport.ReadBuffer),
    }
    if sink != nil {
        opts = append(opts, link.WithSink(sink))
    }
    m := link.New(b.gw, b.dialer, opts...)
    defer func() {
        if cerr := m.Close(); cerr != nil {
            logger.Warn("close manager", zap.Error(cerr))
        }
        if cerr := b.Close(); cerr != nil {
            logger.Warn("close backend", zap.Error(cerr))
        }
    }()
    return fn(m)
}

// connectTimeout bounds a Connect by transport.connect_timeout when set.
func connectTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
    if cfg.Transport.ConnectTimeout > 0 {
        return context.WithTimeout(ctx, cfg.Transport.ConnectTimeout)
    }
    return context.WithCancel(ctx)
}
