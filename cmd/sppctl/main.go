// Command sppctl drives a single Bluetooth Serial Port Profile link: it
// reports and powers the adapter, lists bonded devices, and opens an
// interactive or one-shot session with a peripheral.
//
// Configuration is read from sppctl.yaml (., ./configs, ~/.sppctl), the
// --config flag or SPPCTL_CONFIG, with SPPCTL_* environment overrides, e.g.
//
//	SPPCTL_TRANSPORT_KIND=rfcomm sppctl connect AA:BB:CC:DD:EE:FF
//
// On Linux the bluez adapter talks to bluetoothd over the system D-Bus;
// registering the client profile usually needs root or a polkit rule.
// Ctrl-C cancels the running command.
package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"
)

func main() {
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    if err := rootCmd.ExecuteContext(ctx); err != nil {
        fmt.Fprintln(os.Stderr, err)
        stop()
        os.Exit(1)
    }
}
