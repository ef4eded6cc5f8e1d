package main

import (
    "bufio"
    "bytes"
    "context"
    "errors"
    "fmt"
    "io"
    "strconv"
    "strings"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "sppctl/internal/link"
)

const eventBuffer = 256

var (
    eolFlag string
    rawFlag bool
    waitFor time.Duration
)

var connectCmd = &cobra.Command{
    Use:   "connect <device-id>",
    Short: "Open an interactive session with a bonded device",
    Long: `Connects to the device and prints everything it sends. Each line read
from stdin is written to the peer followed by --eol. Ctrl-D or Ctrl-C ends the session.`,
    Args: cobra.ExactArgs(1),
    RunE: func(cmd *cobra.Command, args []string) error {
        eol, err := parseEOL(eolFlag)
        if err != nil {
            return err
        }
        sink := link.NewChanSink(eventBuffer)
        defer reportDrops(sink)
        return withManager(sink, func(m *link.Manager) error {
            ctx := cmd.Context()
            dev, err := connect(ctx, m, args[0])
            if err != nil {
                return err
            }
            out := cmd.OutOrStdout()
            fmt.Fprintf(out, "Connected to %s. Type lines to send, Ctrl-D to quit.\n", label(dev))

            lines := make(chan string, 16)
            go scanLines(cmd.InOrStdin(), lines)
            for {
                select {
                case <-ctx.Done():
                    return nil
                case ev, ok := <-sink.Events():
                    if !ok {
                        return nil
                    }
                    if err := printEvent(out, ev); err != nil {
                        return err
                    }
                case line, ok := <-lines:
                    if !ok {
                        return m.Disconnect(ctx)
                    }
                    if err := m.Write(ctx, []byte(line+eol)); err != nil {
                        return err
                    }
                }
            }
        })
    },
}

var sendCmd = &cobra.Command{
    Use:   "send <device-id> <message>...",
    Short: "Connect, send one message and optionally wait for a reply",
    Args:  cobra.MinimumNArgs(2),
    RunE: func(cmd *cobra.Command, args []string) error {
        eol, err := parseEOL(eolFlag)
        if err != nil {
            return err
        }
        sink := link.NewChanSink(eventBuffer)
        defer reportDrops(sink)
        return withManager(sink, func(m *link.Manager) error {
            ctx := cmd.Context()
            if _, err := connect(ctx, m, args[0]); err != nil {
                return err
            }
            msg := strings.Join(args[1:], " ") + eol
            if err := m.Write(ctx, []byte(msg)); err != nil {
                return err
            }
            logger.Debug("message sent", zap.Int("bytes", len(msg)))

            if waitFor > 0 {
                timer := time.NewTimer(waitFor)
                defer timer.Stop()
            wait:
                for {
                    select {
                    case <-ctx.Done():
                        break wait
                    case <-timer.C:
                        break wait
                    case ev := <-sink.Events():
                        if err := printEvent(cmd.OutOrStdout(), ev); err != nil {
                            return err
                        }
                    }
                }
            }
            return m.Disconnect(ctx)
        })
    },
}

func init() {
    for _, c := range []*cobra.Command{connectCmd, sendCmd} {
        c.Flags().StringVar(&eolFlag, "eol", `\n`, "line terminator appended to each message (Go escapes allowed)")
        c.Flags().BoolVar(&rawFlag, "raw", false, "copy received bytes to stdout unmodified")
    }
    sendCmd.Flags().DurationVarP(&waitFor, "wait", "w", 0, "print replies for this long before disconnecting")
    rootCmd.AddCommand(connectCmd, sendCmd)
}

func connect(ctx context.Context, m *link.Manager, id string) (link.Device, error) {
    dctx, cancel := connectTimeout(ctx)
    defer cancel()
    logger.Info("connecting", zap.String("device", id), zap.String("transport", cfg.Transport.Kind))
    return m.Connect(dctx, id)
}

// printEvent writes ev to out. A connection error ends the session and is
// returned to the caller.
func printEvent(out io.Writer, ev link.Event) error {
    switch ev.Type {
    case link.EventDataReceived:
        if rawFlag {
            _, err := out.Write(ev.Payload)
            return err
        }
        _, err := fmt.Fprintf(out, "< %s\n", bytes.TrimRight(ev.Payload, "\r\n"))
        return err
    case link.EventConnectionError:
        return fmt.Errorf("connection lost: %s", ev.Reason)
    }
    return nil
}

// scanLines feeds stdin lines into ch and closes it at EOF.
func scanLines(r io.Reader, ch chan<- string) {
    defer close(ch)
    sc := bufio.NewScanner(r)
    for sc.Scan() {
        ch <- sc.Text()
    }
    if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
        logger.Warn("read stdin", zap.Error(err))
    }
}

func parseEOL(s string) (string, error) {
    eol, err := strconv.Unquote(`"` + s + `"`)
    if err != nil {
        return "", fmt.Errorf("invalid --eol %q: %w", s, err)
    }
    return eol, nil
}

func reportDrops(sink *link.ChanSink) {
    sink.Close()
    if n := sink.Dropped(); n > 0 {
        logger.Warn("events dropped while output was busy", zap.Uint64("count", n))
    }
}

func label(d link.Device) string {
    if d.Name == "" {
        return d.ID
    }
    return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}
