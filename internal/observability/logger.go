// Package observability builds the process logger from configuration.
package observability

import (
    "fmt"
    "io"
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/multierr"
    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "sppctl/internal/config"
)

// SetupLogger builds a zap.Logger from c, installs it as the global logger
// and redirects the stdlib log package. The returned closer flushes the logger
// and releases any file outputs.
func SetupLogger(c config.LogConfig) (*zap.Logger, func() error, error) {
    level, err := zapcore.ParseLevel(normalizeLevel(c.Level))
    if err != nil {
        return nil, nil, fmt.Errorf("observability: %w", err)
    }
    atom := zap.NewAtomicLevelAt(level)

    encCfg := encoderConfig(c.Development)
    var encoder zapcore.Encoder
    if strings.EqualFold(c.Format, "json") {
        encoder = zapcore.NewJSONEncoder(encCfg)
    } else {
        encoder = zapcore.NewConsoleEncoder(encCfg)
    }

    outputs := c.Outputs
    if len(outputs) == 0 {
        outputs = []string{"stderr"}
    }

    var (
        cores   []zapcore.Core
        closers []io.Closer
    )
    for _, out := range outputs {
        ws, closer, err := openSink(out, c)
        if err != nil {
            _ = closeAll(closers)
            return nil, nil, err
        }
        if closer != nil {
            closers = append(closers, closer)
        }
        cores = append(cores, zapcore.NewCore(encoder, ws, atom))
    }

    opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
    if c.Development {
        opts = append(opts, zap.Development())
    }
    logger := zap.New(zapcore.NewTee(cores...), opts...)
    zap.ReplaceGlobals(logger)
    _, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)

    closeFn := func() error {
        // Sync on a terminal returns EINVAL; it is not worth reporting.
        _ = logger.Sync()
        return closeAll(closers)
    }
    return logger, closeFn, nil
}

func openSink(out string, c config.LogConfig) (zapcore.WriteSyncer, io.Closer, error) {
    switch strings.ToLower(out) {
    case "stdout":
        return zapcore.Lock(os.Stdout), nil, nil
    case "stderr":
        return zapcore.Lock(os.Stderr), nil, nil
    }
    if c.Rotation.Enable {
        lj := &lumberjack.Logger{
            Filename:   chooseFilename(out, c),
            MaxSize:    max(c.Rotation.MaxSizeMB, 1),
            MaxBackups: max(c.Rotation.MaxBackups, 1),
            MaxAge:     max(c.Rotation.MaxAgeDays, 1),
            Compress:   c.Rotation.Compress,
        }
        return zapcore.AddSync(lj), lj, nil
    }
    if dir := filepath.Dir(out); dir != "." {
        if err := os.MkdirAll(dir, 0o755); err != nil {
            return nil, nil, fmt.Errorf("observability: create log dir: %w", err)
        }
    }
    f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil {
        return nil, nil, fmt.Errorf("observability: open log file: %w", err)
    }
    return zapcore.AddSync(f), f, nil
}

func normalizeLevel(s string) string {
    s = strings.ToLower(strings.TrimSpace(s))
    switch s {
    case "":
        return "info"
    case "warning":
        return "warn"
    }
    return s
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
    if dev {
        cfg := zap.NewDevelopmentEncoderConfig()
        cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
        return cfg
    }
    cfg := zap.NewProductionEncoderConfig()
    cfg.EncodeTime = zapcore.ISO8601TimeEncoder
    return cfg
}

// chooseFilename prefers the rotation filename when rotation is enabled.
func chooseFilename(out string, c config.LogConfig) string {
    if c.Rotation.Enable && strings.TrimSpace(c.Rotation.Filename) != "" {
        return c.Rotation.Filename
    }
    return out
}

func closeAll(cs []io.Closer) error {
    var err error
    for _, c := range cs {
        err = multierr.Append(err, c.Close())
    }
    return err
}
