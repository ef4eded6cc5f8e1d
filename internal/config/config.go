// Package config provides YAML-based configuration loading for sppctl.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/spf13/viper"
    "gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
    Log       LogConfig       `mapstructure:"log" yaml:"log"`
    Adapter   AdapterConfig   `mapstructure:"adapter" yaml:"adapter"`
    Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level" yaml:"level"`
    // Format: console or json
    Format string `mapstructure:"format" yaml:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs" yaml:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable" yaml:"enable"`
    Filename   string `mapstructure:"filename" yaml:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
    Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// AdapterConfig selects where the radio state and bonded devices come from.
type AdapterConfig struct {
    // Kind: bluez (system D-Bus) or static (Devices below)
    Kind string `mapstructure:"kind" yaml:"kind"`
    // HCI names the controller, e.g. hci0. Empty picks the first.
    HCI string `mapstructure:"hci" yaml:"hci"`
    // Devices is the bonded registry for the static kind.
    Devices []DeviceConfig `mapstructure:"devices" yaml:"devices,omitempty"`
}

// DeviceConfig describes one statically configured peripheral.
type DeviceConfig struct {
    ID   string `mapstructure:"id" yaml:"id"`
    Name string `mapstructure:"name" yaml:"name,omitempty"`
}

// TransportConfig selects how the SPP stream is opened.
type TransportConfig struct {
    // Kind: profile (BlueZ Profile1), rfcomm (raw socket) or tty (serial node)
    Kind           string        `mapstructure:"kind" yaml:"kind"`
    ServiceUUID    string        `mapstructure:"service_uuid" yaml:"service_uuid"`
    ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
    ReadBuffer     int           `mapstructure:"read_buffer" yaml:"read_buffer"`
    RFCOMM         RFCOMMConfig  `mapstructure:"rfcomm" yaml:"rfcomm"`
    TTY            TTYConfig     `mapstructure:"tty" yaml:"tty"`
}

type RFCOMMConfig struct {
    Channels []int `mapstructure:"channels" yaml:"channels"`
}

type TTYConfig struct {
    // Ports maps device IDs to device nodes, e.g. AA:BB:..: /dev/rfcomm0
    Ports       map[string]string `mapstructure:"ports" yaml:"ports,omitempty"`
    DefaultPort string            `mapstructure:"default_port" yaml:"default_port"`
    BaudRate    int               `mapstructure:"baud_rate" yaml:"baud_rate"`
}

const (
    AdapterBlueZ  = "bluez"
    AdapterStatic = "static"

    TransportProfile = "profile"
    TransportRFCOMM  = "rfcomm"
    TransportTTY     = "tty"
)

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stderr"},
            Development: false,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/sppctl.log",
                MaxSizeMB:  20,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Adapter: AdapterConfig{Kind: AdapterBlueZ},
        Transport: TransportConfig{
            Kind:           TransportProfile,
            ServiceUUID:    "00001101-0000-1000-8000-00805f9b34fb",
            ConnectTimeout: 20 * time.Second,
            ReadBuffer:     1024,
            RFCOMM:         RFCOMMConfig{Channels: []int{1}},
            TTY:            TTYConfig{BaudRate: 115200},
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix SPPCTL and `.`/`-` are replaced with `_`.
// Example: SPPCTL_TRANSPORT_KIND=rfcomm
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("SPPCTL")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("adapter.kind", cfg.Adapter.Kind)
    v.SetDefault("adapter.hci", cfg.Adapter.HCI)
    v.SetDefault("transport.kind", cfg.Transport.Kind)
    v.SetDefault("transport.service_uuid", cfg.Transport.ServiceUUID)
    v.SetDefault("transport.connect_timeout", cfg.Transport.ConnectTimeout)
    v.SetDefault("transport.read_buffer", cfg.Transport.ReadBuffer)
    v.SetDefault("transport.rfcomm.channels", cfg.Transport.RFCOMM.Channels)
    v.SetDefault("transport.tty.default_port", cfg.Transport.TTY.DefaultPort)
    v.SetDefault("transport.tty.baud_rate", cfg.Transport.TTY.BaudRate)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("SPPCTL_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `sppctl`
        v.SetConfigName("sppctl")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".sppctl"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stderr"}
    }

    c.Adapter.Kind = strings.ToLower(strings.TrimSpace(c.Adapter.Kind))
    switch c.Adapter.Kind {
    case AdapterBlueZ:
    case AdapterStatic:
        for i, d := range c.Adapter.Devices {
            if strings.TrimSpace(d.ID) == "" {
                return fmt.Errorf("adapter.devices[%d]: id required", i)
            }
        }
    default:
        return fmt.Errorf("invalid adapter.kind: %q", c.Adapter.Kind)
    }

    c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
    switch c.Transport.Kind {
    case TransportProfile, TransportRFCOMM, TransportTTY:
    default:
        return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
    }
    if _, err := uuid.Parse(c.Transport.ServiceUUID); err != nil {
        return fmt.Errorf("invalid transport.service_uuid %q: %w", c.Transport.ServiceUUID, err)
    }
    if c.Transport.ConnectTimeout < 0 {
        return fmt.Errorf("invalid transport.connect_timeout: %s", c.Transport.ConnectTimeout)
    }
    if c.Transport.ReadBuffer <= 0 {
        c.Transport.ReadBuffer = 1024
    }
    if c.Transport.Kind == TransportProfile && c.Adapter.Kind == AdapterStatic {
        return errors.New("transport.kind=profile requires adapter.kind=bluez")
    }
    return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
    return yaml.Marshal(c)
}
