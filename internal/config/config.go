// Package config loads the host client configuration from YAML.
// Durations are written in milliseconds.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"golang.org/x/exp/constraints"
	"gopkg.in/yaml.v3"

	"github.com/soypat/tcpka"
	"github.com/soypat/tcpka/internal/telemetry"
)

// File is the on-disk layout.
type File struct {
	Wifi      Wifi      `yaml:"wifi"`
	TCP       TCP       `yaml:"tcp"`
	Idle      Idle      `yaml:"idle"`
	Host      Host      `yaml:"host"`
	Log       Log       `yaml:"log"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Wifi struct {
	SSID            string `yaml:"ssid"`
	Password        string `yaml:"password"`
	Security        string `yaml:"security"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryIntervalMs int64  `yaml:"retry_interval_ms"`
}

type TCP struct {
	// Server is "ip:port" or a bare IPv4 address, which gets the default port.
	Server                string    `yaml:"server"`
	MaxRetries            int       `yaml:"max_retries"`
	ConnectTimeoutMs      int64     `yaml:"connect_timeout_ms"`
	Keepalive             Keepalive `yaml:"keepalive"`
	Reconnect             bool      `yaml:"reconnect"`
	ReconnectBackoffMaxMs int64     `yaml:"reconnect_backoff_max_ms"`
}

type Keepalive struct {
	IdleMs     int64 `yaml:"idle_ms"`
	IntervalMs int64 `yaml:"interval_ms"`
	Count      int   `yaml:"count"`
}

type Idle struct {
	MaxWaitMs  int64 `yaml:"max_wait_ms"`
	IntervalMs int64 `yaml:"interval_ms"`
	WindowMs   int64 `yaml:"window_ms"`
}

type Host struct {
	// Interface is the network interface standing in for the Wi-Fi link.
	// Empty selects the first non-loopback interface that is up.
	Interface string `yaml:"interface"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Telemetry struct {
	Enabled          bool   `yaml:"enabled"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	OTLPInsecure     bool   `yaml:"otlp_insecure"`
	MetricIntervalMs int64  `yaml:"metric_interval_ms"`
}

// Default returns a File holding [tcpka.DefaultConfig] and the
// default telemetry settings.
func Default() File {
	def := tcpka.DefaultConfig()
	tel := telemetry.DefaultConfig()
	return File{
		Wifi: Wifi{
			Security:        def.Wifi.Security.String(),
			MaxRetries:      def.Wifi.MaxRetries,
			RetryIntervalMs: toMillis[int64](def.Wifi.RetryInterval),
		},
		TCP: TCP{
			MaxRetries:       def.TCP.MaxRetries,
			ConnectTimeoutMs: toMillis[int64](def.TCP.ConnectTimeout),
			Keepalive: Keepalive{
				IdleMs:     toMillis[int64](def.TCP.Keepalive.Idle),
				IntervalMs: toMillis[int64](def.TCP.Keepalive.Interval),
				Count:      def.TCP.Keepalive.Count,
			},
			Reconnect:             def.TCP.Reconnect,
			ReconnectBackoffMaxMs: toMillis[int64](def.TCP.ReconnectBackoffMax),
		},
		Idle: Idle{
			MaxWaitMs:  toMillis[int64](def.Idle.MaxWait),
			IntervalMs: toMillis[int64](def.Idle.Interval),
			WindowMs:   toMillis[int64](def.Idle.Window),
		},
		Log: Log{Level: "info"},
		Telemetry: Telemetry{
			OTLPEndpoint:     tel.OTLPEndpoint,
			OTLPInsecure:     tel.OTLPInsecure,
			MetricIntervalMs: toMillis[int64](tel.MetricInterval),
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the defaults.
func Load(path string) (File, error) {
	if path == "" {
		return Default(), nil
	}
	fp, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open config: %w", err)
	}
	defer fp.Close()
	return Decode(fp)
}

// Decode reads YAML from r over the defaults. Keys missing from the
// document keep their default value.
func Decode(r io.Reader) (File, error) {
	f := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&f)
	if err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode config: %w", err)
	}
	return f, nil
}

// Client converts the file to a client configuration. Logger, Observer and
// OnReceive are left for the caller.
func (f File) Client() (tcpka.Config, error) {
	cfg := tcpka.DefaultConfig()
	cfg.Wifi.SSID = f.Wifi.SSID
	cfg.Wifi.Password = f.Wifi.Password
	if f.Wifi.Security != "" {
		if err := cfg.Wifi.Security.UnmarshalText([]byte(f.Wifi.Security)); err != nil {
			return tcpka.Config{}, err
		}
	}
	cfg.Wifi.MaxRetries = f.Wifi.MaxRetries
	cfg.Wifi.RetryInterval = millis(f.Wifi.RetryIntervalMs)

	server, err := ParseServer(f.TCP.Server)
	if err != nil {
		return tcpka.Config{}, err
	}
	cfg.TCP.Server = server
	cfg.TCP.MaxRetries = f.TCP.MaxRetries
	cfg.TCP.ConnectTimeout = millis(f.TCP.ConnectTimeoutMs)
	cfg.TCP.Keepalive = tcpka.KeepaliveConfig{
		Idle:     millis(f.TCP.Keepalive.IdleMs),
		Interval: millis(f.TCP.Keepalive.IntervalMs),
		Count:    f.TCP.Keepalive.Count,
	}
	cfg.TCP.Reconnect = f.TCP.Reconnect
	cfg.TCP.ReconnectBackoffMax = millis(f.TCP.ReconnectBackoffMaxMs)

	cfg.Idle = tcpka.IdleConfig{
		MaxWait:  millis(f.Idle.MaxWaitMs),
		Interval: millis(f.Idle.IntervalMs),
		Window:   millis(f.Idle.WindowMs),
	}
	return cfg, nil
}

// TelemetryConfig converts the telemetry section.
func (f File) TelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = f.Telemetry.Enabled
	cfg.OTLPEndpoint = f.Telemetry.OTLPEndpoint
	cfg.OTLPInsecure = f.Telemetry.OTLPInsecure
	cfg.MetricInterval = millis(f.Telemetry.MetricIntervalMs)
	return cfg
}

// LogLevel parses the log level name ("debug", "info", "warn", "error").
func (f File) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if f.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

// ParseServer parses "ip:port" or a bare IPv4 address. The empty string
// returns the zero AddrPort, which disables the TCP client.
func ParseServer(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(addr, tcpka.DefaultServerPort), nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("server address: %w", err)
	}
	return ap, nil
}

func millis[T constraints.Integer](ms T) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func toMillis[T constraints.Integer](d time.Duration) T {
	return T(d / time.Millisecond)
}
