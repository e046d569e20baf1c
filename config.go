package tcpka

import (
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"time"
)

// DefaultServerPort is the TCP port the server listens on.
const DefaultServerPort = 50007

// Security is the authentication method used to join the access point.
type Security uint8

const (
	securityUndefined Security = iota
	SecurityOpen
	SecurityWPA
	SecurityWPA2
	SecurityWPA3
	SecurityWPA2WPA3
)

var securityNames = [...]string{
	securityUndefined: "undefined",
	SecurityOpen:      "open",
	SecurityWPA:       "wpa",
	SecurityWPA2:      "wpa2",
	SecurityWPA3:      "wpa3",
	SecurityWPA2WPA3:  "wpa2wpa3",
}

func (s Security) String() string {
	if int(s) < len(securityNames) {
		return securityNames[s]
	}
	return "Security(?)"
}

// MarshalText implements [encoding.TextMarshaler].
func (s Security) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Security) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range securityNames {
		if i != int(securityUndefined) && n == name {
			*s = Security(i)
			return nil
		}
	}
	return errors.New("tcpka: unknown security type " + name)
}

// WifiConfig configures the Wi-Fi associator.
type WifiConfig struct {
	SSID     string
	Password string
	// Security defaults to SecurityWPA2 if a password is set, SecurityOpen otherwise.
	Security Security
	// MaxRetries is the total number of join attempts.
	MaxRetries int
	// RetryInterval is the fixed delay between join attempts.
	RetryInterval time.Duration
}

// KeepaliveConfig holds the TCP keepalive tuning applied to every socket.
// Keepalive itself is always enabled.
type KeepaliveConfig struct {
	// Idle is the time the connection stays idle before the first probe.
	Idle time.Duration
	// Interval between unacknowledged probes.
	Interval time.Duration
	// Count of unacknowledged probes before the connection is dropped.
	Count int
}

// TCPConfig configures the server connector.
type TCPConfig struct {
	// Server is the remote endpoint. The zero value disables the TCP client.
	Server netip.AddrPort
	// MaxRetries is the total number of connect attempts in one connect sequence.
	MaxRetries int
	// ConnectTimeout bounds a single connect attempt. Zero leaves it to the backend.
	ConnectTimeout time.Duration
	Keepalive      KeepaliveConfig
	// Reconnect enables a background loop that runs a new connect sequence
	// every time the connection gate is released.
	Reconnect bool
	// ReconnectBackoffMax caps the delay between failed connect sequences.
	ReconnectBackoffMax time.Duration
}

// IdleConfig holds the fixed parameters passed to [Suspender.WaitNetSuspend].
type IdleConfig struct {
	// MaxWait<=0 waits forever.
	MaxWait  time.Duration
	Interval time.Duration
	Window   time.Duration
}

// Config configures a [Client].
type Config struct {
	Wifi WifiConfig
	TCP  TCPConfig
	Idle IdleConfig
	// OnReceive is called from the stack's context with data received
	// on the connected socket.
	OnReceive RecvCallback
	Logger    *slog.Logger
	Observer  Observer
}

// DefaultConfig returns the client configuration used on the Pico W.
// The server address and Wi-Fi credentials must be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		Wifi: WifiConfig{
			Security:      SecurityWPA2,
			MaxRetries:    10,
			RetryInterval: 1000 * time.Millisecond,
		},
		TCP: TCPConfig{
			MaxRetries:     5,
			ConnectTimeout: 10 * time.Second,
			Keepalive: KeepaliveConfig{
				Idle:     10000 * time.Millisecond,
				Interval: 1000 * time.Millisecond,
				Count:    2,
			},
			Reconnect:           true,
			ReconnectBackoffMax: 30 * time.Second,
		},
		Idle: IdleConfig{
			MaxWait:  0,
			Interval: 300 * time.Millisecond,
			Window:   200 * time.Millisecond,
		},
	}
}

func (cfg WifiConfig) security() Security {
	if cfg.Security != securityUndefined {
		return cfg.Security
	}
	if cfg.Password == "" {
		return SecurityOpen
	}
	return SecurityWPA2
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Wifi.MaxRetries <= 0:
		return errors.New("tcpka: wifi retries must be positive")
	case cfg.Wifi.RetryInterval < 0:
		return errors.New("tcpka: negative wifi retry interval")
	case cfg.TCP.Server.IsValid() && cfg.TCP.MaxRetries <= 0:
		return errors.New("tcpka: tcp retries must be positive")
	case cfg.TCP.Server.IsValid() && !cfg.TCP.Server.Addr().Is4():
		return errors.New("tcpka: server address must be IPv4")
	case cfg.TCP.Keepalive.Count < 0 || cfg.TCP.Keepalive.Idle < 0 || cfg.TCP.Keepalive.Interval < 0:
		return errors.New("tcpka: negative keepalive parameter")
	case cfg.TCP.Reconnect && cfg.TCP.ReconnectBackoffMax <= 0:
		return errors.New("tcpka: reconnect backoff must be positive")
	case cfg.Idle.Interval <= 0 || cfg.Idle.Window <= 0:
		return errors.New("tcpka: idle interval and window must be positive")
	case cfg.Idle.Window > cfg.Idle.Interval:
		return errors.New("tcpka: idle window larger than interval")
	}
	return nil
}
