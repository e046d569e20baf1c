package config

import (
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/soypat/tcpka"
)

func TestDefaultRoundTrip(t *testing.T) {
	f, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Client()
	if err != nil {
		t.Fatal(err)
	}
	want := tcpka.DefaultConfig()
	if got.Wifi != want.Wifi || got.TCP != want.TCP || got.Idle != want.Idle {
		t.Errorf("defaults changed through file:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestDecodeOverrides(t *testing.T) {
	const doc = `
wifi:
  ssid: lab
  password: hunter22
  security: wpa3
tcp:
  server: 192.168.1.20
  keepalive:
    idle_ms: 5000
    count: 4
  reconnect: false
idle:
  max_wait_ms: 60000
host:
  interface: wlan0
log:
  level: debug
  json: true
telemetry:
  enabled: true
  otlp_endpoint: http://collector:4318
`
	f, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := f.Client()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Wifi.SSID != "lab" || cfg.Wifi.Password != "hunter22" || cfg.Wifi.Security != tcpka.SecurityWPA3 {
		t.Errorf("wifi: %+v", cfg.Wifi)
	}
	if cfg.Wifi.MaxRetries != 10 || cfg.Wifi.RetryInterval != time.Second {
		t.Errorf("wifi retry defaults lost: %+v", cfg.Wifi)
	}
	wantServer := netip.MustParseAddrPort("192.168.1.20:50007")
	if cfg.TCP.Server != wantServer {
		t.Errorf("server %v, want %v", cfg.TCP.Server, wantServer)
	}
	ka := cfg.TCP.Keepalive
	if ka.Idle != 5*time.Second || ka.Interval != time.Second || ka.Count != 4 {
		t.Errorf("keepalive %+v", ka)
	}
	if cfg.TCP.Reconnect {
		t.Error("reconnect not disabled")
	}
	if cfg.Idle.MaxWait != time.Minute || cfg.Idle.Interval != 300*time.Millisecond || cfg.Idle.Window != 200*time.Millisecond {
		t.Errorf("idle %+v", cfg.Idle)
	}
	if f.Host.Interface != "wlan0" || !f.Log.JSON {
		t.Errorf("host/log %+v %+v", f.Host, f.Log)
	}
	lvl, err := f.LogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("log level %v, %v", lvl, err)
	}
	tel := f.TelemetryConfig()
	if !tel.Enabled || tel.OTLPEndpoint != "http://collector:4318" || tel.MetricInterval != 15*time.Second {
		t.Errorf("telemetry %+v", tel)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, doc := range []string{
		"wifi:\n  ssid: [",
		"unknown_section: 1\n",
	} {
		if _, err := Decode(strings.NewReader(doc)); err == nil {
			t.Errorf("no error decoding %q", doc)
		}
	}
	f := Default()
	f.Wifi.Security = "wep"
	if _, err := f.Client(); err == nil {
		t.Error("unknown security accepted")
	}
	f = Default()
	f.TCP.Server = "not-an-address"
	if _, err := f.Client(); err == nil {
		t.Error("bad server accepted")
	}
}

func TestParseServer(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want netip.AddrPort
	}{
		{in: "", want: netip.AddrPort{}},
		{in: "10.0.0.1", want: netip.MustParseAddrPort("10.0.0.1:50007")},
		{in: "10.0.0.1:8080", want: netip.MustParseAddrPort("10.0.0.1:8080")},
	} {
		got, err := ParseServer(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.in, got, tc.want)
		}
	}
}
