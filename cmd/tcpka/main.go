// Command tcpka runs the keepalive client on a host. The operating system
// manages the wireless association; the client joins through the selected
// interface, connects to the server and answers LED commands by logging them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/soypat/tcpka"
	"github.com/soypat/tcpka/hostnet"
	"github.com/soypat/tcpka/internal/config"
	"github.com/soypat/tcpka/internal/ledctl"
	"github.com/soypat/tcpka/internal/telemetry"
	"github.com/soypat/tcpka/netidle"
)

type flags struct {
	config   string
	server   string
	iface    string
	logLevel string
	json     bool
}

func main() {
	var f flags
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "tcpka - TCP keepalive client.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&f.config, "config", "", "YAML configuration file. Defaults are used if empty.")
	flag.StringVar(&f.server, "server", "", "Server address as ip or ip:port. Overrides the configuration file.")
	flag.StringVar(&f.iface, "iface", "", "Network interface standing in for the Wi-Fi link. Overrides the configuration file.")
	flag.StringVar(&f.logLevel, "loglevel", "", "Log level: debug, info, warn or error. Overrides the configuration file.")
	flag.BoolVar(&f.json, "json", false, "Log in JSON format.")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, f, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "tcpka:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, logOutput io.Writer) error {
	file, err := config.Load(f.config)
	if err != nil {
		return err
	}
	if f.server != "" {
		file.TCP.Server = f.server
	}
	if f.iface != "" {
		file.Host.Interface = f.iface
	}
	if f.logLevel != "" {
		file.Log.Level = f.logLevel
	}
	if f.json {
		file.Log.JSON = true
	}
	level, err := file.LogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(logOutput, opts)
	if file.Log.JSON {
		handler = slog.NewJSONHandler(logOutput, opts)
	}
	logger := slog.New(handler)

	provider, err := telemetry.NewProvider(ctx, file.TelemetryConfig())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", slog.String("err", err.Error()))
		}
	}()
	observer, err := telemetry.NewObserver(provider.Meter("github.com/soypat/tcpka"))
	if err != nil {
		return err
	}

	cfg, err := file.Client()
	if err != nil {
		return err
	}
	monitor := netidle.New(netidle.Config{Logger: logger})
	dev := hostnet.New(hostnet.Config{Logger: logger, Activity: monitor})
	defer dev.Close()
	link := &hostnet.Link{Interface: file.Host.Interface, Logger: logger}

	led := &ledctl.Handler{
		LED:    func(on bool) { logger.Info("led", slog.Bool("on", on)) },
		Logger: logger,
	}
	cfg.OnReceive = led.Receive
	cfg.Logger = logger
	cfg.Observer = observer
	client, err := tcpka.New(cfg, link, dev, monitor)
	if err != nil {
		return err
	}
	led.Reply = client

	logger.Info("tcpka:start",
		slog.String("server", cfg.TCP.Server.String()),
		slog.String("iface", file.Host.Interface),
	)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		stats := monitor.Stats()
		logger.Info("tcpka:stop", slog.Uint64("suspend_cycles", stats.Cycles), slog.Duration("suspended", stats.Suspended))
		return nil
	}
	return err
}
