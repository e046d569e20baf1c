//go:build rp2040 || rp2350

// Package picow drives the Raspberry Pi Pico W radio for the keepalive
// client. It provides the Wi-Fi [tcpka.Link], the seqs port stack the
// seqsnet backend runs on, the ARP resolver and the on-board LED.
package picow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/stacks"

	"github.com/soypat/tcpka"
	"github.com/soypat/tcpka/netidle"
)

const mtu = cyw43439.MTU

const (
	dhcpPoll     = 500 * time.Millisecond
	dhcpMaxPolls = 16
	arpPoll      = 20 * time.Millisecond
	arpMaxPolls  = 20
)

var errNoStaticIP = errors.New("picow: DHCP did not complete and no static IP was configured")

type Config struct {
	// DHCP requested hostname.
	Hostname string
	// RequestedIP is requested over DHCP and assigned statically if DHCP
	// does not complete.
	RequestedIP netip.Addr
	// Number of UDP ports to open for the stack, one more is opened for DHCP.
	UDPPorts uint16
	// Number of TCP ports to open for the stack.
	TCPPorts uint16
	// Monitor receives rx/tx activity from the NIC loop. May be nil.
	Monitor *netidle.Monitor
	Logger  *slog.Logger
	// DeviceLogger enables in depth logging of the CYW43439 driver.
	DeviceLogger *slog.Logger
}

// Board owns the CYW43439 device and the port stack bound to it.
type Board struct {
	dev     *cyw43439.Device
	stack   *stacks.PortStack
	dhcp    *stacks.DHCPClient
	monitor *netidle.Monitor
	logger  *slog.Logger
	cfg     Config
	prefix  netip.Prefix
	router  netip.Addr
	looping bool
}

var _ tcpka.Link = (*Board)(nil)

// New initializes the radio and creates the port stack. The radio does not
// join any network until [Board.Join] is called.
func New(cfg Config) (*Board, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	dev := cyw43439.NewPicoWDevice()
	wificfg := cyw43439.DefaultWifiConfig()
	wificfg.Logger = cfg.DeviceLogger
	logger.Info("initializing pico W device...")
	start := time.Now()
	if err := dev.Init(wificfg); err != nil {
		return nil, errors.New("picow: wifi init failed:" + err.Error())
	}
	logger.Info("cyw43439:Init", slog.Duration("duration", time.Since(start)))

	mac, err := dev.HardwareAddr6()
	if err != nil {
		return nil, err
	}
	stack := stacks.NewPortStack(stacks.PortStackConfig{
		MAC:             mac,
		MaxOpenPortsUDP: int(cfg.UDPPorts) + 1,
		MaxOpenPortsTCP: int(cfg.TCPPorts),
		MTU:             mtu,
		Logger:          logger,
	})
	dev.RecvEthHandle(stack.RecvEth)
	return &Board{
		dev:     dev,
		stack:   stack,
		dhcp:    stacks.NewDHCPClient(stack, dhcp.DefaultClientPort),
		monitor: cfg.Monitor,
		logger:  logger,
		cfg:     cfg,
	}, nil
}

// Stack returns the port stack the TCP socket is created on.
func (b *Board) Stack() *stacks.PortStack { return b.stack }

// Join performs a single association attempt with the access point followed
// by DHCP. Retries are left to the caller.
func (b *Board) Join(ctx context.Context, cfg tcpka.WifiConfig) (netip.Addr, error) {
	switch cfg.Security {
	case tcpka.SecurityWPA2, tcpka.SecurityOpen:
	default:
		return netip.Addr{}, errors.New("picow: unsupported security " + cfg.Security.String())
	}
	if cfg.Password == "" {
		b.logger.Info("joining open network", slog.String("ssid", cfg.SSID))
	} else {
		b.logger.Info("joining WPA secure network", slog.String("ssid", cfg.SSID), slog.Int("passlen", len(cfg.Password)))
	}
	if err := b.dev.JoinWPA2(cfg.SSID, cfg.Password); err != nil {
		return netip.Addr{}, err
	}
	mac, _ := b.dev.HardwareAddr6()
	b.logger.Info("wifi join success!", slog.String("mac", net.HardwareAddr(mac[:]).String()))
	if !b.looping {
		b.looping = true
		go b.nicLoop()
	}
	return b.requestAddr(ctx)
}

func (b *Board) requestAddr(ctx context.Context) (netip.Addr, error) {
	err := b.dhcp.BeginRequest(stacks.DHCPRequestConfig{
		RequestedAddr: b.cfg.RequestedIP,
		Xid:           uint32(time.Now().Nanosecond()),
		Hostname:      b.cfg.Hostname,
	})
	if err != nil {
		return netip.Addr{}, errors.New("picow: dhcp begin request:" + err.Error())
	}
	ticker := time.NewTicker(dhcpPoll)
	defer ticker.Stop()
	for polls := 0; b.dhcp.State() != dhcp.StateBound; polls++ {
		if polls >= dhcpMaxPolls {
			if !b.cfg.RequestedIP.IsValid() {
				return netip.Addr{}, errNoStaticIP
			}
			b.logger.Info("DHCP did not complete, assigning static IP", slog.String("ip", b.cfg.RequestedIP.String()))
			b.stack.SetAddr(b.cfg.RequestedIP)
			b.prefix = netip.Prefix{}
			b.router = netip.Addr{}
			return b.cfg.RequestedIP, nil
		}
		select {
		case <-ctx.Done():
			return netip.Addr{}, context.Cause(ctx)
		case <-ticker.C:
		}
	}
	ip := b.dhcp.Offer()
	b.router = b.dhcp.Router()
	b.prefix = netip.PrefixFrom(ip, int(b.dhcp.CIDRBits())).Masked()
	b.logger.Info("DHCP complete",
		slog.Uint64("cidrbits", uint64(b.dhcp.CIDRBits())),
		slog.String("ourIP", ip.String()),
		slog.String("router", b.router.String()),
		slog.Duration("lease", b.dhcp.IPLeaseTime()),
	)
	b.stack.SetAddr(ip)
	return ip, nil
}

// Resolve is a seqsnet.Resolver. Addresses outside the DHCP assigned subnet
// resolve to the router's hardware address.
func (b *Board) Resolve(ctx context.Context, addr netip.Addr) ([6]byte, error) {
	target := addr
	if b.router.IsValid() && b.prefix.IsValid() && !b.prefix.Contains(addr) {
		target = b.router
	}
	return resolveHardwareAddr(ctx, b.stack, target)
}

// LED sets the on-board LED, wired to the radio's GPIO 0.
func (b *Board) LED(on bool) {
	if err := b.dev.GPIOSet(0, on); err != nil {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "picow:led", slog.String("err", err.Error()))
	}
}

func resolveHardwareAddr(ctx context.Context, stack *stacks.PortStack, ip netip.Addr) ([6]byte, error) {
	if !ip.IsValid() {
		return [6]byte{}, errors.New("picow: invalid ip")
	}
	arpc := stack.ARP()
	arpc.Abort() // Remove any previous ARP requests.
	if err := arpc.BeginResolve(ip); err != nil {
		return [6]byte{}, err
	}
	for polls := 0; !arpc.IsDone(); polls++ {
		if polls >= arpMaxPolls {
			arpc.Abort()
			return [6]byte{}, errors.New("picow: arp timed out")
		}
		select {
		case <-ctx.Done():
			arpc.Abort()
			return [6]byte{}, context.Cause(ctx)
		case <-time.After(arpPoll):
		}
	}
	_, hw, err := arpc.ResultAs6()
	return hw, err
}
