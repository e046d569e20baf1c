package hostnet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/soypat/tcpka"
)

var (
	errLinkDown = errors.New("hostnet: interface down")
	errNoIPv4   = errors.New("hostnet: interface has no IPv4 address")
)

// Link is a [tcpka.Link] for hosts whose wireless association is managed by
// the operating system. Join succeeds once the interface is up and has an
// IPv4 address.
type Link struct {
	// Interface is the interface name. If empty the first interface that is
	// up, not a loopback and has an IPv4 address is used.
	Interface string
	Logger    *slog.Logger
}

var _ tcpka.Link = (*Link)(nil)

func (l *Link) Join(ctx context.Context, cfg tcpka.WifiConfig) (netip.Addr, error) {
	if err := ctx.Err(); err != nil {
		return netip.Addr{}, err
	}
	if l.Interface != "" {
		iface, err := net.InterfaceByName(l.Interface)
		if err != nil {
			return netip.Addr{}, err
		}
		return l.ifaceAddr(iface, cfg)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, err
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 {
			continue
		}
		addr, err := l.ifaceAddr(&ifaces[i], cfg)
		if err == nil {
			return addr, nil
		}
	}
	return netip.Addr{}, errNoIPv4
}

func (l *Link) ifaceAddr(iface *net.Interface, cfg tcpka.WifiConfig) (netip.Addr, error) {
	if iface.Flags&net.FlagUp == 0 {
		return netip.Addr{}, errLinkDown
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() {
			if l.Logger != nil {
				l.Logger.LogAttrs(context.Background(), slog.LevelDebug, "hostnet:link up",
					slog.String("iface", iface.Name), slog.String("addr", addr.String()), slog.String("ssid", cfg.SSID))
			}
			return addr, nil
		}
	}
	return netip.Addr{}, errNoIPv4
}
