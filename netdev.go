package tcpka

import (
	"context"
	"net/netip"
	"time"
)

// Sockfd identifies a socket created by a Netdev. Negative values are invalid.
type Sockfd int

// Berkeley-style socket constants understood by every Netdev backend.
const (
	AF_INET     = 0x2
	SOCK_STREAM = 0x1
	IPPROTO_TCP = 0x6
)

// Socket option levels.
const (
	SOL_SOCKET = 0x1
	SOL_TCP    = 0x6
)

// Socket options for SetSockOpt.
const (
	// SO_RECEIVE_CALLBACK takes a [RecvCallback].
	SO_RECEIVE_CALLBACK = 0x1001
	// SO_DISCONNECT_CALLBACK takes a [DisconnectCallback].
	SO_DISCONNECT_CALLBACK = 0x1002
	// SO_KEEPALIVE takes a bool.
	SO_KEEPALIVE = 0x9
	// TCP_KEEPIDLE, TCP_KEEPINTVL take a time.Duration.
	TCP_KEEPIDLE  = 0x4
	TCP_KEEPINTVL = 0x5
	// TCP_KEEPCNT takes an int.
	TCP_KEEPCNT = 0x6
)

// RecvCallback is invoked from the stack's context when data arrives on fd.
// buf is only valid for the duration of the call.
type RecvCallback func(fd Sockfd, buf []byte)

// DisconnectCallback is invoked from the stack's context when fd observes
// a disconnection. It must not block.
type DisconnectCallback func(fd Sockfd)

// Netdev is the subset of a socket-level network device used by the client.
// Backends that cannot tune keepalive per socket return errors.ErrUnsupported
// from SetSockOpt for TCP_KEEPIDLE, TCP_KEEPINTVL and TCP_KEEPCNT.
type Netdev interface {
	// Socket creates a socket. Only AF_INET/SOCK_STREAM/IPPROTO_TCP need be supported.
	Socket(domain int, stype int, protocol int) (Sockfd, error)
	SetSockOpt(fd Sockfd, level int, opt int, value any) error
	// Connect blocks until the socket is established, ctx is done or the backend times out.
	Connect(ctx context.Context, fd Sockfd, raddr netip.AddrPort) error
	Send(fd Sockfd, buf []byte, deadline time.Time) (int, error)
	// Disconnect shuts down the connection. A zero timeout aborts without
	// waiting for the peer to acknowledge.
	Disconnect(fd Sockfd, timeout time.Duration) error
	// Delete releases all resources held by fd. fd is invalid afterwards.
	Delete(fd Sockfd) error
}

// Link joins the wireless network and reports the address assigned to the interface.
type Link interface {
	Join(ctx context.Context, cfg WifiConfig) (netip.Addr, error)
}

// Suspender blocks until the network has been idle for window inside interval
// and then suspends it, or until maxWait elapses. maxWait<=0 waits forever.
// A cancelled ctx resumes a suspended network and returns ctx.Err().
type Suspender interface {
	WaitNetSuspend(ctx context.Context, maxWait, interval, window time.Duration) error
}
