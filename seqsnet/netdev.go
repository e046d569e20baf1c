// Package seqsnet implements the client's network device on top of a
// userspace seqs TCP/IP stack. The stack supports a single TCP socket which
// is reused across connect attempts, each with a new local port and initial
// sequence number.
//
// seqs has no per-socket keepalive tuning: TCP_KEEPIDLE, TCP_KEEPINTVL and
// TCP_KEEPCNT return errors.ErrUnsupported. Disconnections are detected by
// polling the connection state.
package seqsnet

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/soypat/seqs"
	"github.com/soypat/seqs/stacks"
	"github.com/soypat/tcpka"
)

var (
	errBadFd         = errors.New("seqsnet: bad socket descriptor")
	errInUse         = errors.New("seqsnet: socket in use")
	errNotDialed     = errors.New("seqsnet: socket not connected")
	errConnectFailed = errors.New("seqsnet: connection not established")
	errNoResolver    = errors.New("seqsnet: no hardware address resolver")
)

const (
	defaultPollPeriod = 50 * time.Millisecond
	establishPoll     = 5 * time.Millisecond
	issIncrement      = 200
)

// tcpConn is the subset of a seqs TCP connection used by the Netdev.
type tcpConn interface {
	dial(localPort uint16, remoteMAC [6]byte, raddr netip.AddrPort, iss seqs.Value) error
	preestablished() bool
	established() bool
	reset()
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type stackConn struct {
	*stacks.TCPConn
}

func (c stackConn) dial(localPort uint16, remoteMAC [6]byte, raddr netip.AddrPort, iss seqs.Value) error {
	return c.OpenDialTCP(localPort, remoteMAC, raddr, iss)
}

func (c stackConn) preestablished() bool { return c.State().IsPreestablished() }
func (c stackConn) established() bool    { return c.State() == seqs.StateEstablished }

func (c stackConn) reset() {
	c.Close()
	c.FlushOutputBuffer()
}

// Resolver returns the hardware address frames for addr must be sent to.
type Resolver func(ctx context.Context, addr netip.Addr) ([6]byte, error)

type Config struct {
	Stack *stacks.PortStack
	// Resolve obtains the next hop hardware address, usually the router's.
	Resolve   Resolver
	TxBufSize uint16
	RxBufSize uint16
	// PollPeriod is how often an idle connection is checked for disconnection.
	PollPeriod time.Duration
	Activity   interface{ Touch() }
	Logger     *slog.Logger
}

// Netdev is a [tcpka.Netdev] backed by a seqs port stack.
type Netdev struct {
	mu        sync.Mutex
	conn      tcpConn
	resolve   Resolver
	cfg       Config
	fd        tcpka.Sockfd
	inUse     bool
	dialed    bool
	closed    bool
	keepalive bool
	onRecv    tcpka.RecvCallback
	onDisc    tcpka.DisconnectCallback
	localPort uint16
	iss       seqs.Value
	// gen identifies the current dial. The fd is reused across dials.
	gen       uint32
}

var _ tcpka.Netdev = (*Netdev)(nil)

// New creates the stack's TCP connection. The stack must have room for one TCP port.
func New(cfg Config) (*Netdev, error) {
	if cfg.Stack == nil {
		return nil, errors.New("seqsnet: nil stack")
	}
	cfg.setDefaults()
	conn, err := stacks.NewTCPConn(cfg.Stack, stacks.TCPConnConfig{TxBufSize: cfg.TxBufSize, RxBufSize: cfg.RxBufSize})
	if err != nil {
		return nil, err
	}
	return newNetdev(stackConn{TCPConn: conn}, cfg), nil
}

func (cfg *Config) setDefaults() {
	if cfg.TxBufSize == 0 {
		cfg.TxBufSize = 256
	}
	if cfg.RxBufSize == 0 {
		cfg.RxBufSize = 256
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = defaultPollPeriod
	}
}

func newNetdev(conn tcpConn, cfg Config) *Netdev {
	cfg.setDefaults()
	return &Netdev{
		conn:      conn,
		resolve:   cfg.Resolve,
		cfg:       cfg,
		fd:        2,
		localPort: uint16(time.Now().UnixNano()%1000) + 1024,
		iss:       seqs.Value(time.Now().UnixNano()),
	}
}

func (d *Netdev) Socket(domain, stype, protocol int) (tcpka.Sockfd, error) {
	if domain != tcpka.AF_INET || stype != tcpka.SOCK_STREAM || protocol != tcpka.IPPROTO_TCP {
		return -1, errors.ErrUnsupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return -1, errInUse
	}
	d.fd++
	d.inUse = true
	d.dialed = false
	d.closed = false
	d.keepalive = false
	d.onRecv = nil
	d.onDisc = nil
	return d.fd, nil
}

func (d *Netdev) SetSockOpt(fd tcpka.Sockfd, level, opt int, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.owns(fd) {
		return errBadFd
	}
	var ok bool
	switch {
	case level == tcpka.SOL_SOCKET && opt == tcpka.SO_RECEIVE_CALLBACK:
		d.onRecv, ok = value.(tcpka.RecvCallback)
	case level == tcpka.SOL_SOCKET && opt == tcpka.SO_DISCONNECT_CALLBACK:
		d.onDisc, ok = value.(tcpka.DisconnectCallback)
	case level == tcpka.SOL_SOCKET && opt == tcpka.SO_KEEPALIVE:
		d.keepalive, ok = value.(bool)
	default:
		return errors.ErrUnsupported
	}
	if !ok {
		return errors.New("seqsnet: bad option value type")
	}
	return nil
}

func (d *Netdev) Connect(ctx context.Context, fd tcpka.Sockfd, raddr netip.AddrPort) error {
	d.mu.Lock()
	if !d.owns(fd) {
		d.mu.Unlock()
		return errBadFd
	}
	resolve := d.resolve
	d.mu.Unlock()
	if resolve == nil {
		return errNoResolver
	}
	mac, err := resolve(ctx, raddr.Addr())
	if err != nil {
		return err
	}

	d.mu.Lock()
	if !d.owns(fd) {
		d.mu.Unlock()
		return errBadFd
	}
	d.localPort++
	if d.localPort == 0 {
		d.localPort = 1024
	}
	d.iss += issIncrement
	err = d.conn.dial(d.localPort, mac, raddr, d.iss)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.touch()

	for d.conn.preestablished() {
		select {
		case <-ctx.Done():
			d.conn.reset()
			return ctx.Err()
		case <-time.After(establishPoll):
		}
	}
	if !d.conn.established() {
		d.conn.reset()
		return errConnectFailed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.owns(fd) {
		d.conn.reset()
		return errBadFd
	}
	d.dialed = true
	d.gen++
	go d.monitor(fd, d.gen)
	return nil
}

// monitor delivers received data and reports a disconnection once the
// connection leaves the established state. It exits when fd is torn down.
func (d *Netdev) monitor(fd tcpka.Sockfd, gen uint32) {
	buf := make([]byte, d.cfg.RxBufSize)
	for {
		d.conn.SetReadDeadline(time.Now().Add(d.cfg.PollPeriod))
		n, err := d.conn.Read(buf)
		d.mu.Lock()
		live := d.owns(fd) && d.dialed && !d.closed && d.gen == gen
		onRecv, onDisc := d.onRecv, d.onDisc
		d.mu.Unlock()
		if !live {
			return
		}
		if n > 0 {
			d.touch()
			if onRecv != nil {
				onRecv(fd, buf[:n])
			}
		}
		if (err != nil && !errors.Is(err, os.ErrDeadlineExceeded)) || !d.conn.established() {
			d.debug("seqsnet:connection lost", slog.Int("fd", int(fd)))
			if onDisc != nil {
				onDisc(fd)
			}
			return
		}
	}
}

func (d *Netdev) Send(fd tcpka.Sockfd, buf []byte, deadline time.Time) (int, error) {
	d.mu.Lock()
	ok := d.owns(fd) && d.dialed && !d.closed
	d.mu.Unlock()
	if !ok {
		return 0, errNotDialed
	}
	d.conn.SetWriteDeadline(deadline)
	n, err := d.conn.Write(buf)
	if n > 0 {
		d.touch()
	}
	return n, err
}

// Disconnect closes the connection and flushes pending output. seqs has no
// abortive close and the close handshake completes in the background, so
// timeout is not waited on.
func (d *Netdev) Disconnect(fd tcpka.Sockfd, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.owns(fd) {
		return errBadFd
	}
	if !d.dialed {
		return errNotDialed
	}
	d.closed = true
	d.conn.reset()
	return nil
}

func (d *Netdev) Delete(fd tcpka.Sockfd) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.owns(fd) {
		return errBadFd
	}
	if d.dialed && !d.closed {
		d.conn.reset()
	}
	d.inUse = false
	d.dialed = false
	d.closed = true
	d.onRecv = nil
	d.onDisc = nil
	return nil
}

func (d *Netdev) owns(fd tcpka.Sockfd) bool { return d.inUse && fd == d.fd }

func (d *Netdev) touch() {
	if d.cfg.Activity != nil {
		d.cfg.Activity.Touch()
	}
}

func (d *Netdev) debug(msg string, attrs ...slog.Attr) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
