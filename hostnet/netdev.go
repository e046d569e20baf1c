// Package hostnet implements the client's network device and link on top of
// the host operating system's sockets.
package hostnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/tcpka"
	"github.com/sourcegraph/conc"
)

var (
	errBadFd      = errors.New("hostnet: bad socket descriptor")
	errNotDialed  = errors.New("hostnet: socket not connected")
	errTooMany    = errors.New("hostnet: too many open sockets")
	errBadOptType = errors.New("hostnet: bad option value type")
)

// Activity receives a Touch for every read and write on a socket.
type Activity interface {
	Touch()
}

type Config struct {
	Logger   *slog.Logger
	Activity Activity
	// MaxSockets limits the number of open sockets. Zero means 1.
	MaxSockets int
	// RecvBufSize is the size of the per-socket read buffer. Zero means 512.
	RecvBufSize int
}

// Netdev is a [tcpka.Netdev] backed by host TCP sockets. Keepalive
// parameters are applied through [net.KeepAliveConfig].
type Netdev struct {
	mu      sync.Mutex
	next    tcpka.Sockfd
	socks   map[tcpka.Sockfd]*socket
	cfg     Config
	readers conc.WaitGroup
}

type socket struct {
	onRecv tcpka.RecvCallback
	onDisc tcpka.DisconnectCallback
	ka     net.KeepAliveConfig
	conn   *net.TCPConn
	// closed is set once the socket is torn down locally so that the reader
	// does not report it as a disconnection.
	closed bool
}

var _ tcpka.Netdev = (*Netdev)(nil)

func New(cfg Config) *Netdev {
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = 1
	}
	if cfg.RecvBufSize <= 0 {
		cfg.RecvBufSize = 512
	}
	return &Netdev{
		next:  3,
		socks: make(map[tcpka.Sockfd]*socket),
		cfg:   cfg,
	}
}

func (d *Netdev) Socket(domain, stype, protocol int) (tcpka.Sockfd, error) {
	if domain != tcpka.AF_INET || stype != tcpka.SOCK_STREAM || protocol != tcpka.IPPROTO_TCP {
		return -1, errors.ErrUnsupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) >= d.cfg.MaxSockets {
		return -1, errTooMany
	}
	fd := d.next
	d.next++
	// Negative values leave the operating system defaults untouched.
	d.socks[fd] = &socket{ka: net.KeepAliveConfig{Idle: -1, Interval: -1, Count: -1}}
	return fd, nil
}

func (d *Netdev) SetSockOpt(fd tcpka.Sockfd, level, opt int, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.socks[fd]
	if !ok {
		return errBadFd
	}
	var ok2 bool
	switch {
	case level == tcpka.SOL_SOCKET && opt == tcpka.SO_RECEIVE_CALLBACK:
		s.onRecv, ok2 = value.(tcpka.RecvCallback)
	case level == tcpka.SOL_SOCKET && opt == tcpka.SO_DISCONNECT_CALLBACK:
		s.onDisc, ok2 = value.(tcpka.DisconnectCallback)
	case level == tcpka.SOL_SOCKET && opt == tcpka.SO_KEEPALIVE:
		s.ka.Enable, ok2 = value.(bool)
	case level == tcpka.SOL_TCP && opt == tcpka.TCP_KEEPIDLE:
		s.ka.Idle, ok2 = value.(time.Duration)
	case level == tcpka.SOL_TCP && opt == tcpka.TCP_KEEPINTVL:
		s.ka.Interval, ok2 = value.(time.Duration)
	case level == tcpka.SOL_TCP && opt == tcpka.TCP_KEEPCNT:
		s.ka.Count, ok2 = value.(int)
	default:
		return errors.ErrUnsupported
	}
	if !ok2 {
		return fmt.Errorf("%w %T for option %#x", errBadOptType, value, opt)
	}
	if s.conn != nil && (level == tcpka.SOL_TCP || opt == tcpka.SO_KEEPALIVE) {
		return s.conn.SetKeepAliveConfig(s.ka)
	}
	return nil
}

func (d *Netdev) Connect(ctx context.Context, fd tcpka.Sockfd, raddr netip.AddrPort) error {
	d.mu.Lock()
	s, ok := d.socks[fd]
	if !ok {
		d.mu.Unlock()
		return errBadFd
	}
	dialer := net.Dialer{KeepAliveConfig: s.ka}
	if !s.ka.Enable {
		dialer.KeepAlive = -1
	}
	d.mu.Unlock()

	c, err := dialer.DialContext(ctx, "tcp4", raddr.String())
	if err != nil {
		return err
	}
	conn := c.(*net.TCPConn)
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		conn.Close()
		return errBadFd
	}
	s.conn = conn
	d.touch()
	d.readers.Go(func() { d.readLoop(fd, s, conn) })
	return nil
}

func (d *Netdev) readLoop(fd tcpka.Sockfd, s *socket, conn *net.TCPConn) {
	buf := make([]byte, d.cfg.RecvBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			d.touch()
			if s.onRecv != nil {
				s.onRecv(fd, buf[:n])
			}
		}
		if err != nil {
			d.mu.Lock()
			closed := s.closed
			d.mu.Unlock()
			if !closed {
				d.debug("hostnet:peer disconnected", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
				if s.onDisc != nil {
					s.onDisc(fd)
				}
			}
			return
		}
	}
}

func (d *Netdev) Send(fd tcpka.Sockfd, buf []byte, deadline time.Time) (int, error) {
	conn, err := d.conn(fd)
	if err != nil {
		return 0, err
	}
	err = conn.SetWriteDeadline(deadline)
	if err != nil {
		return 0, err
	}
	n, err := conn.Write(buf)
	if n > 0 {
		d.touch()
	}
	return n, err
}

// Disconnect closes the connection. A zero timeout discards unsent data and
// resets the connection. Otherwise the close lingers for at most timeout.
func (d *Netdev) Disconnect(fd tcpka.Sockfd, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.socks[fd]
	if !ok {
		return errBadFd
	}
	if s.conn == nil {
		return errNotDialed
	}
	s.closed = true
	linger := int(timeout / time.Second)
	if timeout > 0 && linger == 0 {
		linger = 1
	}
	err := s.conn.SetLinger(linger)
	cerr := s.conn.Close()
	if err == nil {
		err = cerr
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (d *Netdev) Delete(fd tcpka.Sockfd) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.socks[fd]
	if !ok {
		return errBadFd
	}
	s.closed = true
	delete(d.socks, fd)
	if s.conn != nil {
		err := s.conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

// Close deletes all sockets and waits for their readers to exit.
func (d *Netdev) Close() error {
	d.mu.Lock()
	fds := make([]tcpka.Sockfd, 0, len(d.socks))
	for fd := range d.socks {
		fds = append(fds, fd)
	}
	d.mu.Unlock()
	var errs []error
	for _, fd := range fds {
		errs = append(errs, d.Delete(fd))
	}
	d.readers.Wait()
	return errors.Join(errs...)
}

func (d *Netdev) conn(fd tcpka.Sockfd) (*net.TCPConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.socks[fd]
	if !ok {
		return nil, errBadFd
	}
	if s.conn == nil || s.closed {
		return nil, errNotDialed
	}
	return s.conn, nil
}

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
