package tcpka

import (
	"errors"
	"log/slog"
)

// SocketFactory creates TCP client sockets with the receive and disconnect
// callbacks and keepalive parameters installed.
type SocketFactory struct {
	dev          Netdev
	keepalive    KeepaliveConfig
	onRecv       RecvCallback
	onDisconnect DisconnectCallback
	logger       *slog.Logger
}

// NewSocketFactory returns a factory that creates sockets on dev.
func NewSocketFactory(dev Netdev, ka KeepaliveConfig, onRecv RecvCallback, onDisconnect DisconnectCallback, logger *slog.Logger) *SocketFactory {
	return &SocketFactory{dev: dev, keepalive: ka, onRecv: onRecv, onDisconnect: onDisconnect, logger: logger}
}

// Open creates and configures a socket. If creation fails the returned fd is
// invalid. If a later configuration step fails the socket exists and the
// returned fd is valid: the caller must Delete it.
func (f *SocketFactory) Open() (fd Sockfd, created bool, err error) {
	fd, err = f.dev.Socket(AF_INET, SOCK_STREAM, IPPROTO_TCP)
	if err != nil {
		f.logerr("socket:create", slog.String("err", err.Error()))
		return -1, false, err
	}
	onRecv := f.onRecv
	if onRecv == nil {
		onRecv = func(Sockfd, []byte) {}
	}
	err = f.dev.SetSockOpt(fd, SOL_SOCKET, SO_RECEIVE_CALLBACK, onRecv)
	if err != nil {
		f.logerr("socket:set SO_RECEIVE_CALLBACK", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
		return fd, true, err
	}
	if f.onDisconnect != nil {
		err = f.dev.SetSockOpt(fd, SOL_SOCKET, SO_DISCONNECT_CALLBACK, f.onDisconnect)
		if err != nil {
			f.logerr("socket:set SO_DISCONNECT_CALLBACK", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
			return fd, true, err
		}
	}
	err = f.tune(fd)
	if err != nil {
		return fd, true, err
	}
	err = f.dev.SetSockOpt(fd, SOL_SOCKET, SO_KEEPALIVE, true)
	if err != nil {
		f.logerr("socket:set SO_KEEPALIVE", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
		return fd, true, err
	}
	return fd, true, nil
}

// tune sets the per-socket keepalive parameters. Stacks without per-socket
// tuning report errors.ErrUnsupported, which is logged and ignored.
func (f *SocketFactory) tune(fd Sockfd) error {
	opts := [...]struct {
		name  string
		opt   int
		value any
	}{
		{name: "TCP_KEEPINTVL", opt: TCP_KEEPINTVL, value: f.keepalive.Interval},
		{name: "TCP_KEEPCNT", opt: TCP_KEEPCNT, value: f.keepalive.Count},
		{name: "TCP_KEEPIDLE", opt: TCP_KEEPIDLE, value: f.keepalive.Idle},
	}
	for _, o := range opts {
		err := f.dev.SetSockOpt(fd, SOL_TCP, o.opt, o.value)
		if errors.Is(err, errors.ErrUnsupported) {
			f.logerr("socket:keepalive tuning unsupported, using stack defaults", slog.String("opt", o.name))
			return nil
		} else if err != nil {
			f.logerr("socket:set "+o.name, slog.Int("fd", int(fd)), slog.String("err", err.Error()))
			return err
		}
	}
	return nil
}

func (f *SocketFactory) logerr(msg string, attrs ...slog.Attr) {
	logAttrs(f.logger, slog.LevelError, msg, attrs...)
}
