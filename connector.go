package tcpka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Connector runs connect sequences: create a socket, connect it and on
// failure delete it and start over with a fresh socket, immediately, up to
// a fixed number of attempts.
type Connector struct {
	dev      Netdev
	factory  *SocketFactory
	slot     *socketSlot
	server   netip.AddrPort
	maxTries int
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

// Connect runs one connect sequence. On success the connected socket is
// owned by the slot. A socket creation or configuration failure aborts the
// sequence with an error wrapping [ErrSocketCreate]. If every connect
// attempt fails it returns an [*AttemptError] and no socket is left alive.
func (c *Connector) Connect(ctx context.Context) (Sockfd, error) {
	attempt := 0
	try := func() (Sockfd, error) {
		attempt++
		fd, err := c.create()
		if err != nil {
			c.observer.ConnectAttempt(attempt, err)
			return -1, backoff.Permanent(err)
		}
		err = c.connect(ctx, fd)
		c.observer.ConnectAttempt(attempt, err)
		if err != nil {
			c.logerr("tcp:connect failed", slog.Int("attempt", attempt), slog.Int("max", c.maxTries), slog.Int("fd", int(fd)), slog.String("err", err.Error()))
			c.destroy(fd)
			if ctx.Err() != nil {
				return -1, backoff.Permanent(ctx.Err())
			}
			return -1, err
		}
		c.info("tcp:connected", slog.Int("attempt", attempt), slog.Int("fd", int(fd)), slog.String("server", c.server.String()))
		return fd, nil
	}
	c.info("tcp:connecting", slog.String("server", c.server.String()))
	fd, err := backoff.Retry(ctx, try,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(c.maxTries)),
		backoff.WithMaxElapsedTime(0),
	)
	switch {
	case err == nil:
		return fd, nil
	case errors.Is(err, ErrSocketCreate):
		return -1, err
	case ctx.Err() != nil:
		return -1, ctx.Err()
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return -1, &AttemptError{Op: "tcp connect", Attempts: attempt, Err: err}
}

var errDroppedWhileConnecting = errors.New("tcpka: disconnected while connecting")

// create opens a socket through the factory and stores it in the slot.
func (c *Connector) create() (Sockfd, error) {
	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	if c.slot.valid {
		// A live socket must be destroyed before a new one is created.
		return -1, fmt.Errorf("%w: fd %d still owned", ErrSocketCreate, c.slot.fd)
	}
	fd, created, err := c.factory.Open()
	if err != nil {
		if created {
			c.dev.Delete(fd)
		}
		return -1, fmt.Errorf("%w: %w", ErrSocketCreate, err)
	}
	c.slot.store(fd)
	return fd, nil
}

func (c *Connector) connect(ctx context.Context, fd Sockfd) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := c.dev.Connect(ctx, fd, c.server)
	if err != nil {
		return err
	}
	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	if c.slot.dropped {
		return errDroppedWhileConnecting
	}
	c.slot.connected = true
	return nil
}

// destroy deletes fd if the slot still owns it.
func (c *Connector) destroy(fd Sockfd) {
	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	if !c.slot.holds(fd) {
		return
	}
	err := c.dev.Delete(fd)
	if err != nil {
		c.logerr("tcp:delete", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
	}
	c.slot.clear()
}

func (c *Connector) info(msg string, attrs ...slog.Attr) {
	logAttrs(c.logger, slog.LevelInfo, msg, attrs...)
}

func (c *Connector) logerr(msg string, attrs ...slog.Attr) {
	logAttrs(c.logger, slog.LevelError, msg, attrs...)
}
