package tcpka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
)

const (
	sendTimeout     = 2 * time.Second
	idleLogInterval = 30 * time.Second
	eventQueueSize  = 4
)

// Client keeps a single TCP session to a server over a Wi-Fi link and hands
// control to a [Suspender] between network activity.
type Client struct {
	cfg       Config
	link      Link
	dev       Netdev
	suspender Suspender

	gate      *Gate
	slot      socketSlot
	assoc     *Associator
	connector *Connector
	events    chan Sockfd
	addr      netip.Addr

	logger   *slog.Logger
	observer Observer
	idleLog  rate.Sometimes
}

// New returns a Client ready to Run. dev may be nil if no server is configured.
func New(cfg Config, link Link, dev Netdev, suspender Suspender) (*Client, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if link == nil || suspender == nil {
		return nil, errors.New("tcpka: nil link or suspender")
	}
	if cfg.TCP.Server.IsValid() && dev == nil {
		return nil, errors.New("tcpka: server configured without a network device")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	c := &Client{
		cfg:       cfg,
		link:      link,
		dev:       dev,
		suspender: suspender,
		gate:      NewGate(),
		events:    make(chan Sockfd, eventQueueSize),
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		idleLog:   rate.Sometimes{Interval: idleLogInterval},
	}
	c.slot.clear()
	c.assoc = NewAssociator(link, cfg.Wifi, cfg.Logger, cfg.Observer)
	if dev != nil {
		factory := NewSocketFactory(dev, cfg.TCP.Keepalive, cfg.OnReceive, c.onDisconnect, cfg.Logger)
		c.connector = &Connector{
			dev:      dev,
			factory:  factory,
			slot:     &c.slot,
			server:   cfg.TCP.Server,
			maxTries: cfg.TCP.MaxRetries,
			timeout:  cfg.TCP.ConnectTimeout,
			logger:   cfg.Logger,
			observer: cfg.Observer,
		}
	}
	return c, nil
}

// Run associates with the access point, runs the first connect sequence and
// then enters the idle loop. Run returns only on a fatal error (failed
// association, socket creation failure) or when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	addr, err := c.assoc.Associate(ctx)
	if err != nil {
		return fmt.Errorf("tcpka: wifi association: %w", err)
	}
	c.addr = addr

	ctx, cancel := context.WithCancelCause(ctx)
	var wg conc.WaitGroup
	defer func() {
		cancel(nil)
		wg.Wait()
	}()

	if !c.cfg.TCP.Server.IsValid() {
		c.info("tcp:client disabled, no server address")
		return c.idleLoop(ctx)
	}

	wg.Go(func() { c.handleEvents(ctx) })
	c.gate.Release()
	err = c.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	_, err = c.connector.Connect(ctx)
	failed := err != nil
	switch {
	case errors.Is(err, ErrSocketCreate):
		return err
	case ctx.Err() != nil:
		return context.Cause(ctx)
	case err != nil:
		c.logerr("tcp:failed to connect to server", slog.String("err", err.Error()))
		c.gate.Release()
	}
	if c.cfg.TCP.Reconnect {
		wg.Go(func() { c.reconnectLoop(ctx, cancel, failed) })
	}
	return c.idleLoop(ctx)
}

// HandleDisconnect tears down fd after a disconnection and releases the gate.
// Events for a socket that is no longer owned are ignored. It is normally
// invoked by the event handler goroutine started in Run.
func (c *Client) HandleDisconnect(fd Sockfd) {
	c.slot.mu.Lock()
	if !c.slot.holds(fd) {
		c.slot.mu.Unlock()
		c.debug("tcp:stale disconnect event", slog.Int("fd", int(fd)))
		return
	}
	if !c.slot.connected {
		c.slot.dropped = true
		c.slot.mu.Unlock()
		c.debug("tcp:disconnect while connecting", slog.Int("fd", int(fd)))
		return
	}
	err := c.dev.Disconnect(fd, 0)
	if err != nil {
		c.logerr("tcp:disconnect", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
	}
	err = c.dev.Delete(fd)
	if err != nil {
		c.logerr("tcp:delete", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
	}
	c.slot.clear()
	c.slot.mu.Unlock()

	c.info("tcp:disconnected from server", slog.Int("fd", int(fd)))
	c.observer.Disconnected(fd)
	c.gate.Release()
}

// Send writes buf to the connected socket.
func (c *Client) Send(buf []byte) (int, error) {
	if c.dev == nil {
		return 0, ErrNoServer
	}
	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	if !c.slot.valid || !c.slot.connected {
		return 0, ErrNotConnected
	}
	return c.dev.Send(c.slot.fd, buf, time.Now().Add(sendTimeout))
}

// Connected reports whether a connected socket is currently owned.
func (c *Client) Connected() bool {
	_, ok := c.slot.Current()
	return ok
}

// Addr returns the interface address obtained on association.
func (c *Client) Addr() netip.Addr { return c.addr }

// onDisconnect runs in the stack's context and must not block.
func (c *Client) onDisconnect(fd Sockfd) {
	select {
	case c.events <- fd:
	default:
		go c.HandleDisconnect(fd)
	}
}

func (c *Client) handleEvents(ctx context.Context) {
	for {
		select {
		case fd := <-c.events:
			c.HandleDisconnect(fd)
		case <-ctx.Done():
			return
		}
	}
}

// reconnectLoop waits on the gate and runs a new connect sequence each time
// it is released. Consecutive failed sequences back off exponentially.
func (c *Client) reconnectLoop(ctx context.Context, fatal context.CancelCauseFunc, failed bool) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.TCP.ReconnectBackoffMax
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}
	for {
		if c.gate.Acquire(ctx) != nil {
			return
		}
		if failed {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = bo.MaxInterval
			}
			c.debug("tcp:reconnect backoff", slog.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		c.info("tcp:reconnecting")
		_, err := c.connector.Connect(ctx)
		switch {
		case err == nil:
			failed = false
			bo.Reset()
		case errors.Is(err, ErrSocketCreate):
			c.logerr("tcp:fatal", slog.String("err", err.Error()))
			fatal(err)
			return
		case ctx.Err() != nil:
			return
		default:
			failed = true
			c.logerr("tcp:failed to connect to server", slog.String("err", err.Error()))
			c.gate.Release()
		}
	}
}

// idleLoop repeatedly hands control to the suspender with fixed parameters.
// It only returns when ctx is cancelled.
func (c *Client) idleLoop(ctx context.Context) error {
	idle := c.cfg.Idle
	c.info("idle:enter", slog.Duration("maxwait", idle.MaxWait), slog.Duration("interval", idle.Interval), slog.Duration("window", idle.Window))
	var iterations uint64
	for {
		start := time.Now()
		err := c.suspender.WaitNetSuspend(ctx, idle.MaxWait, idle.Interval, idle.Window)
		elapsed := time.Since(start)
		iterations++
		c.observer.SuspendWait(elapsed, err)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		c.idleLog.Do(func() {
			attrs := []slog.Attr{slog.Uint64("iter", iterations), slog.Duration("elapsed", elapsed)}
			if err != nil {
				attrs = append(attrs, slog.String("result", err.Error()))
			}
			c.debug("idle:wait", attrs...)
		})
	}
}

func (c *Client) info(msg string, attrs ...slog.Attr) {
	logAttrs(c.logger, slog.LevelInfo, msg, attrs...)
}

func (c *Client) debug(msg string, attrs ...slog.Attr) {
	logAttrs(c.logger, slog.LevelDebug, msg, attrs...)
}

func (c *Client) logerr(msg string, attrs ...slog.Attr) {
	logAttrs(c.logger, slog.LevelError, msg, attrs...)
}
