package tcpka

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Associator joins the wireless network with a bounded number of attempts
// separated by a fixed delay.
type Associator struct {
	link     Link
	cfg      WifiConfig
	logger   *slog.Logger
	observer Observer
}

// NewAssociator returns an Associator that joins using link. A nil logger disables logging.
func NewAssociator(link Link, cfg WifiConfig, logger *slog.Logger, observer Observer) *Associator {
	if observer == nil {
		observer = nopObserver{}
	}
	cfg.Security = cfg.security()
	return &Associator{link: link, cfg: cfg, logger: logger, observer: observer}
}

// Associate attempts to join the configured network up to MaxRetries times.
// On success it returns the interface address without further attempts.
// When every attempt fails it returns an [*AttemptError] wrapping the last failure.
func (a *Associator) Associate(ctx context.Context) (netip.Addr, error) {
	maxTries := a.cfg.MaxRetries
	if maxTries <= 0 {
		maxTries = 1
	}
	a.info("wifi:join", slog.String("ssid", a.cfg.SSID), slog.String("security", a.cfg.Security.String()), slog.Int("passlen", len(a.cfg.Password)))
	attempt := 0
	join := func() (netip.Addr, error) {
		attempt++
		start := time.Now()
		addr, err := a.link.Join(ctx, a.cfg)
		a.observer.WifiAttempt(attempt, err)
		if err != nil {
			a.logerr("wifi:join failed", slog.Int("attempt", attempt), slog.Int("max", maxTries), slog.String("err", err.Error()))
			if ctx.Err() != nil {
				return addr, backoff.Permanent(ctx.Err())
			}
			return addr, err
		}
		a.info("wifi:join success", slog.Int("attempt", attempt), slog.String("addr", addr.String()), slog.Duration("took", time.Since(start)))
		return addr, nil
	}
	addr, err := backoff.Retry(ctx, join,
		backoff.WithBackOff(backoff.NewConstantBackOff(a.cfg.RetryInterval)),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.debug("wifi:retry", slog.Duration("in", next))
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return netip.Addr{}, ctx.Err()
		}
		return netip.Addr{}, &AttemptError{Op: "wifi join", Attempts: attempt, Err: err}
	}
	return addr, nil
}

func (a *Associator) info(msg string, attrs ...slog.Attr) {
	logAttrs(a.logger, slog.LevelInfo, msg, attrs...)
}

func (a *Associator) debug(msg string, attrs ...slog.Attr) {
	logAttrs(a.logger, slog.LevelDebug, msg, attrs...)
}

func (a *Associator) logerr(msg string, attrs ...slog.Attr) {
	logAttrs(a.logger, slog.LevelError, msg, attrs...)
}

func logAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
