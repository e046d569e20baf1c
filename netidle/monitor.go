// Package netidle tracks network activity and implements the
// wait-for-idle-then-suspend primitive used by the client's idle loop.
//
// The NIC loop calls [Monitor.Touch] for every received or sent frame and
// polls [Monitor.Suspended] to slow down while the network is suspended.
package netidle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrBusy is returned when no idle window was observed inside the interval.
	ErrBusy = errors.New("netidle: network active during interval")
	// ErrTimeout is returned when maxWait elapses.
	ErrTimeout = errors.New("netidle: max wait elapsed")

	errBadWindow = errors.New("netidle: window must be positive and not exceed interval")
)

type Config struct {
	Logger *slog.Logger
	// OnSuspend and OnResume are called when the network is suspended and
	// resumed. They run in the goroutine calling WaitNetSuspend.
	OnSuspend func()
	OnResume  func()
}

// Monitor records network activity. The zero value is not usable, use [New].
type Monitor struct {
	last      atomic.Int64 // UnixNano of last activity.
	activity  chan struct{}
	suspended atomic.Bool
	cycles    atomic.Uint64
	asleep    atomic.Int64 // Accumulated suspended time in nanoseconds.
	onSuspend func()
	onResume  func()
	logger    *slog.Logger
	lograte   rate.Sometimes
}

const (
	activePollMax    = 51 * time.Millisecond
	suspendedPollMax = 500 * time.Millisecond
)

// PollDelay returns how long a NIC loop should sleep after stalled
// consecutive polls that moved no frames. The delay grows exponentially and
// is capped lower while the network is active than while it is suspended.
func (m *Monitor) PollDelay(stalled int) time.Duration {
	if stalled <= 0 {
		return 0
	}
	limit := activePollMax
	if m.Suspended() {
		limit = suspendedPollMax
	}
	if stalled > 20 {
		stalled = 20
	}
	return min(time.Microsecond<<stalled, limit)
}

// Stats summarizes suspend activity since the monitor was created.
type Stats struct {
	Cycles    uint64
	Suspended time.Duration
}

// New returns a Monitor that considers the network active as of now.
func New(cfg Config) *Monitor {
	m := &Monitor{
		activity:  make(chan struct{}, 1),
		onSuspend: cfg.OnSuspend,
		onResume:  cfg.OnResume,
		logger:    cfg.Logger,
		lograte:   rate.Sometimes{First: 3, Interval: time.Minute},
	}
	m.last.Store(time.Now().UnixNano())
	return m
}

// Touch records network activity. It never blocks and is safe for concurrent use.
func (m *Monitor) Touch() {
	m.last.Store(time.Now().UnixNano())
	select {
	case m.activity <- struct{}{}:
	default:
	}
}

// Suspended reports whether the network is currently suspended.
func (m *Monitor) Suspended() bool { return m.suspended.Load() }

// LastActivity returns the time of the last call to Touch.
func (m *Monitor) LastActivity() time.Time { return time.Unix(0, m.last.Load()) }

func (m *Monitor) Stats() Stats {
	return Stats{Cycles: m.cycles.Load(), Suspended: time.Duration(m.asleep.Load())}
}

// WaitNetSuspend waits for the network to be idle for window inside the
// next interval. If it is, the network is suspended until the next activity
// and WaitNetSuspend returns nil on resume. It returns [ErrBusy] if the
// interval ends without an idle window and [ErrTimeout] once maxWait elapses.
// maxWait<=0 waits forever.
func (m *Monitor) WaitNetSuspend(ctx context.Context, maxWait, interval, window time.Duration) error {
	if window <= 0 || window > interval {
		return errBadWindow
	}
	var deadline <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		deadline = t.C
	}
	intervalEnd := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	var last int64
	for {
		last = m.last.Load()
		now := time.Now()
		idleUntil := time.Unix(0, last).Add(window)
		if !now.Before(idleUntil) {
			break
		}
		if !now.Before(intervalEnd) {
			return ErrBusy
		}
		wake := idleUntil
		if intervalEnd.Before(wake) {
			wake = intervalEnd
		}
		timer.Reset(wake.Sub(now))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrTimeout
		case <-timer.C:
		}
	}
	return m.suspend(ctx, last, deadline)
}

// suspend holds the network suspended until activity newer than last,
// ctx cancellation or deadline.
func (m *Monitor) suspend(ctx context.Context, last int64, deadline <-chan time.Time) (err error) {
	select {
	case <-m.activity:
	default:
	}
	m.suspended.Store(true)
	start := time.Now()
	if m.onSuspend != nil {
		m.onSuspend()
	}
	if m.last.Load() == last {
		select {
		case <-m.activity:
		case <-ctx.Done():
			err = ctx.Err()
		case <-deadline:
			err = ErrTimeout
		}
	}
	m.suspended.Store(false)
	if m.onResume != nil {
		m.onResume()
	}
	slept := time.Since(start)
	m.cycles.Add(1)
	m.asleep.Add(int64(slept))
	m.lograte.Do(func() {
		if m.logger != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelDebug, "netidle:resume",
				slog.Duration("suspended", slept), slog.Uint64("cycles", m.cycles.Load()))
		}
	})
	return err
}
