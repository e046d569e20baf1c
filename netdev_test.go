package tcpka

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

var errRefused = errors.New("connection refused")

type fakeSock struct {
	onRecv    RecvCallback
	onDisc    DisconnectCallback
	opts      map[int]any
	optOrder  []int
	connected bool
}

// fakeNetdev records socket lifecycle calls. connectErrs[i] is the result
// of the i'th Connect call; calls past its end succeed.
type fakeNetdev struct {
	mu           sync.Mutex
	next         Sockfd
	live         map[Sockfd]*fakeSock
	created      []Sockfd
	deleted      []Sockfd
	disconnected map[Sockfd]time.Duration
	connectErrs  []error
	connects     int
	socketErr    error
	optErr       map[int]error
	sent         []string
}

func newFakeNetdev() *fakeNetdev {
	return &fakeNetdev{
		next:         3,
		live:         make(map[Sockfd]*fakeSock),
		disconnected: make(map[Sockfd]time.Duration),
		optErr:       make(map[int]error),
	}
}

func (d *fakeNetdev) Socket(domain, stype, protocol int) (Sockfd, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if domain != AF_INET || stype != SOCK_STREAM || protocol != IPPROTO_TCP {
		return -1, errors.New("unsupported socket type")
	}
	if d.socketErr != nil {
		return -1, d.socketErr
	}
	fd := d.next
	d.next++
	d.live[fd] = &fakeSock{opts: make(map[int]any)}
	d.created = append(d.created, fd)
	return fd, nil
}

func (d *fakeNetdev) SetSockOpt(fd Sockfd, level, opt int, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.live[fd]
	if !ok {
		return errors.New("bad fd")
	}
	if err := d.optErr[opt]; err != nil {
		return err
	}
	s.opts[opt] = value
	s.optOrder = append(s.optOrder, opt)
	switch opt {
	case SO_RECEIVE_CALLBACK:
		s.onRecv = value.(RecvCallback)
	case SO_DISCONNECT_CALLBACK:
		s.onDisc = value.(DisconnectCallback)
	}
	return nil
}

func (d *fakeNetdev) Connect(ctx context.Context, fd Sockfd, raddr netip.AddrPort) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.live[fd]
	if !ok {
		return errors.New("bad fd")
	}
	if !raddr.IsValid() {
		return errors.New("bad address")
	}
	i := d.connects
	d.connects++
	if i < len(d.connectErrs) && d.connectErrs[i] != nil {
		return d.connectErrs[i]
	}
	s.connected = true
	return nil
}

func (d *fakeNetdev) Send(fd Sockfd, buf []byte, deadline time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.live[fd]
	if !ok || !s.connected {
		return 0, errors.New("not connected")
	}
	d.sent = append(d.sent, string(buf))
	return len(buf), nil
}

func (d *fakeNetdev) Disconnect(fd Sockfd, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.live[fd]
	if !ok {
		return errors.New("bad fd")
	}
	s.connected = false
	d.disconnected[fd] = timeout
	return nil
}

func (d *fakeNetdev) Delete(fd Sockfd) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[fd]; !ok {
		return errors.New("double delete")
	}
	delete(d.live, fd)
	d.deleted = append(d.deleted, fd)
	return nil
}

// drop simulates the stack reporting a disconnection on fd.
func (d *fakeNetdev) drop(fd Sockfd) {
	d.mu.Lock()
	s := d.live[fd]
	d.mu.Unlock()
	if s != nil && s.onDisc != nil {
		s.onDisc(fd)
	}
}

func (d *fakeNetdev) recv(fd Sockfd, data string) {
	d.mu.Lock()
	s := d.live[fd]
	d.mu.Unlock()
	if s != nil && s.onRecv != nil {
		s.onRecv(fd, []byte(data))
	}
}

func (d *fakeNetdev) stats() (created, deleted, live int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created), len(d.deleted), len(d.live)
}

func (d *fakeNetdev) lastCreated() Sockfd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[len(d.created)-1]
}

type fakeLink struct {
	mu    sync.Mutex
	errs  []error
	times []time.Time
	addr  netip.Addr
}

func (l *fakeLink) Join(ctx context.Context, cfg WifiConfig) (netip.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := len(l.times)
	l.times = append(l.times, time.Now())
	if i < len(l.errs) && l.errs[i] != nil {
		return netip.Addr{}, l.errs[i]
	}
	return l.addr, nil
}

func (l *fakeLink) attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.times)
}

type suspendCall struct {
	maxWait, interval, window time.Duration
}

type fakeSuspender struct {
	mu          sync.Mutex
	calls       []suspendCall
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *fakeSuspender) WaitNetSuspend(ctx context.Context, maxWait, interval, window time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, suspendCall{maxWait: maxWait, interval: interval, window: window})
	n := len(s.calls)
	s.mu.Unlock()
	if s.cancelAfter > 0 && n >= s.cancelAfter {
		s.cancel()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (s *fakeSuspender) numCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testServer() netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("192.168.1.10"), DefaultServerPort)
}
