package tcpka

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Wifi.SSID = "testnet"
	cfg.Wifi.Password = "password"
	cfg.Wifi.RetryInterval = time.Millisecond
	cfg.TCP.Server = testServer()
	cfg.TCP.ReconnectBackoffMax = 5 * time.Millisecond
	return cfg
}

type runResult struct {
	err error
}

func startClient(t *testing.T, c *Client) (cancel context.CancelFunc, done <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan runResult, 1)
	go func() { ch <- runResult{err: c.Run(ctx)} }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop after cancel")
		}
	})
	return cancel, ch
}

func TestClientIdleLoopFixedParameters(t *testing.T) {
	cfg := testConfig()
	cfg.TCP.Server = netip.AddrPort{}
	link := &fakeLink{addr: netip.MustParseAddr("10.0.0.2")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	susp := &fakeSuspender{cancelAfter: 20, cancel: cancel}
	c, err := New(cfg, link, nil, susp)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("idle loop should only end on cancellation, got %v", err)
	}
	if susp.numCalls() < 20 {
		t.Fatalf("got %d suspend calls, want at least 20", susp.numCalls())
	}
	want := suspendCall{maxWait: 0, interval: 300 * time.Millisecond, window: 200 * time.Millisecond}
	for i, call := range susp.calls {
		if call != want {
			t.Fatalf("call %d used %+v, want %+v", i, call, want)
		}
	}
	if c.Addr() != link.addr {
		t.Errorf("client addr %s, want %s", c.Addr(), link.addr)
	}
}

func TestClientWifiFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	link := &fakeLink{}
	for i := 0; i < cfg.Wifi.MaxRetries; i++ {
		link.errs = append(link.errs, errors.New("join failed"))
	}
	susp := &fakeSuspender{}
	dev := newFakeNetdev()
	c, err := New(cfg, link, dev, susp)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Run(context.Background())
	if !errors.Is(err, ErrRetriesExceeded) {
		t.Fatalf("want ErrRetriesExceeded, got %v", err)
	}
	if susp.numCalls() != 0 || dev.connects != 0 {
		t.Error("client continued after association failure")
	}
}

func TestClientSocketCreateIsFatal(t *testing.T) {
	dev := newFakeNetdev()
	dev.socketErr = errors.New("no sockets")
	c, err := New(testConfig(), &fakeLink{}, dev, &fakeSuspender{})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Run(context.Background())
	if !errors.Is(err, ErrSocketCreate) {
		t.Fatalf("want ErrSocketCreate, got %v", err)
	}
}

func TestClientConnectFailureStillIdles(t *testing.T) {
	cfg := testConfig()
	cfg.TCP.Reconnect = false
	dev := newFakeNetdev()
	for i := 0; i < cfg.TCP.MaxRetries; i++ {
		dev.connectErrs = append(dev.connectErrs, errRefused)
	}
	susp := &fakeSuspender{}
	c, err := New(cfg, &fakeLink{}, dev, susp)
	if err != nil {
		t.Fatal(err)
	}
	startClient(t, c)
	waitFor(t, "idle loop", func() bool { return susp.numCalls() > 3 })
	created, deleted, live := dev.stats()
	if created != 5 || deleted != 5 || live != 0 {
		t.Fatalf("created=%d deleted=%d live=%d, want 5/5/0", created, deleted, live)
	}
	if c.gate.Available() != 1 {
		t.Error("gate not released after failed connect sequence")
	}
}

func TestClientDisconnectReleasesGate(t *testing.T) {
	cfg := testConfig()
	cfg.TCP.Reconnect = false
	dev := newFakeNetdev()
	c, err := New(cfg, &fakeLink{}, dev, &fakeSuspender{})
	if err != nil {
		t.Fatal(err)
	}
	startClient(t, c)
	waitFor(t, "connection", c.Connected)
	fd := dev.lastCreated()
	if c.gate.Available() != 0 {
		t.Fatal("gate should be held while connected")
	}

	dev.drop(fd)
	waitFor(t, "disconnect handling", func() bool { return !c.Connected() })

	dev.mu.Lock()
	timeout, disconnected := dev.disconnected[fd]
	_, alive := dev.live[fd]
	dev.mu.Unlock()
	if !disconnected || timeout != 0 {
		t.Errorf("want disconnect with zero timeout, got called=%v timeout=%s", disconnected, timeout)
	}
	if alive {
		t.Error("socket not deleted after disconnection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.gate.Acquire(ctx); err != nil {
		t.Fatalf("gate not released by disconnect handler: %v", err)
	}
}

func TestClientReconnectsAfterDisconnect(t *testing.T) {
	dev := newFakeNetdev()
	c, err := New(testConfig(), &fakeLink{}, dev, &fakeSuspender{})
	if err != nil {
		t.Fatal(err)
	}
	startClient(t, c)
	waitFor(t, "connection", c.Connected)
	first := dev.lastCreated()
	dev.drop(first)
	waitFor(t, "reconnection", func() bool {
		fd, ok := c.slot.Current()
		return ok && fd != first
	})
	created, deleted, live := dev.stats()
	if created != 2 || deleted != 1 || live != 1 {
		t.Fatalf("created=%d deleted=%d live=%d, want 2/1/1", created, deleted, live)
	}
}

func TestClientRetriesFailedSequence(t *testing.T) {
	cfg := testConfig()
	dev := newFakeNetdev()
	for i := 0; i < cfg.TCP.MaxRetries; i++ {
		dev.connectErrs = append(dev.connectErrs, errRefused)
	}
	c, err := New(cfg, &fakeLink{}, dev, &fakeSuspender{})
	if err != nil {
		t.Fatal(err)
	}
	startClient(t, c)
	waitFor(t, "connection on second sequence", c.Connected)
	created, deleted, _ := dev.stats()
	if created != 6 || deleted != 5 {
		t.Fatalf("created=%d deleted=%d, want 6/5", created, deleted)
	}
}

func TestClientStaleDisconnectIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.TCP.Reconnect = false
	dev := newFakeNetdev()
	c, err := New(cfg, &fakeLink{}, dev, &fakeSuspender{})
	if err != nil {
		t.Fatal(err)
	}
	startClient(t, c)
	waitFor(t, "connection", c.Connected)
	c.HandleDisconnect(dev.lastCreated() + 100)
	if !c.Connected() || c.gate.Available() != 0 {
		t.Fatal("stale disconnect event affected the live connection")
	}
}

func TestClientSendAndReceive(t *testing.T) {
	cfg := testConfig()
	cfg.TCP.Reconnect = false
	dev := newFakeNetdev()
	got := make(chan string, 1)
	var c *Client
	cfg.OnReceive = func(fd Sockfd, buf []byte) {
		got <- string(buf)
		c.Send([]byte("ACK"))
	}
	c, err := New(cfg, &fakeLink{}, dev, &fakeSuspender{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send before connect: want ErrNotConnected, got %v", err)
	}
	startClient(t, c)
	waitFor(t, "connection", c.Connected)
	dev.recv(dev.lastCreated(), "1")
	select {
	case data := <-got:
		if data != "1" {
			t.Errorf("received %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("receive callback not invoked")
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.sent) != 1 || dev.sent[0] != "ACK" {
		t.Errorf("sent %q, want [ACK]", dev.sent)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.Idle.Window = time.Second
	if _, err := New(cfg, &fakeLink{}, newFakeNetdev(), &fakeSuspender{}); err == nil {
		t.Error("window larger than interval should be rejected")
	}
	cfg = testConfig()
	cfg.TCP.Server = netip.MustParseAddrPort("[::1]:50007")
	if _, err := New(cfg, &fakeLink{}, newFakeNetdev(), &fakeSuspender{}); err == nil {
		t.Error("IPv6 server should be rejected")
	}
	cfg = testConfig()
	if _, err := New(cfg, &fakeLink{}, nil, &fakeSuspender{}); err == nil {
		t.Error("server without netdev should be rejected")
	}
}
