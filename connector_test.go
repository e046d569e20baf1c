package tcpka

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestConnector(dev *fakeNetdev, slot *socketSlot) *Connector {
	ka := DefaultConfig().TCP.Keepalive
	return &Connector{
		dev:      dev,
		factory:  NewSocketFactory(dev, ka, nil, func(Sockfd) {}, nil),
		slot:     slot,
		server:   testServer(),
		maxTries: 5,
		observer: nopObserver{},
	}
}

func TestConnectSucceedsOnLastAttempt(t *testing.T) {
	dev := newFakeNetdev()
	dev.connectErrs = []error{errRefused, errRefused, errRefused, errRefused, nil}
	var slot socketSlot
	slot.clear()
	fd, err := newTestConnector(dev, &slot).Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	created, deleted, live := dev.stats()
	if created != 5 || deleted != 4 || live != 1 {
		t.Fatalf("created=%d deleted=%d live=%d, want 5/4/1", created, deleted, live)
	}
	if fd != dev.lastCreated() {
		t.Errorf("returned fd %d, want last created %d", fd, dev.lastCreated())
	}
	for _, d := range dev.deleted {
		if d == fd {
			t.Error("connected socket was deleted")
		}
	}
	cur, ok := slot.Current()
	if !ok || cur != fd {
		t.Errorf("slot holds %d,%v; want %d", cur, ok, fd)
	}
}

func TestConnectExhausted(t *testing.T) {
	dev := newFakeNetdev()
	dev.connectErrs = []error{errRefused, errRefused, errRefused, errRefused, errRefused, nil}
	var slot socketSlot
	slot.clear()
	_, err := newTestConnector(dev, &slot).Connect(context.Background())
	if !errors.Is(err, ErrRetriesExceeded) || !errors.Is(err, errRefused) {
		t.Fatalf("want retries exceeded wrapping last connect error, got %v", err)
	}
	created, deleted, live := dev.stats()
	if created != 5 || deleted != 5 || live != 0 {
		t.Fatalf("created=%d deleted=%d live=%d, want 5/5/0", created, deleted, live)
	}
	if _, ok := slot.Current(); ok || slot.valid {
		t.Error("slot should be empty after exhausting retries")
	}
}

func TestConnectSocketCreateIsFatal(t *testing.T) {
	dev := newFakeNetdev()
	dev.socketErr = errors.New("out of sockets")
	var slot socketSlot
	slot.clear()
	_, err := newTestConnector(dev, &slot).Connect(context.Background())
	if !errors.Is(err, ErrSocketCreate) {
		t.Fatalf("want ErrSocketCreate, got %v", err)
	}
	if dev.connects != 0 {
		t.Errorf("connect attempted %d times after create failure", dev.connects)
	}
}

func TestConnectOptionFailureDeletesSocket(t *testing.T) {
	dev := newFakeNetdev()
	dev.optErr[SO_DISCONNECT_CALLBACK] = errors.New("bad option")
	var slot socketSlot
	slot.clear()
	_, err := newTestConnector(dev, &slot).Connect(context.Background())
	if !errors.Is(err, ErrSocketCreate) {
		t.Fatalf("want ErrSocketCreate, got %v", err)
	}
	created, deleted, live := dev.stats()
	if created != 1 || deleted != 1 || live != 0 {
		t.Fatalf("created=%d deleted=%d live=%d, want 1/1/0", created, deleted, live)
	}
}

func TestConnectDroppedWhileConnecting(t *testing.T) {
	dev := newFakeNetdev()
	var slot socketSlot
	slot.clear()
	c := newTestConnector(dev, &slot)
	// The stack reports a disconnection before connect returns.
	c.factory.onDisconnect = func(fd Sockfd) {
		slot.mu.Lock()
		if slot.holds(fd) && !slot.connected {
			slot.dropped = true
		}
		slot.mu.Unlock()
	}
	fd, err := c.create()
	if err != nil {
		t.Fatal(err)
	}
	dev.drop(fd)
	err = c.connect(context.Background(), fd)
	if !errors.Is(err, errDroppedWhileConnecting) {
		t.Fatalf("want errDroppedWhileConnecting, got %v", err)
	}
	c.destroy(fd)
	if _, _, live := dev.stats(); live != 0 {
		t.Error("dropped socket not deleted")
	}
}

func TestSocketFactoryOptions(t *testing.T) {
	dev := newFakeNetdev()
	ka := KeepaliveConfig{Idle: 10 * time.Second, Interval: time.Second, Count: 2}
	f := NewSocketFactory(dev, ka, func(Sockfd, []byte) {}, func(Sockfd) {}, nil)
	fd, created, err := f.Open()
	if err != nil || !created {
		t.Fatal(err)
	}
	s := dev.live[fd]
	wantOrder := []int{SO_RECEIVE_CALLBACK, SO_DISCONNECT_CALLBACK, TCP_KEEPINTVL, TCP_KEEPCNT, TCP_KEEPIDLE, SO_KEEPALIVE}
	if len(s.optOrder) != len(wantOrder) {
		t.Fatalf("set options %v, want %v", s.optOrder, wantOrder)
	}
	for i := range wantOrder {
		if s.optOrder[i] != wantOrder[i] {
			t.Fatalf("set options %v, want %v", s.optOrder, wantOrder)
		}
	}
	if s.opts[TCP_KEEPIDLE] != ka.Idle || s.opts[TCP_KEEPINTVL] != ka.Interval || s.opts[TCP_KEEPCNT] != ka.Count {
		t.Errorf("keepalive options %v do not match %+v", s.opts, ka)
	}
	if s.opts[SO_KEEPALIVE] != true {
		t.Error("keepalive not enabled")
	}
}

func TestSocketFactoryTuningUnsupported(t *testing.T) {
	dev := newFakeNetdev()
	dev.optErr[TCP_KEEPINTVL] = errors.ErrUnsupported
	f := NewSocketFactory(dev, DefaultConfig().TCP.Keepalive, nil, nil, nil)
	fd, _, err := f.Open()
	if err != nil {
		t.Fatalf("unsupported tuning should not fail: %v", err)
	}
	if dev.live[fd].opts[SO_KEEPALIVE] != true {
		t.Error("keepalive must be enabled when tuning is unsupported")
	}
}

func TestSocketFactoryCreateFailure(t *testing.T) {
	dev := newFakeNetdev()
	dev.socketErr = errors.New("no memory")
	_, created, err := NewSocketFactory(dev, KeepaliveConfig{}, nil, nil, nil).Open()
	if err == nil || created {
		t.Fatalf("want failure without a socket, got created=%v err=%v", created, err)
	}
}
