// Command kaserver is the host side of the keepalive client. It accepts one
// client at a time on port 50007 and forwards the LED commands typed on
// standard input ('1' on, '0' off). Replies from the client are logged.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

var errNoClient = errors.New("kaserver: no client connected")

func main() {
	addr := flag.String("addr", ":50007", "Listen address.")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "kaserver - keepalive test server. Type 1 or 0 followed by enter to toggle the client's LED.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	l, err := net.Listen("tcp4", *addr)
	if err != nil {
		logger.Error("listen", slog.String("err", err.Error()))
		os.Exit(1)
	}
	s := &server{logger: logger}
	// The stdin reader stays blocked on exit.
	go func() {
		if err := s.forward(os.Stdin); err != nil {
			logger.Error("stdin", slog.String("err", err.Error()))
		}
	}()
	var wg conc.WaitGroup
	wg.Go(func() {
		<-ctx.Done()
		l.Close()
	})
	err = s.serve(l)
	if err != nil && ctx.Err() == nil {
		logger.Error("serve", slog.String("err", err.Error()))
	}
	stop()
	wg.Wait()
}

type server struct {
	mu     sync.Mutex
	conn   net.Conn
	logger *slog.Logger
}

// serve accepts clients until l is closed. A new client replaces the
// current one.
func (s *server) serve(l net.Listener) error {
	for {
		s.logger.Info("accepting", slog.String("addr", l.Addr().String()))
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		s.logger.Info("client connected", slog.String("remote", conn.RemoteAddr().String()))
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAliveConfig(net.KeepAliveConfig{Enable: true, Idle: 10 * time.Second, Interval: time.Second, Count: 2})
		}
		s.setConn(conn)
		go s.readReplies(conn)
	}
}

func (s *server) setConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
}

func (s *server) readReplies(conn net.Conn) {
	var buf [256]byte
	for {
		n, err := conn.Read(buf[:])
		if n > 0 {
			s.logger.Info("reply", slog.String("data", string(buf[:n])))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("read", slog.String("err", err.Error()))
			}
			s.logger.Info("client disconnected", slog.String("remote", conn.RemoteAddr().String()))
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			return
		}
	}
}

// forward sends every '0' or '1' read from r to the current client.
func (s *server) forward(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch c {
		case '0', '1':
		case '\n', '\r', ' ', '\t':
			continue
		default:
			s.logger.Warn("ignoring command", slog.String("cmd", string(rune(c))))
			continue
		}
		if err := s.send(c); err != nil {
			s.logger.Error("send", slog.String("err", err.Error()))
		}
	}
}

func (s *server) send(cmd byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errNoClient
	}
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := s.conn.Write([]byte{cmd})
	return err
}
