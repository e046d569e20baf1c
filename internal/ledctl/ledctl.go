// Package ledctl implements the single byte LED command protocol spoken by
// the keepalive server: '1' turns the LED on, '0' turns it off. Every
// command is acknowledged.
package ledctl

import (
	"context"
	"log/slog"

	"github.com/soypat/tcpka"
)

const (
	CmdOn  = '1'
	CmdOff = '0'

	AckOn   = "LED ON ACK"
	AckOff  = "LED OFF ACK"
	Invalid = "Invalid command"
)

// Sender writes a reply to the connected server.
type Sender interface {
	Send(buf []byte) (int, error)
}

// Handler interprets commands received on the client socket.
type Handler struct {
	// LED sets the LED state.
	LED    func(on bool)
	Reply  Sender
	Logger *slog.Logger
}

// Receive is a [tcpka.RecvCallback]. Only the first byte of each segment is
// interpreted.
func (h *Handler) Receive(fd tcpka.Sockfd, buf []byte) {
	if len(buf) == 0 {
		return
	}
	ack := h.Apply(buf[0])
	if h.Reply == nil {
		return
	}
	_, err := h.Reply.Send([]byte(ack))
	if err != nil && h.Logger != nil {
		h.Logger.LogAttrs(context.Background(), slog.LevelError, "ledctl:reply", slog.Int("fd", int(fd)), slog.String("err", err.Error()))
	}
}

// Apply executes cmd and returns the acknowledgement to send back.
func (h *Handler) Apply(cmd byte) string {
	var ack string
	switch cmd {
	case CmdOn:
		h.set(true)
		ack = AckOn
	case CmdOff:
		h.set(false)
		ack = AckOff
	default:
		ack = Invalid
	}
	if h.Logger != nil {
		h.Logger.LogAttrs(context.Background(), slog.LevelInfo, "ledctl:command", slog.String("cmd", string(rune(cmd))), slog.String("ack", ack))
	}
	return ack
}

func (h *Handler) set(on bool) {
	if h.LED != nil {
		h.LED(on)
	}
}
