//go:build rp2040 || rp2350

package picow

import (
	"context"
	"log/slog"
	"time"
)

const stalledPollMax = 51 * time.Millisecond

// nicLoop moves frames between the radio and the port stack. Every frame
// received or sent is reported to the suspend monitor, which also sets how
// long the loop sleeps when nothing moves.
func (b *Board) nicLoop() {
	// Maximum number of packets to queue before sending them.
	const (
		queueSize                = 3
		maxRetriesBeforeDropping = 3
	)
	var queue [queueSize][mtu]byte
	var lenBuf [queueSize]int
	var retries [queueSize]int
	markSent := func(i int) {
		lenBuf[i] = 0
		retries[i] = 0
	}
	stalled := 0
	for {
		stallRx := true
		gotPacket, err := b.dev.PollOne()
		if err != nil {
			b.nicErr("poll", err)
		}
		if gotPacket {
			stallRx = false
			b.touch()
		}

		for i := range queue {
			if retries[i] != 0 {
				continue // Queued for retransmission.
			}
			lenBuf[i], err = b.stack.HandleEth(queue[i][:])
			if err != nil {
				b.nicErr("handle", err)
				lenBuf[i] = 0
				continue
			}
			if lenBuf[i] == 0 {
				break
			}
		}
		stallTx := lenBuf == [queueSize]int{}
		if stallTx {
			if stallRx {
				stalled++
				time.Sleep(b.pollDelay(stalled))
			}
			continue
		}
		stalled = 0

		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			err := b.dev.SendEth(queue[i][:n])
			if err != nil {
				retries[i]++
				if retries[i] > maxRetriesBeforeDropping {
					markSent(i)
					b.nicErr("dropped outgoing packet", err)
				}
				continue
			}
			markSent(i)
			b.touch()
		}
	}
}

func (b *Board) pollDelay(stalled int) time.Duration {
	if b.monitor == nil {
		return min(time.Microsecond<<min(stalled, 20), stalledPollMax)
	}
	return b.monitor.PollDelay(stalled)
}

func (b *Board) touch() {
	if b.monitor != nil {
		b.monitor.Touch()
	}
}

func (b *Board) nicErr(msg string, err error) {
	b.logger.LogAttrs(context.Background(), slog.LevelError, "picow:nic", slog.String("op", msg), slog.String("err", err.Error()))
}
