package tcpka

import "time"

// Observer receives lifecycle events from a [Client]. Methods are called
// synchronously and must not block.
type Observer interface {
	WifiAttempt(attempt int, err error)
	ConnectAttempt(attempt int, err error)
	Disconnected(fd Sockfd)
	SuspendWait(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) WifiAttempt(int, error)           {}
func (nopObserver) ConnectAttempt(int, error)        {}
func (nopObserver) Disconnected(Sockfd)              {}
func (nopObserver) SuspendWait(time.Duration, error) {}
