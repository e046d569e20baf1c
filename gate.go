package tcpka

import "context"

// Gate is a binary permit that serializes connection attempts. At most one
// permit exists. A new Gate holds no permit and must be released once before
// the first Acquire can proceed.
type Gate struct {
	permit chan struct{}
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{permit: make(chan struct{}, 1)}
}

// Acquire blocks until a permit is available and consumes it.
// It only returns early if ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case <-g.permit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release makes a permit available. Releasing a gate that already holds
// a permit is a no-op.
func (g *Gate) Release() {
	select {
	case g.permit <- struct{}{}:
	default:
	}
}

// Available returns the number of permits held by the gate, 0 or 1.
func (g *Gate) Available() int { return len(g.permit) }
