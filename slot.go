package tcpka

import "sync"

// socketSlot owns the single socket handle. Exactly zero or one handle is
// stored at any time and every transition happens under mu.
type socketSlot struct {
	mu        sync.Mutex
	fd        Sockfd
	valid     bool
	connected bool
	// dropped is set when a disconnection is reported before connect completes.
	dropped   bool
}

// store records a freshly created fd. Caller must hold mu and the slot must be empty.
func (s *socketSlot) store(fd Sockfd) {
	if s.valid {
		panic("tcpka: socket slot already holds a handle")
	}
	s.fd = fd
	s.valid = true
	s.connected = false
	s.dropped = false
}

// clear empties the slot. Caller must hold mu.
func (s *socketSlot) clear() {
	s.fd = -1
	s.valid = false
	s.connected = false
	s.dropped = false
}

// holds reports whether fd is the handle currently owned. Caller must hold mu.
func (s *socketSlot) holds(fd Sockfd) bool { return s.valid && s.fd == fd }

// Current returns the connected handle, if any.
func (s *socketSlot) Current() (Sockfd, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid || !s.connected {
		return -1, false
	}
	return s.fd, true
}
