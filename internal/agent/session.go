package agent

import (
	"net"
	"strconv"
	"sync"
	"time"

	"cpe-tunnel/internal/engine"
)

// Key identifies a tunneled connection on both agents.
type Key struct {
	PortMapID string
	ConnTS    int64
}

func (k Key) String() string {
	return k.PortMapID + ":" + strconv.FormatInt(k.ConnTS, 10)
}

// State is the lifecycle of a Session.
type State int

const (
	StateEstablishing State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// drain is the direction a Draining session waits on.
type drain int

const (
	drainNone drain = iota
	// local side closed; wait until the peer acknowledged everything sent
	drainSend
	// peer closed; wait until received bytes reached the local socket
	drainRecv
)

// Session is one tunneled TCP connection.
type Session struct {
	Key         Key
	ServiceSide bool

	engine engine.Engine
	local  net.Conn
	ch     *Channel

	localOnce sync.Once
	localErr  error
	room      chan struct{}
	done      chan struct{}

	mu                  sync.Mutex
	state               State
	drain               drain
	lastActivity        time.Time
	remoteCloseReceived bool
	remoteCloseSent     bool
	noRoute             int
}

func newSession(ch *Channel, key Key, serviceSide bool, local net.Conn, eng engine.Engine) *Session {
	return &Session{
		Key:          key,
		ServiceSide:  serviceSide,
		engine:       eng,
		local:        local,
		ch:           ch,
		room:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: ch.clock.Now(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablishing {
		return false
	}
	s.state = StateActive
	return true
}

// beginDrain moves a live session to Draining. Only the first direction
// sticks.
func (s *Session) beginDrain(d drain) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return false
	case StateDraining:
		return s.drain == d
	}
	s.state = StateDraining
	s.drain = d
	return true
}

func (s *Session) draining() drain {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDraining {
		return drainNone
	}
	return s.drain
}

// finish marks the session Closed. It returns true exactly once.
func (s *Session) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	close(s.done)
	return true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.noRoute = 0
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) addNoRoute() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noRoute++
	return s.noRoute
}

func (s *Session) markRemoteCloseReceived() {
	s.mu.Lock()
	s.remoteCloseReceived = true
	s.mu.Unlock()
}

func (s *Session) peerClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteCloseReceived
}

// claimRemoteClose reports whether REMOTE_CLOSE still has to be sent and
// records that it is being sent.
func (s *Session) claimRemoteClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteCloseReceived || s.remoteCloseSent {
		return false
	}
	s.remoteCloseSent = true
	return true
}

func (s *Session) closeLocal() error {
	s.localOnce.Do(func() {
		s.localErr = s.local.Close()
	})
	return s.localErr
}

func (s *Session) signalRoom() {
	select {
	case s.room <- struct{}{}:
	default:
	}
}

// OnPacket forwards an engine packet to the peer as a TUNNEL message.
func (s *Session) OnPacket(pkt []byte) {
	if s.peerClosed() {
		return
	}
	s.ch.sendTunnel(s, pkt)
}

// OnReadable writes peer bytes to the local socket. A failed write ends
// the local side of the session.
func (s *Session) OnReadable(data []byte) error {
	err := s.local.SetWriteDeadline(time.Now().Add(s.ch.cfg.LocalWriteTimeout()))
	if err == nil {
		_, err = s.local.Write(data)
	}
	if err != nil && s.State() != StateClosed {
		s.ch.closeHandshake(s.Key, s.ServiceSide, s)
	}
	return err
}
