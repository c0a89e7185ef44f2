package engine

import (
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"
)

// Options tune a KCP engine.
type Options struct {
	MTU      int
	Window   int
	Interval time.Duration
}

// segments per Write call; stays well inside the receive window so the
// peer can always reassemble a message.
const writeSegments = 32

// KCP adapts kcp-go's low level protocol control block. The control block
// is not safe for concurrent use, so every call goes through mu.
type KCP struct {
	mu      sync.Mutex
	k       *kcp.KCP
	sink    Sink
	mss     int
	closing bool
	closed  bool
}

// NewKCPFactory returns a Factory producing KCP engines tuned by opts.
func NewKCPFactory(opts Options) Factory {
	return func(conv uint32) Engine {
		return NewKCP(conv, opts)
	}
}

func NewKCP(conv uint32, opts Options) *KCP {
	e := &KCP{mss: opts.MTU - kcp.IKCP_OVERHEAD}
	e.k = kcp.NewKCP(conv, e.output)
	e.k.SetMtu(opts.MTU)
	e.k.WndSize(opts.Window, opts.Window)
	interval := int(opts.Interval / time.Millisecond)
	if interval <= 0 {
		interval = 10
	}
	e.k.NoDelay(1, interval, 2, 1)
	return e
}

// output runs with mu held.
func (e *KCP) output(buf []byte, size int) {
	if e.sink == nil || e.closed {
		return
	}
	e.sink.OnPacket(buf[:size])
}

func (e *KCP) Attach(sink Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *KCP) NotifyPacket(pkt []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	return e.k.Input(pkt, true, false) >= 0
}

func (e *KCP) Write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.closing {
		return ErrClosed
	}
	chunk := e.mss * writeSegments
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		if e.k.Send(data[:n]) < 0 {
			return ErrRejected
		}
		data = data[n:]
	}
	return nil
}

// OutstandingSendBytes approximates unacknowledged bytes from the number
// of queued and in-flight segments.
func (e *KCP) OutstandingSendBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	return e.k.WaitSnd() * e.mss
}

func (e *KCP) OutstandingRecvBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	if n := e.k.PeekSize(); n > 0 {
		return n
	}
	return 0
}

// Close releases the engine. A graceful close keeps flushing queued data
// from Tick until the peer has acknowledged it.
func (e *KCP) Close(force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if force || e.k.WaitSnd() == 0 {
		e.closed = true
		e.sink = nil
		return
	}
	e.closing = true
}

func (e *KCP) Tick() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.k.Update()
	if e.closing && e.k.WaitSnd() == 0 {
		e.closed = true
		e.sink = nil
		e.mu.Unlock()
		return
	}
	var ready [][]byte
	for {
		n := e.k.PeekSize()
		if n <= 0 {
			break
		}
		buf := make([]byte, n)
		m := e.k.Recv(buf)
		if m <= 0 {
			break
		}
		ready = append(ready, buf[:m])
	}
	sink := e.sink
	e.mu.Unlock()

	// Delivered outside the lock: the sink may close this engine.
	if sink == nil {
		return
	}
	for _, b := range ready {
		if err := sink.OnReadable(b); err != nil {
			return
		}
	}
}
