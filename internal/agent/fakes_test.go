package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cpe-tunnel/internal/config"
	"cpe-tunnel/internal/engine"
	"cpe-tunnel/internal/localnet"
	"cpe-tunnel/internal/message"
)

type fakeMessenger struct {
	mu        sync.Mutex
	ordered   []*message.Envelope
	immediate []*message.Envelope
	acked     []int64
	lastAck   int64
}

func (m *fakeMessenger) SendOrdered(env *message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordered = append(m.ordered, env)
	return nil
}

func (m *fakeMessenger) SendImmediate(env *message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.immediate = append(m.immediate, env)
	return nil
}

func (m *fakeMessenger) ProcessAck(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, seq)
}

func (m *fakeMessenger) LastAck() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

func (m *fakeMessenger) SetLastAck(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAck = seq
}

func (m *fakeMessenger) orderedOf(typ string) []*message.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*message.Envelope
	for _, e := range m.ordered {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (m *fakeMessenger) immediateOf(sub string) []*message.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*message.Envelope
	for _, e := range m.immediate {
		if e.SubType == sub {
			out = append(out, e)
		}
	}
	return out
}

func (m *fakeMessenger) remoteCloses() []*message.Envelope {
	var out []*message.Envelope
	for _, e := range m.immediateOf(message.SubTunnel) {
		if e.CtrlMsg == message.RemoteClose {
			out = append(out, e)
		}
	}
	return out
}

type fakeListener struct {
	b      *fakeBinder
	port   int
	accept func(net.Conn)
	closed bool
}

func (l *fakeListener) Port() int { return l.port }

func (l *fakeListener) Close() error {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	if l.b.bound[l.port] == l {
		delete(l.b.bound, l.port)
	}
	l.closed = true
	return nil
}

// fakeBinder binds ports in memory and connects through net.Pipe. The
// service end of every connection is kept so tests can drive it.
type fakeBinder struct {
	mu       sync.Mutex
	busy     map[int]bool
	bound    map[int]*fakeListener
	listens  int
	refuse   bool
	connects []int
	services []net.Conn
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{busy: make(map[int]bool), bound: make(map[int]*fakeListener)}
}

func (b *fakeBinder) Listen(port int, onAccept func(net.Conn)) (localnet.Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[port] || b.bound[port] != nil {
		return nil, errors.New("address already in use")
	}
	l := &fakeListener{b: b, port: port, accept: onAccept}
	b.bound[port] = l
	b.listens++
	return l, nil
}

func (b *fakeBinder) Connect(ctx context.Context, port int) (net.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects = append(b.connects, port)
	if b.refuse {
		return nil, errors.New("connection refused")
	}
	local, service := net.Pipe()
	b.services = append(b.services, service)
	return local, nil
}

func (b *fakeBinder) listener(port int) *fakeListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound[port]
}

func (b *fakeBinder) service(i int) net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.services[i]
}

// fakeEngine records what the channel feeds it. Outstanding byte counts
// are set by the test.
type fakeEngine struct {
	mu      sync.Mutex
	conv    uint32
	sink    engine.Sink
	packets [][]byte
	written []byte
	sendOut int
	recvOut int
	reject  bool
	closed  bool
	forced  bool
	ticks   int
}

func (e *fakeEngine) Attach(sink engine.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *fakeEngine) NotifyPacket(pkt []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reject || e.closed {
		return false
	}
	e.packets = append(e.packets, append([]byte(nil), pkt...))
	return true
}

func (e *fakeEngine) Write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.ErrClosed
	}
	e.written = append(e.written, data...)
	return nil
}

func (e *fakeEngine) OutstandingSendBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendOut
}

func (e *fakeEngine) OutstandingRecvBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvOut
}

func (e *fakeEngine) Close(force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.forced = e.forced || force
	e.sendOut, e.recvOut = 0, 0
}

func (e *fakeEngine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks++
}

func (e *fakeEngine) set(sendOut, recvOut int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendOut, e.recvOut = sendOut, recvOut
}

func (e *fakeEngine) state() (closed, forced bool, packets int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed, e.forced, len(e.packets)
}

type fakeEngines struct {
	mu      sync.Mutex
	engines map[uint32]*fakeEngine
	setup   func(*fakeEngine)
}

func (f *fakeEngines) factory(conv uint32) engine.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{conv: conv}
	if f.setup != nil {
		f.setup(e)
	}
	f.engines[conv] = e
	return e
}

func (f *fakeEngines) get(k Key) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[engine.ConvID(k.String())]
}

type rawSender struct {
	mu   sync.Mutex
	sent []*message.Envelope
}

func (r *rawSender) Send(env *message.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

type harness struct {
	ch        *Channel
	raw       *rawSender
	messenger *fakeMessenger
	binder    *fakeBinder
	engines   *fakeEngines
	clock     *clock.Mock
	logs      *observer.ObservedLogs
	notes     []string
	notesMu   sync.Mutex
}

func newHarness(t *testing.T, tune func(*config.TunnelConfig)) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		raw:       &rawSender{},
		messenger: &fakeMessenger{},
		binder:    newFakeBinder(),
		engines:   &fakeEngines{engines: make(map[uint32]*fakeEngine)},
		clock:     clock.NewMock(),
		logs:      logs,
	}
	cfg := config.TunnelConfig{StartingPort: 20000, MaxNoRoute: 5}
	if tune != nil {
		tune(&cfg)
	}
	h.ch = NewChannel(h.raw, ChannelOptions{
		Tunnel:    cfg,
		Messenger: h.messenger,
		Binder:    h.binder,
		Engines:   h.engines.factory,
		Notifier: NotifierFunc(func(text string) {
			h.notesMu.Lock()
			h.notes = append(h.notes, text)
			h.notesMu.Unlock()
		}),
		Clock: h.clock,
		Log:   zap.New(core),
	})
	t.Cleanup(func() { _ = h.ch.Close() })
	return h
}

func (h *harness) notifications() []string {
	h.notesMu.Lock()
	defer h.notesMu.Unlock()
	return append([]string(nil), h.notes...)
}

func (h *harness) reliable(typ string, seq int64, id string) *message.Envelope {
	return &message.Envelope{Type: typ, SeqNum: seq, PortMapID: id}
}

func tunnel(id string, ts int64, isSvcSide bool, payload []byte) *message.Envelope {
	return message.NewTunnel(id, ts, isSvcSide, payload)
}
