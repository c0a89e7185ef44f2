// Package messenger provides ordered, retried delivery of reliable control
// messages over whichever control channel is currently attached.
package messenger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"cpe-tunnel/internal/message"
)

var ErrNotConnected = errors.New("messenger: no control channel attached")

// Sender is the part of a control channel the messenger writes to.
type Sender interface {
	Send(env *message.Envelope) error
}

type pending struct {
	env  *message.Envelope
	next time.Time
	b    *backoff.Backoff
}

// Messenger outlives individual control channels: unacknowledged messages
// and the acknowledgement counter carry over a reconnect.
type Messenger struct {
	mu      sync.Mutex
	conn    Sender
	nextSeq int64
	queue   []*pending
	lastAck int64

	clock    clock.Clock
	min, max time.Duration
	log      *zap.Logger
}

func New(min, max time.Duration, clk clock.Clock, log *zap.Logger) *Messenger {
	return &Messenger{
		nextSeq: 1,
		clock:   clk,
		min:     min,
		max:     max,
		log:     log.Named("messenger"),
	}
}

// Attach makes conn the active channel and resends every pending message
// in sequence order.
func (m *Messenger) Attach(conn Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	now := m.clock.Now()
	for _, p := range m.queue {
		p.b.Reset()
		m.write(p, now)
	}
}

func (m *Messenger) Detach() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

// SendOrdered assigns the next sequence number to env and delivers it
// until acknowledged. A failed write is retried, not reported.
func (m *Messenger) SendOrdered(env *message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env.SeqNum = m.nextSeq
	m.nextSeq++
	p := &pending{
		env: env,
		b:   &backoff.Backoff{Min: m.min, Max: m.max, Factor: 2, Jitter: true},
	}
	m.queue = append(m.queue, p)
	m.write(p, m.clock.Now())
	return nil
}

// write runs with mu held.
func (m *Messenger) write(p *pending, now time.Time) {
	p.next = now.Add(p.b.Duration())
	if m.conn == nil {
		return
	}
	if err := m.conn.Send(p.env); err != nil {
		m.log.Debug("Failed to send reliable message, will retry", zap.Stringer("msg", p.env), zap.Error(err))
	}
}

// SendImmediate writes env once, without ordering or retry.
func (m *Messenger) SendImmediate(env *message.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(env)
}

// ProcessAck drops every pending message up to and including seq.
func (m *Messenger) ProcessAck(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.queue) && m.queue[i].env.SeqNum <= seq {
		i++
	}
	if i > 0 {
		m.queue = append(m.queue[:0], m.queue[i:]...)
	}
}

// LastAck is the highest acknowledgement this agent has sent to the relay.
func (m *Messenger) LastAck() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

func (m *Messenger) SetLastAck(seq int64) {
	m.mu.Lock()
	if seq > m.lastAck {
		m.lastAck = seq
	}
	m.mu.Unlock()
}

// Pending returns the number of unacknowledged messages.
func (m *Messenger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Run resends overdue messages until ctx is done.
func (m *Messenger) Run(ctx context.Context) error {
	interval := m.min / 2
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := m.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.retryDue()
		}
	}
}

func (m *Messenger) retryDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	now := m.clock.Now()
	for _, p := range m.queue {
		if now.Before(p.next) {
			continue
		}
		m.log.Debug("Retrying reliable message", zap.Stringer("msg", p.env), zap.Float64("attempt", p.b.Attempt()))
		m.write(p, now)
	}
}
