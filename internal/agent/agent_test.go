package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cpe-tunnel/internal/config"
	"cpe-tunnel/internal/message"
	"cpe-tunnel/internal/transport"
)

// memConn is one end of an in-memory control channel.
type memConn struct {
	in   chan *message.Envelope
	out  chan *message.Envelope
	done chan struct{}
	once *sync.Once
}

func memPipe() (*memConn, *memConn) {
	a := make(chan *message.Envelope, 64)
	b := make(chan *message.Envelope, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &memConn{in: a, out: b, done: done, once: once},
		&memConn{in: b, out: a, done: done, once: once}
}

func (c *memConn) Send(env *message.Envelope) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

func (c *memConn) Recv() (*message.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type memDialer struct {
	relays chan *memConn
}

func (d *memDialer) Dial(ctx context.Context) (transport.Conn, error) {
	agentEnd, relayEnd := memPipe()
	select {
	case d.relays <- relayEnd:
		return agentEnd, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func nextRelay(t *testing.T, d *memDialer) *memConn {
	t.Helper()
	select {
	case r := <-d.relays:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not dial")
		return nil
	}
}

func recvEnvelope(t *testing.T, c *memConn) *message.Envelope {
	t.Helper()
	select {
	case env := <-c.in:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message from agent")
		return nil
	}
}

func TestAgentResendsAcrossReconnect(t *testing.T) {
	cfg := &config.Config{
		Relay:     config.RelayConfig{URL: "mem", MaxRetryInterval: 10 * time.Millisecond},
		Messenger: config.MessengerConfig{RetryMin: time.Minute, RetryMax: time.Minute},
	}
	d := &memDialer{relays: make(chan *memConn)}
	engines := &fakeEngines{engines: make(map[uint32]*fakeEngine)}
	a, err := New(cfg, zaptest.NewLogger(t), WithDialer(d), WithBinder(newFakeBinder()), WithEngines(engines.factory))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	relay := nextRelay(t, d)
	hello := recvEnvelope(t, relay)
	assert.Equal(t, message.SubAck, hello.SubType)
	assert.Zero(t, hello.SeqNum)

	require.NoError(t, relay.Send(&message.Envelope{Type: message.TypeOpenPort, SeqNum: 1, PortMapID: "p1", SvcPort: "8080"}))
	reply := recvEnvelope(t, relay)
	assert.Equal(t, message.TypePortOpened, reply.Type)
	assert.EqualValues(t, 1, reply.SeqNum)
	ack := recvEnvelope(t, relay)
	assert.Equal(t, message.SubAck, ack.SubType)
	assert.EqualValues(t, 1, ack.SeqNum)

	require.NoError(t, relay.Close())

	relay = nextRelay(t, d)
	hello = recvEnvelope(t, relay)
	assert.Equal(t, message.SubAck, hello.SubType)
	assert.EqualValues(t, 1, hello.SeqNum)
	resent := recvEnvelope(t, relay)
	assert.Equal(t, message.TypePortOpened, resent.Type)
	assert.EqualValues(t, 1, resent.SeqNum)

	require.NoError(t, relay.Send(message.NewAck(1)))
	assert.Eventually(t, func() bool { return a.messenger.Pending() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}

type failingDialer struct{ calls int }

func (d *failingDialer) Dial(context.Context) (transport.Conn, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

func TestAgentGivesUpAfterRetryLimit(t *testing.T) {
	cfg := &config.Config{
		Relay: config.RelayConfig{URL: "mem", MaxRetryInterval: time.Millisecond, MaxRetryCount: 3},
	}
	d := &failingDialer{}
	a, err := New(cfg, zaptest.NewLogger(t), WithDialer(d), WithBinder(newFakeBinder()))
	require.NoError(t, err)

	err = a.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 4, d.calls)
}

func TestNewRequiresRelayURL(t *testing.T) {
	_, err := New(&config.Config{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
