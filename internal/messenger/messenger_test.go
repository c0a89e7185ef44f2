package messenger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cpe-tunnel/internal/message"
)

type recorder struct {
	mu   sync.Mutex
	sent []*message.Envelope
	err  error
}

func (r *recorder) Send(env *message.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, e := range r.sent {
		out = append(out, e.SeqNum)
	}
	return out
}

func newTestMessenger(t *testing.T) (*Messenger, *clock.Mock) {
	clk := clock.NewMock()
	return New(time.Second, 8*time.Second, clk, zaptest.NewLogger(t)), clk
}

func TestSendOrderedAssignsIncreasingSeq(t *testing.T) {
	m, _ := newTestMessenger(t)
	r := &recorder{}
	m.Attach(r)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.SendOrdered(message.NewReply(message.TypePortOpened, "p1")))
	}
	assert.Equal(t, []int64{1, 2, 3}, r.seqs())
	assert.Equal(t, 3, m.Pending())

	m.ProcessAck(2)
	assert.Equal(t, 1, m.Pending())
	m.ProcessAck(1)
	assert.Equal(t, 1, m.Pending(), "stale ack keeps later messages")
	m.ProcessAck(3)
	assert.Zero(t, m.Pending())
}

func TestUnackedMessagesAreRetried(t *testing.T) {
	m, clk := newTestMessenger(t)
	r := &recorder{}
	m.Attach(r)
	require.NoError(t, m.SendOrdered(message.NewReply(message.TypePortClosed, "p1")))

	m.retryDue()
	assert.Len(t, r.seqs(), 1, "not due yet")

	clk.Add(3 * time.Second)
	m.retryDue()
	assert.Equal(t, []int64{1, 1}, r.seqs())

	m.ProcessAck(1)
	clk.Add(time.Minute)
	m.retryDue()
	assert.Len(t, r.seqs(), 2)
}

func TestPendingSurvivesReconnect(t *testing.T) {
	m, _ := newTestMessenger(t)
	require.NoError(t, m.SendOrdered(message.NewReply(message.TypePortOpened, "a")))
	require.NoError(t, m.SendOrdered(message.NewReply(message.TypePortOpened, "b")))

	failing := &recorder{err: errors.New("broken pipe")}
	m.Attach(failing)
	m.Detach()

	fresh := &recorder{}
	m.Attach(fresh)
	assert.Equal(t, []int64{1, 2}, fresh.seqs())
}

func TestSendImmediateNeedsChannel(t *testing.T) {
	m, _ := newTestMessenger(t)
	assert.ErrorIs(t, m.SendImmediate(message.NewAck(1)), ErrNotConnected)

	r := &recorder{}
	m.Attach(r)
	require.NoError(t, m.SendImmediate(message.NewAck(1)))
	assert.Zero(t, m.Pending())
}

func TestLastAckNeverDecreases(t *testing.T) {
	m, _ := newTestMessenger(t)
	m.SetLastAck(5)
	m.SetLastAck(3)
	assert.EqualValues(t, 5, m.LastAck())
}
