package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProcess struct {
	exit   chan error
	killed atomic.Bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan error, 1)}
}

func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Kill() error {
	if p.killed.CompareAndSwap(false, true) {
		p.exit <- errors.New("killed")
	}
	return nil
}

func socketPath(t *testing.T) string {
	// unix socket paths are length limited; keep it short
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return filepath.Join(dir, "s.sock")
}

func TestSupervisorStopsAfterMaxRetries(t *testing.T) {
	var launches atomic.Int32
	launch := func(ctx context.Context) (Process, error) {
		launches.Add(1)
		p := newFakeProcess()
		p.exit <- errors.New("crashed")
		return p, nil
	}
	s := New(Config{
		Socket:     socketPath(t),
		MaxRetries: 3,
		MinDelay:   time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}, launch, zaptest.NewLogger(t))

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxRetries)
	assert.EqualValues(t, 3, launches.Load())
}

func TestSupervisorRestartCommand(t *testing.T) {
	procs := make(chan *fakeProcess, 4)
	launch := func(ctx context.Context) (Process, error) {
		p := newFakeProcess()
		procs <- p
		return p, nil
	}
	sock := socketPath(t)
	s := New(Config{Socket: sock, MinDelay: time.Millisecond}, launch, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := <-procs

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", sock)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err := conn.Write([]byte("alive\nrestart\n"))
	require.NoError(t, err)

	select {
	case second := <-procs:
		assert.True(t, first.killed.Load())
		assert.False(t, second.killed.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not restarted")
	}
	assert.Eventually(t, func() bool { return !s.LastAlive().IsZero() }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestHeartbeatReachesSupervisor(t *testing.T) {
	sock := socketPath(t)
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Heartbeat(ctx, sock, 10*time.Millisecond, zaptest.NewLogger(t))

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, len(CmdAlive)+1)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, CmdAlive+"\n", string(buf))
}
