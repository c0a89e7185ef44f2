// Package supervisor keeps the agent process running. It restarts the
// agent with growing delays when it exits, restarts it on request over a
// unix socket, and receives the agent's liveness heartbeats on the same
// socket.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Socket commands. Anything else is treated as a heartbeat.
const (
	CmdRestart = "restart"
	CmdAlive   = "alive"
)

// SocketEnv tells the agent where the supervisor listens.
const SocketEnv = "CPE_AGENT_SOCK"

var ErrMaxRetries = errors.New("supervisor: max retries reached")

// Process is a started agent.
type Process interface {
	Wait() error
	Kill() error
}

// Launcher starts one agent process.
type Launcher func(ctx context.Context) (Process, error)

type Config struct {
	Socket     string
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

type Supervisor struct {
	cfg     Config
	launch  Launcher
	log     *zap.Logger
	restart chan struct{}

	mu        sync.Mutex
	lastAlive time.Time
}

func New(cfg Config, launch Launcher, log *zap.Logger) *Supervisor {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.MinDelay == 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Minute
	}
	return &Supervisor{
		cfg:     cfg,
		launch:  launch,
		log:     log.Named("supervisor"),
		restart: make(chan struct{}, 1),
	}
}

// ExecLauncher runs the agent binary with args, passing the socket path
// through the environment.
func ExecLauncher(path string, args []string, socket string) Launcher {
	return func(ctx context.Context) (Process, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", SocketEnv, socket))
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return execProcess{cmd}, nil
	}
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Wait() error { return p.cmd.Wait() }
func (p execProcess) Kill() error { return p.cmd.Process.Kill() }

// Run serves the control socket and manages the agent until ctx is done
// or the agent failed MaxRetries times in a row.
func (s *Supervisor) Run(ctx context.Context) error {
	_ = os.Remove(s.cfg.Socket)
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", s.cfg.Socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Socket, err)
	}
	s.log.Info("Supervisor listening", zap.String("socket", s.cfg.Socket))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})
	g.Go(func() error {
		s.serve(ctx, l)
		return nil
	})
	g.Go(func() error {
		return s.manage(ctx)
	})
	return g.Wait()
}

// Restart asks the manager to kill and relaunch the agent.
func (s *Supervisor) Restart() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// LastAlive returns when the agent last reported in.
func (s *Supervisor) LastAlive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAlive
}

func (s *Supervisor) manage(ctx context.Context) error {
	b := &backoff.Backoff{Min: s.cfg.MinDelay, Max: s.cfg.MaxDelay, Factor: 2}
	for attempt := 1; ; attempt++ {
		s.log.Info("Starting agent", zap.Int("attempt", attempt))
		p, err := s.launch(ctx)
		if err != nil {
			return fmt.Errorf("start agent: %w", err)
		}

		waitDone := make(chan error, 1)
		go func() { waitDone <- p.Wait() }()

		select {
		case err := <-waitDone:
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("Agent exited", zap.Error(err))
			if int(b.Attempt())+1 >= s.cfg.MaxRetries {
				s.log.Error("Max retries reached, stopping", zap.Int("retries", s.cfg.MaxRetries))
				return ErrMaxRetries
			}
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil
			}
		case <-s.restart:
			s.log.Info("Restart requested, killing agent")
			_ = p.Kill()
			<-waitDone
			b.Reset()
		case <-ctx.Done():
			_ = p.Kill()
			<-waitDone
			return nil
		}
	}
}

func (s *Supervisor) serve(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("Accept error", zap.Error(err))
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Supervisor) handleConn(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		msg := strings.TrimSpace(sc.Text())
		switch msg {
		case "":
		case CmdRestart:
			s.Restart()
		default:
			s.mu.Lock()
			s.lastAlive = time.Now()
			s.mu.Unlock()
			s.log.Debug("Heartbeat", zap.String("msg", msg))
		}
	}
}

// Heartbeat reports liveness to the supervisor at socket every interval
// until ctx is done. Connection failures are retried.
func Heartbeat(ctx context.Context, socket string, interval time.Duration, log *zap.Logger) error {
	log = log.Named("heartbeat")
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", socket)
		if err != nil {
			log.Debug("Failed to connect to supervisor", zap.Error(err))
		} else {
			log.Info("Connected to supervisor", zap.String("socket", socket))
			err = beat(ctx, conn, interval)
			conn.Close()
			if err != nil {
				log.Debug("Write to supervisor failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func beat(ctx context.Context, conn net.Conn, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := conn.Write([]byte(CmdAlive + "\n")); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
