// Package localnet binds and dials the local TCP sockets that tunneled
// connections start and end on.
package localnet

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener is a bound local port accepting application connections.
type Listener interface {
	Port() int
	Close() error
}

// Binder creates local listeners and connects to local services.
type Binder struct {
	bindHost    string
	dialHost    string
	dialTimeout time.Duration
	log         *zap.Logger
}

func NewBinder(bindHost, dialHost string, dialTimeout time.Duration, log *zap.Logger) *Binder {
	return &Binder{
		bindHost:    bindHost,
		dialHost:    dialHost,
		dialTimeout: dialTimeout,
		log:         log.Named("localnet"),
	}
}

// Listen binds port (0 picks any free port) and hands every accepted
// connection to onAccept on its own goroutine.
func (b *Binder) Listen(port int, onAccept func(net.Conn)) (Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(b.bindHost, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	l := &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
		done: make(chan struct{}),
		log:  b.log.With(zap.Int("port", ln.Addr().(*net.TCPAddr).Port)),
	}
	go l.acceptLoop(onAccept)
	return l, nil
}

// Connect dials a local service port.
func (b *Binder) Connect(ctx context.Context, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: b.dialTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(b.dialHost, strconv.Itoa(port)))
}

type tcpListener struct {
	ln   net.Listener
	port int
	once sync.Once
	done chan struct{}
	log  *zap.Logger
}

func (l *tcpListener) Port() int { return l.port }

func (l *tcpListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

func (l *tcpListener) acceptLoop(onAccept func(net.Conn)) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("Failed to accept local connection", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		l.log.Debug("Accepted local connection", zap.Stringer("remote", conn.RemoteAddr()))
		go onAccept(conn)
	}
}

// LocalPort returns the local port of a TCP connection, or -1.
func LocalPort(c net.Conn) int {
	if a, ok := c.LocalAddr().(*net.TCPAddr); ok {
		return a.Port
	}
	return -1
}
