package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"cpe-tunnel/internal/framing"
	"cpe-tunnel/internal/message"
)

// YamuxDialer connects to the relay over TCP, opens a yamux session and
// uses its first stream as the control channel. The stream starts with a
// HELLO envelope identifying the device.
type YamuxDialer struct {
	Addr             string
	DeviceID         string
	Token            string
	HandshakeTimeout time.Duration
	Log              *zap.Logger
}

func (d *YamuxDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.HandshakeTimeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	session, err := yamux.Client(conn, YamuxConfig(d.Log))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create yamux session: %w", err)
	}
	stream, err := session.Open()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	c := NewFramedConn(stream, session)
	if err := c.Send(message.NewHello(d.DeviceID, d.Token)); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return c, nil
}

// YamuxConfig routes yamux's own logging into zap.
func YamuxConfig(log *zap.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = &zapio.Writer{Log: log.Named("yamux"), Level: zap.WarnLevel}
	return cfg
}

// AcceptYamux is the relay side of YamuxDialer: it accepts the control
// stream on a new connection and reads the HELLO envelope.
func AcceptYamux(conn net.Conn, log *zap.Logger) (Conn, *message.Envelope, error) {
	session, err := yamux.Server(conn, YamuxConfig(log))
	if err != nil {
		return nil, nil, fmt.Errorf("create yamux server: %w", err)
	}
	stream, err := session.Accept()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("accept control stream: %w", err)
	}
	c := NewFramedConn(stream, session)
	hello, err := c.Recv()
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if hello.Type != message.TypeHello || hello.DevID == "" {
		c.Close()
		return nil, nil, fmt.Errorf("%w: expected HELLO, got %s", ErrHandshake, hello)
	}
	return c, hello, nil
}

type framedConn struct {
	rw      io.ReadWriteCloser
	session io.Closer
	mu      sync.Mutex
	once    sync.Once
}

// NewFramedConn exchanges binary envelopes as length-prefixed frames on
// rw. session, if non-nil, is closed together with rw.
func NewFramedConn(rw io.ReadWriteCloser, session io.Closer) Conn {
	return &framedConn{rw: rw, session: session}
}

func (c *framedConn) Send(env *message.Envelope) error {
	st, err := env.Struct()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return framing.WriteMessage(c.rw, st)
}

func (c *framedConn) Recv() (*message.Envelope, error) {
	b, err := framing.ReadFrame(c.rw)
	if err != nil {
		return nil, err
	}
	return message.UnmarshalBinary(b)
}

func (c *framedConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.rw.Close()
		if c.session != nil {
			if serr := c.session.Close(); err == nil {
				err = serr
			}
		}
	})
	return err
}
