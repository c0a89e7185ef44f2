package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cpe-tunnel/internal/message"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	writeWait    = 10 * time.Second
)

// WebSocketDialer connects to the relay over a websocket and exchanges
// one JSON envelope per text frame.
type WebSocketDialer struct {
	URL              string
	DeviceID         string
	Token            string
	HandshakeTimeout time.Duration
	Log              *zap.Logger
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	wd := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	h := http.Header{}
	if d.Token != "" {
		h.Set("Authorization", "Bearer "+d.Token)
	}
	if d.DeviceID != "" {
		h.Set("X-Device-Id", d.DeviceID)
	}
	ws, resp, err := wd.DialContext(ctx, websocketURL(d.URL), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrHandshake, resp.Status, err)
		}
		return nil, err
	}
	return NewWebSocketConn(ws, d.Log), nil
}

// websocketURL swaps an http(s) scheme for ws(s) and defaults to ws://.
func websocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
		return u
	case strings.HasPrefix(u, "http"):
		return "ws" + strings.TrimPrefix(u, "http")
	default:
		return "ws://" + u
	}
}

type wsConn struct {
	ws     *websocket.Conn
	log    *zap.Logger
	mu     sync.Mutex
	once   sync.Once
	closed chan struct{}
}

// NewWebSocketConn wraps an established websocket. It answers pings (the
// gorilla default handler) and sends its own so a dead relay is noticed.
func NewWebSocketConn(ws *websocket.Conn, log *zap.Logger) Conn {
	c := &wsConn{ws: ws, log: log, closed: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *wsConn) Send(env *message.Envelope) error {
	b, err := message.MarshalText(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Recv() (*message.Envelope, error) {
	typ, b, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	if typ == websocket.BinaryMessage {
		return message.UnmarshalBinary(b)
	}
	return message.UnmarshalText(b)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
