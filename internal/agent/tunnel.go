package agent

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"cpe-tunnel/internal/engine"
	"cpe-tunnel/internal/localnet"
	"cpe-tunnel/internal/message"
)

const readBufferSize = 16 << 10

func (c *Channel) handleTunnel(env *message.Envelope) error {
	if env.PortMapID == "" {
		return fmt.Errorf("%w: portMapId in TUNNEL", ErrMissingField)
	}
	key := Key{PortMapID: env.PortMapID, ConnTS: env.ConnTS}
	s := c.sessions.get(key)

	if env.CtrlMsg == message.RemoteClose {
		c.handleRemoteClose(key, s)
		return nil
	}
	if s == nil {
		if env.IsSvcSide {
			// The service side still talks to a connection we no longer have.
			c.log.Debug("Tunnel for unknown client session", zap.Stringer("key", key))
			c.closeHandshake(key, false, nil)
			return nil
		}
		var err error
		if s, err = c.openServiceSession(key); err != nil {
			return err
		}
	}

	payload, err := env.Payload()
	if err != nil {
		c.closeHandshake(key, s.ServiceSide, s)
		return fmt.Errorf("%w: %v", ErrEngineReject, err)
	}
	if len(payload) == 0 {
		s.touch(c.clock.Now())
		return nil
	}
	if !s.engine.NotifyPacket(payload) {
		c.closeHandshake(key, s.ServiceSide, s)
		return fmt.Errorf("%w: session %s", ErrEngineReject, key)
	}
	s.touch(c.clock.Now())
	if s.draining() == drainSend && s.engine.OutstandingSendBytes() == 0 {
		c.closeHandshake(key, s.ServiceSide, s)
		return nil
	}
	c.wake()
	return nil
}

// openServiceSession connects the exported local service for a tunnel
// the remote client just opened.
func (c *Channel) openServiceSession(key Key) (*Session, error) {
	svc, ok := c.ports.export(key.PortMapID)
	if !ok {
		return nil, fmt.Errorf("%w: no export for %s", ErrUnexpectedTunnel, key.PortMapID)
	}
	port, err := strconv.Atoi(svc)
	if err != nil {
		c.closeHandshake(key, true, nil)
		return nil, fmt.Errorf("%w: bad service port %q", ErrLocalConnect, svc)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout())
	defer cancel()
	conn, err := c.binder.Connect(ctx, port)
	if err != nil {
		c.closeHandshake(key, true, nil)
		return nil, fmt.Errorf("%w: port %d: %v", ErrLocalConnect, port, err)
	}
	s := newSession(c, key, true, conn, c.engines(engineConv(key)))
	if !c.sessions.insert(s) {
		s.engine.Close(true)
		_ = conn.Close()
		return c.sessions.get(key), nil
	}
	c.startSession(s)
	return s, nil
}

// acceptLocal opens a tunnel for a connection accepted on an import port.
func (c *Channel) acceptLocal(id string, conn net.Conn) {
	if _, ok := c.ports.importFor(id); !ok || c.closed.Load() {
		_ = conn.Close()
		return
	}
	ts := c.clock.Now().UnixMilli()
	var s *Session
	for {
		key := Key{PortMapID: id, ConnTS: ts}
		s = newSession(c, key, false, conn, c.engines(engineConv(key)))
		if c.sessions.insert(s) {
			break
		}
		s.engine.Close(true)
		ts++
	}
	if c.closed.Load() {
		c.abort(s, "reset")
		return
	}
	c.sendTunnel(s, nil)
	c.startSession(s)
}

func (c *Channel) startSession(s *Session) {
	s.engine.Attach(s)
	s.activate()
	c.metrics.sessionsOpened.WithLabelValues(side(s.ServiceSide)).Inc()
	c.metrics.sessions.Set(float64(c.sessions.len()))
	c.log.Debug("Session opened", zap.Stringer("key", s.Key), zap.Bool("serviceSide", s.ServiceSide),
		zap.Int("localPort", localnet.LocalPort(s.local)))
	go c.readLocal(s)
}

// readLocal pumps the local socket into the engine. It pauses while the
// engine holds more unacknowledged data than one window.
func (c *Channel) readLocal(s *Session) {
	highWater := c.cfg.EngineWindow() * c.cfg.EngineMTU()
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.local.Read(buf)
		if n > 0 {
			if s.peerClosed() {
				return
			}
			if werr := s.engine.Write(buf[:n]); werr != nil {
				c.log.Debug("Engine write failed", zap.Stringer("key", s.Key), zap.Error(werr))
				break
			}
			c.wake()
			if !c.waitRoom(s, highWater) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	if s.State() == StateClosed || s.peerClosed() {
		return
	}
	c.closeHandshake(s.Key, s.ServiceSide, s)
}

func (c *Channel) waitRoom(s *Session, highWater int) bool {
	for s.engine.OutstandingSendBytes() > highWater {
		select {
		case <-s.room:
		case <-s.done:
			return false
		case <-c.ctx.Done():
			return false
		}
	}
	return true
}

// closeHandshake runs when a local connection ends or the stream can no
// longer continue. Unacknowledged outbound data keeps the session in
// Draining until the scheduler sees it acknowledged.
func (c *Channel) closeHandshake(key Key, serviceSide bool, s *Session) {
	if s == nil {
		c.send(message.NewRemoteClose(key.PortMapID, key.ConnTS, serviceSide))
		return
	}
	if err := s.closeLocal(); err != nil {
		c.log.Debug("Local close", zap.Stringer("key", key), zap.Error(err))
	}
	if s.engine.OutstandingSendBytes() > 0 && s.beginDrain(drainSend) {
		c.log.Debug("Draining before close", zap.Stringer("key", key))
		return
	}
	c.finalize(s, "local_close")
}

func (c *Channel) handleRemoteClose(key Key, s *Session) {
	if s == nil {
		c.log.Debug("Remote close for unknown session", zap.Stringer("key", key))
		return
	}
	s.markRemoteCloseReceived()
	if s.draining() != drainSend && s.engine.OutstandingRecvBytes() > 0 && s.beginDrain(drainRecv) {
		c.log.Debug("Delivering remaining data before close", zap.Stringer("key", key))
		c.wake()
		return
	}
	c.finalize(s, "remote_close")
}

func (c *Channel) handleNoRoute(env *message.Envelope) error {
	c.metrics.noRoute.Inc()
	key := Key{PortMapID: env.PortMapID, ConnTS: env.ConnTS}
	s := c.sessions.get(key)
	if s == nil {
		c.log.Debug("NO_ROUTE for unknown session", zap.Stringer("key", key))
		return nil
	}
	n := s.addNoRoute()
	if n <= c.cfg.NoRouteThreshold() {
		c.log.Warn("Peer unreachable", zap.Stringer("key", key), zap.Int("count", n),
			zap.String("remoteDevId", env.RemoteDevID), zap.String("msg", env.Msg))
		return nil
	}
	c.abort(s, "no_route")
	return fmt.Errorf("%w: session %s after %d notices", ErrNoRouteExceeded, key, n)
}

// finalize closes s and tells the peer unless the peer closed first.
func (c *Channel) finalize(s *Session, reason string) {
	if !s.finish() {
		return
	}
	if err := s.closeLocal(); err != nil {
		c.log.Debug("Local close", zap.Stringer("key", s.Key), zap.Error(err))
	}
	s.engine.Close(true)
	if s.claimRemoteClose() {
		c.send(message.NewRemoteClose(s.Key.PortMapID, s.Key.ConnTS, s.ServiceSide))
	}
	c.drop(s, reason)
}

// abort closes s without notifying the peer.
func (c *Channel) abort(s *Session, reason string) {
	if !s.finish() {
		return
	}
	s.engine.Close(true)
	_ = s.closeLocal()
	c.drop(s, reason)
}

func (c *Channel) drop(s *Session, reason string) {
	c.sessions.remove(s)
	c.metrics.sessionsClosed.WithLabelValues(reason).Inc()
	c.metrics.sessions.Set(float64(c.sessions.len()))
	c.log.Debug("Session closed", zap.Stringer("key", s.Key), zap.String("reason", reason))
}

func engineConv(k Key) uint32 {
	return engine.ConvID(k.String())
}
