// Package relay is the rendezvous service agents connect to. It assigns
// port mappings, acknowledges agent replies and forwards TUNNEL messages
// between the two devices of a mapping.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cpe-tunnel/internal/message"
	"cpe-tunnel/internal/transport"
)

type device struct {
	id   string
	conn transport.Conn

	mu    sync.Mutex
	acked int64
}

type Server struct {
	log      *zap.Logger
	tokens   map[string]string
	upgrader websocket.Upgrader

	mu       sync.Mutex
	pairs    map[string]Pair
	devices  map[string]*device
	seqs     map[string]int64
	mapped   map[string]int
	exported map[string]bool
}

func New(cfg *Config, log *zap.Logger) *Server {
	s := &Server{
		log:      log.Named("relay"),
		tokens:   cfg.Tokens,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		pairs:    make(map[string]Pair),
		devices:  make(map[string]*device),
		seqs:     make(map[string]int64),
		mapped:   make(map[string]int),
		exported: make(map[string]bool),
	}
	for _, p := range cfg.Mappings {
		s.pairs[p.PortMapID] = p
	}
	return s
}

// Serve accepts yamux agents on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	s.log.Info("Relay listening", zap.Stringer("addr", l.Addr()))
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("Failed to accept connection", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.log.Debug("New connection", zap.Stringer("remote", conn.RemoteAddr()))
	c, hello, err := transport.AcceptYamux(conn, s.log)
	if err != nil {
		s.log.Warn("Handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return
	}
	if !s.authorized(hello.DevID, hello.Token) {
		s.log.Warn("Rejected device", zap.String("devId", hello.DevID))
		c.Close()
		return
	}
	s.run(hello.DevID, c)
}

// ServeHTTP upgrades websocket agents. The device identifies itself with
// the X-Device-Id header and a bearer token.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Device-Id")
	token := bearer(r.Header.Get("Authorization"))
	if id == "" || !s.authorized(id, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	s.run(id, transport.NewWebSocketConn(ws, s.log))
}

func bearer(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) authorized(id, token string) bool {
	want, ok := s.tokens[id]
	return !ok || want == token
}

// run serves one agent until its control channel fails.
func (s *Server) run(id string, conn transport.Conn) {
	d := &device{id: id, conn: conn}
	s.attach(d)
	defer s.detach(d)
	log := s.log.With(zap.String("devId", id))
	log.Info("Device connected")

	if err := conn.Send(s.deviceMappings(id)); err != nil {
		log.Warn("Failed to send mappings", zap.Error(err))
		return
	}
	for {
		env, err := conn.Recv()
		if err != nil {
			if message.IsParseError(err) {
				log.Warn("Dropping malformed message", zap.Error(err))
				continue
			}
			log.Info("Device disconnected", zap.Error(err))
			return
		}
		s.route(d, env, log)
	}
}

func (s *Server) attach(d *device) {
	s.mu.Lock()
	old := s.devices[d.id]
	s.devices[d.id] = d
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

func (s *Server) detach(d *device) {
	s.mu.Lock()
	if s.devices[d.id] == d {
		delete(s.devices, d.id)
	}
	s.mu.Unlock()
	d.conn.Close()
}

func (s *Server) deviceMappings(id string) *message.Envelope {
	env := &message.Envelope{Type: message.TypeUrgent, SubType: message.SubDeviceMappings}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pairs {
		if p.Importer == id {
			env.GuestPortMappings = append(env.GuestPortMappings,
				message.Mapping{PortMapID: p.PortMapID, Port: p.ListenPort, Disabled: p.Disabled})
		}
		if p.Exporter == id {
			env.HostPortMappings = append(env.HostPortMappings,
				message.Mapping{PortMapID: p.PortMapID, Port: p.ServicePort, Disabled: p.Disabled})
		}
	}
	return env
}

func (s *Server) route(d *device, env *message.Envelope, log *zap.Logger) {
	if env.Urgent() {
		switch env.SubType {
		case message.SubTunnel:
			s.forward(d, env, log)
		case message.SubAck:
			log.Debug("Agent acknowledged", zap.Int64("seq", env.SeqNum))
		default:
			log.Warn("Unexpected urgent message", zap.String("subType", env.SubType))
		}
		return
	}

	s.observeReply(d.id, env, log)
	d.mu.Lock()
	if env.SeqNum > d.acked {
		d.acked = env.SeqNum
	}
	ack := d.acked
	d.mu.Unlock()
	if err := d.conn.Send(message.NewAck(ack)); err != nil {
		log.Debug("Failed to ack", zap.Error(err))
	}
}

func (s *Server) observeReply(id string, env *message.Envelope, log *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch env.Type {
	case message.TypeListeningStarted:
		if p, err := strconv.Atoi(env.MappedPort); err == nil {
			s.mapped[env.PortMapID] = p
		}
	case message.TypeListeningStopped:
		delete(s.mapped, env.PortMapID)
	case message.TypePortOpened:
		s.exported[env.PortMapID] = true
	case message.TypePortClosed:
		delete(s.exported, env.PortMapID)
	}
	log.Info("Agent reply", zap.String("type", env.Type), zap.String("portMapId", env.PortMapID),
		zap.String("mappedPort", env.MappedPort))
}

// forward passes a TUNNEL message to the other device of its mapping, or
// answers NO_ROUTE when that device is not connected.
func (s *Server) forward(from *device, env *message.Envelope, log *zap.Logger) {
	s.mu.Lock()
	p, ok := s.pairs[env.PortMapID]
	var peerID string
	switch {
	case !ok:
	case p.Exporter == from.id:
		peerID = p.Importer
	case p.Importer == from.id:
		peerID = p.Exporter
	}
	peer := s.devices[peerID]
	s.mu.Unlock()

	if peer == nil {
		log.Debug("No route", zap.String("portMapId", env.PortMapID), zap.String("peer", peerID))
		if err := from.conn.Send(message.NewNoRoute(env.PortMapID, env.ConnTS, peerID, "device offline")); err != nil {
			log.Debug("Failed to send NO_ROUTE", zap.Error(err))
		}
		return
	}
	if err := peer.conn.Send(env); err != nil {
		log.Debug("Failed to forward tunnel", zap.String("peer", peerID), zap.Error(err))
	}
}

// ClosePort withdraws a mapping from both devices.
func (s *Server) ClosePort(portMapID string) error {
	s.mu.Lock()
	p, ok := s.pairs[portMapID]
	if !ok {
		s.mu.Unlock()
		return errors.New("relay: unknown mapping " + portMapID)
	}
	delete(s.pairs, portMapID)
	exporter, importer := s.devices[p.Exporter], s.devices[p.Importer]
	s.mu.Unlock()

	var errs []error
	if exporter != nil {
		errs = append(errs, s.sendReliable(exporter, message.TypeClosePort, portMapID))
	}
	if importer != nil {
		errs = append(errs, s.sendReliable(importer, message.TypeStopListen, portMapID))
	}
	return errors.Join(errs...)
}

func (s *Server) sendReliable(d *device, typ, portMapID string) error {
	s.mu.Lock()
	s.seqs[d.id]++
	seq := s.seqs[d.id]
	s.mu.Unlock()
	return d.conn.Send(&message.Envelope{Type: typ, SeqNum: seq, PortMapID: portMapID})
}

// MappedPort returns the importer's local port for a mapping once the
// importer has reported it.
func (s *Server) MappedPort(portMapID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.mapped[portMapID]
	return p, ok
}

// Exported reports whether the exporter confirmed a mapping.
func (s *Server) Exported(portMapID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exported[portMapID]
}
