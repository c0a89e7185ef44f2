package agent

import (
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"cpe-tunnel/internal/localnet"
	"cpe-tunnel/internal/message"
)

const maxPort = 65535

func (c *Channel) openExport(id, svcPort string) error {
	if id == "" {
		return fmt.Errorf("%w: portMapId in %s", ErrMissingField, message.TypeOpenPort)
	}
	if c.ports.setExport(id, svcPort) {
		c.log.Info("Port exported", zap.String("portMapId", id), zap.String("svcPort", svcPort))
		c.notify.Notify(fmt.Sprintf("Your port %s is shared with someone.", svcPort))
	} else {
		c.log.Debug("Export already registered", zap.String("portMapId", id))
	}
	c.updateMappingGauges()
	c.send(message.NewReply(message.TypePortOpened, id))
	return nil
}

// startImport binds a local port for id. A second request for an id that
// is already bound answers with the existing port.
func (c *Channel) startImport(id string) error {
	if id == "" {
		return fmt.Errorf("%w: portMapId in %s", ErrMissingField, message.TypeStartListening)
	}
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	if e, ok := c.ports.importFor(id); ok {
		c.log.Debug("Import already bound", zap.String("portMapId", id), zap.Int("port", e.port))
		c.send(message.NewListeningStarted(e.port, id))
		return nil
	}
	l, err := c.listenAny(id)
	if err != nil {
		return err
	}
	c.listeningStarted(id, l)
	return nil
}

// listenAny scans upward from the starting port for a free one.
func (c *Channel) listenAny(id string) (localnet.Listener, error) {
	for port := c.cfg.Port(); port <= maxPort; port++ {
		l, err := c.binder.Listen(port, c.acceptor(id))
		if err == nil {
			return l, nil
		}
	}
	c.metrics.bindFailures.Inc()
	return nil, fmt.Errorf("%w: mapping %s from port %d", ErrBindExhausted, id, c.cfg.Port())
}

func (c *Channel) acceptor(id string) func(net.Conn) {
	return func(conn net.Conn) {
		c.acceptLocal(id, conn)
	}
}

func (c *Channel) listeningStarted(id string, l localnet.Listener) {
	c.ports.putImport(&importEntry{portMapID: id, port: l.Port(), listener: l})
	c.updateMappingGauges()
	c.log.Info("Listening started", zap.String("portMapId", id), zap.Int("port", l.Port()))
	c.send(message.NewListeningStarted(l.Port(), id))
	c.notify.Notify(fmt.Sprintf("Listening started on port %d", l.Port()))
}

// finishMapping tears down an import or export: every session bound to
// it is closed with REMOTE_CLOSE, the listener is released and the relay
// gets the matching reply.
func (c *Channel) finishMapping(id, kind string) error {
	if id == "" {
		return fmt.Errorf("%w: portMapId in %s", ErrMissingField, kind)
	}
	port := -1
	imp, isImport := c.ports.removeImport(id)
	if isImport {
		port = imp.port
		if err := imp.listener.Close(); err != nil {
			c.log.Warn("Failed to close listener", zap.Int("port", imp.port), zap.Error(err))
		}
	}
	svc, isExport := c.ports.removeExport(id)
	if port == -1 && isExport {
		if p, err := strconv.Atoi(svc); err == nil {
			port = p
		}
	}
	c.updateMappingGauges()

	for _, s := range c.sessions.forMapping(id) {
		c.finalize(s, "mapping_closed")
	}

	reply := message.TypePortClosed
	text := "Port %d is no longer shared."
	if kind == message.TypeStopListen {
		reply = message.TypeListeningStopped
		text = "Listening stopped on port %d"
	}
	c.send(message.NewReply(reply, id))
	if port != -1 {
		c.notify.Notify(fmt.Sprintf(text, port))
	}
	c.log.Info("Mapping closed", zap.String("portMapId", id), zap.String("op", kind), zap.Int("port", port))
	return nil
}

// reconcile applies the relay's authoritative mapping list. Guests whose
// requested port cannot be bound are retried against any free port once
// every other guest has been placed.
func (c *Channel) reconcile(guests, hosts []message.Mapping) {
	c.bindMu.Lock()
	var retry []message.Mapping
	for _, m := range guests {
		if m.Disabled {
			c.send(message.NewReply(message.TypeListeningStopped, m.PortMapID))
			continue
		}
		if e, ok := c.ports.importFor(m.PortMapID); ok {
			c.send(message.NewListeningStarted(e.port, m.PortMapID))
			continue
		}
		port := requestedPort(m.Port)
		var (
			l   localnet.Listener
			err error
		)
		if port < 0 {
			l, err = c.listenAny(m.PortMapID)
		} else {
			l, err = c.binder.Listen(port, c.acceptor(m.PortMapID))
		}
		if err != nil {
			c.log.Debug("Requested port unavailable", zap.String("portMapId", m.PortMapID),
				zap.String("port", m.Port), zap.Error(err))
			retry = append(retry, m)
			continue
		}
		c.listeningStarted(m.PortMapID, l)
	}
	for _, m := range retry {
		l, err := c.listenAny(m.PortMapID)
		if err != nil {
			c.log.Error("Can't find an available port to listen", zap.String("portMapId", m.PortMapID), zap.Error(err))
			continue
		}
		c.listeningStarted(m.PortMapID, l)
	}
	c.bindMu.Unlock()

	for _, m := range hosts {
		if m.Disabled {
			c.send(message.NewReply(message.TypePortClosed, m.PortMapID))
			continue
		}
		if err := c.openExport(m.PortMapID, m.Port); err != nil {
			c.log.Warn("Skipping host mapping", zap.Error(err))
		}
	}
}

// requestedPort returns -1 for "any port".
func requestedPort(s string) int {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > maxPort {
		return -1
	}
	return p
}

func (c *Channel) updateMappingGauges() {
	imports, exports := c.ports.counts()
	c.metrics.imports.Set(float64(imports))
	c.metrics.exports.Set(float64(exports))
}
