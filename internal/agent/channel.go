package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cpe-tunnel/internal/config"
	"cpe-tunnel/internal/engine"
	"cpe-tunnel/internal/message"
)

// ChannelOptions are the collaborators a Channel works with.
type ChannelOptions struct {
	Tunnel    config.TunnelConfig
	Messenger Messenger
	Binder    Binder
	Engines   engine.Factory
	Notifier  Notifier
	Clock     clock.Clock
	Metrics   *Metrics
	Log       *zap.Logger
}

// Channel is the state bound to one control-channel connection: the port
// registry, the session table and the acknowledgement counter. Everything
// it owns is released by Close.
type Channel struct {
	id        string
	raw       Sender
	cfg       config.TunnelConfig
	messenger Messenger
	binder    Binder
	engines   engine.Factory
	notify    Notifier
	clock     clock.Clock
	metrics   *Metrics
	log       *zap.Logger

	ackMu   sync.Mutex
	lastAck int64

	mappingsSeen atomic.Bool
	closed       atomic.Bool

	// bindMu serializes check-then-bind sequences on the import map.
	bindMu   sync.Mutex
	ports    *portTable
	sessions *sessionTable

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChannel(raw Sender, opts ChannelOptions) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier(opts.Log)
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		id:        id,
		raw:       raw,
		cfg:       opts.Tunnel,
		messenger: opts.Messenger,
		binder:    opts.Binder,
		engines:   opts.Engines,
		notify:    opts.Notifier,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		log:       opts.Log.With(zap.String("channel", id)),
		ports:     newPortTable(),
		sessions:  newSessionTable(),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Channel) ID() string { return c.id }

// Start primes the relay with the last acknowledged sequence number and
// starts the engine scheduler and the idle reaper.
func (c *Channel) Start() error {
	last := c.messenger.LastAck()
	c.ackMu.Lock()
	c.lastAck = last
	c.ackMu.Unlock()
	if err := c.raw.Send(message.NewAck(last)); err != nil {
		return fmt.Errorf("initial ack: %w", err)
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runScheduler(c.ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.runReaper(c.ctx)
	}()
	c.log.Info("Control channel started", zap.Int64("lastAck", last))
	return nil
}

// Handle dispatches one inbound envelope. Failures are logged and never
// propagate to the control channel.
func (c *Channel) Handle(env *message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Panic while handling message", zap.Stringer("msg", env), zap.Any("panic", r))
		}
	}()
	c.metrics.messages.WithLabelValues(env.Kind()).Inc()

	var err error
	if env.Urgent() {
		err = c.handleUrgent(env)
	} else {
		err = c.handleReliable(env)
	}
	if err != nil {
		if ce := c.log.Check(errorLevel(err), "Failed to handle message"); ce != nil {
			ce.Write(zap.String("kind", env.Kind()), zap.Error(err))
		}
	}
}

func (c *Channel) handleUrgent(env *message.Envelope) error {
	switch env.SubType {
	case message.SubTunnel:
		return c.handleTunnel(env)
	case message.SubAck:
		c.messenger.ProcessAck(env.SeqNum)
		return nil
	case message.SubDeviceMappings:
		if !c.mappingsSeen.CompareAndSwap(false, true) {
			c.log.Debug("Ignoring repeated device mappings")
			return nil
		}
		c.reconcile(env.GuestPortMappings, env.HostPortMappings)
		return nil
	case message.SubNoRoute:
		return c.handleNoRoute(env)
	}
	return fmt.Errorf("%w: urgent %q", ErrUnknownType, env.SubType)
}

// handleReliable acknowledges every sequenced message, including ones
// whose handler fails.
func (c *Channel) handleReliable(env *message.Envelope) error {
	seq := c.observeSeq(env.SeqNum)
	defer c.ack(seq)

	switch env.Type {
	case message.TypeStartListening:
		return c.startImport(env.PortMapID)
	case message.TypeOpenPort:
		return c.openExport(env.PortMapID, env.SvcPort)
	case message.TypeClosePort, message.TypeStopListen:
		return c.finishMapping(env.PortMapID, env.Type)
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// observeSeq raises the acknowledgement counter to seq; it never goes
// down.
func (c *Channel) observeSeq(seq int64) int64 {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if seq > c.lastAck {
		c.lastAck = seq
	}
	return c.lastAck
}

func (c *Channel) ack(seq int64) {
	c.send(message.NewAck(seq))
	c.messenger.SetLastAck(seq)
	c.metrics.acks.Inc()
}

func (c *Channel) send(env *message.Envelope) {
	var err error
	if env.Urgent() {
		err = c.messenger.SendImmediate(env)
	} else {
		err = c.messenger.SendOrdered(env)
	}
	if err != nil {
		c.log.Debug("Send failed", zap.String("kind", env.Kind()), zap.Error(err))
	}
}

func (c *Channel) sendTunnel(s *Session, pkt []byte) {
	c.send(message.NewTunnel(s.Key.PortMapID, s.Key.ConnTS, s.ServiceSide, pkt))
}

func (c *Channel) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Close releases everything bound to the channel: sessions, listeners
// and both mapping tables. It is safe to call more than once.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	var err error
	for _, s := range c.sessions.clear() {
		if s.finish() {
			s.engine.Close(true)
			err = multierr.Append(err, s.closeLocal())
			c.metrics.sessionsClosed.WithLabelValues("reset").Inc()
		}
	}
	for _, e := range c.ports.clear() {
		err = multierr.Append(err, e.listener.Close())
	}
	c.wg.Wait()

	c.metrics.sessions.Set(0)
	c.updateMappingGauges()
	c.log.Info("Control channel reset")
	return err
}
