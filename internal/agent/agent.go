// Package agent is the tunnel agent: it keeps a control channel to the
// relay, applies the port mappings the relay assigns, and carries each
// tunneled TCP connection over a reliable stream engine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cpe-tunnel/internal/config"
	"cpe-tunnel/internal/engine"
	"cpe-tunnel/internal/localnet"
	"cpe-tunnel/internal/message"
	"cpe-tunnel/internal/messenger"
	"cpe-tunnel/internal/supervisor"
	"cpe-tunnel/internal/transport"
)

// Option customizes an Agent.
type Option func(*Agent)

func WithDialer(d transport.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

func WithBinder(b Binder) Option {
	return func(a *Agent) { a.binder = b }
}

func WithEngines(f engine.Factory) Option {
	return func(a *Agent) { a.engines = f }
}

func WithNotifier(n Notifier) Option {
	return func(a *Agent) { a.notifier = n }
}

func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

type Agent struct {
	cfg       *config.Config
	dialer    transport.Dialer
	messenger *messenger.Messenger
	binder    Binder
	engines   engine.Factory
	notifier  Notifier
	clock     clock.Clock
	registry  *prometheus.Registry
	metrics   *Metrics
	log       *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Agent, error) {
	log = log.Named("agent")
	a := &Agent{
		cfg:      cfg,
		clock:    clock.New(),
		registry: prometheus.NewRegistry(),
		log:      log,
	}
	for _, o := range opts {
		o(a)
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = NewMetrics(a.registry)

	if a.dialer == nil {
		d, err := newDialer(cfg, log)
		if err != nil {
			return nil, err
		}
		a.dialer = d
	}
	if a.binder == nil {
		a.binder = localnet.NewBinder(cfg.Tunnel.ListenHost(), cfg.Tunnel.DialHost(), cfg.Tunnel.DialTimeout(), log)
	}
	if a.engines == nil {
		a.engines = engine.NewKCPFactory(engine.Options{
			MTU:      cfg.Tunnel.EngineMTU(),
			Window:   cfg.Tunnel.EngineWindow(),
			Interval: cfg.Tunnel.Clock(),
		})
	}
	if a.notifier == nil {
		a.notifier = LogNotifier(log.Named("notify"))
	}
	a.messenger = messenger.New(cfg.Messenger.Min(), cfg.Messenger.Max(), a.clock, log)
	return a, nil
}

func newDialer(cfg *config.Config, log *zap.Logger) (transport.Dialer, error) {
	if cfg.Relay.URL == "" {
		return nil, errors.New("relay.url is required")
	}
	switch cfg.Relay.TransportName() {
	case config.TransportYamux:
		return &transport.YamuxDialer{
			Addr:             cfg.Relay.URL,
			DeviceID:         cfg.DeviceID,
			Token:            cfg.Token,
			HandshakeTimeout: cfg.Relay.Handshake(),
			Log:              log,
		}, nil
	default:
		return &transport.WebSocketDialer{
			URL:              cfg.Relay.URL,
			DeviceID:         cfg.DeviceID,
			Token:            cfg.Token,
			HandshakeTimeout: cfg.Relay.Handshake(),
			Log:              log,
		}, nil
	}
}

// Run keeps the agent connected until ctx is done or reconnecting gives
// up.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.messenger.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return a.serveMetrics(ctx, addr) })
	}
	if sock := a.cfg.Supervisor.Socket; sock != "" {
		g.Go(func() error {
			return supervisor.Heartbeat(ctx, sock, a.cfg.Supervisor.Heartbeat(), a.log)
		})
	}
	g.Go(func() error { return a.connectLoop(ctx) })
	return g.Wait()
}

func (a *Agent) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	a.log.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Agent) connectLoop(ctx context.Context) error {
	b := &backoff.Backoff{Max: a.cfg.Relay.RetryInterval(), Jitter: true}
	limit := a.cfg.Relay.RetryLimit()
	for {
		connected, err := a.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		if limit >= 0 && int(b.Attempt()) >= limit {
			return fmt.Errorf("relay unreachable after %d attempts: %w", limit, err)
		}
		d := b.Duration()
		a.log.Warn("Control channel down, reconnecting", zap.Error(err), zap.Duration("delay", d))
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(d):
		}
	}
}

// serve runs one control channel from dial to disconnect.
func (a *Agent) serve(ctx context.Context) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, a.cfg.Relay.Handshake())
	conn, err := a.dialer.Dial(dctx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ch := NewChannel(conn, ChannelOptions{
		Tunnel:    a.cfg.Tunnel,
		Messenger: a.messenger,
		Binder:    a.binder,
		Engines:   a.engines,
		Notifier:  a.notifier,
		Clock:     a.clock,
		Metrics:   a.metrics,
		Log:       a.log,
	})
	defer func() {
		a.messenger.Detach()
		if err := ch.Close(); err != nil {
			a.log.Warn("Errors while resetting channel", zap.Error(err))
		}
		_ = conn.Close()
	}()
	if err := ch.Start(); err != nil {
		return false, err
	}
	a.messenger.Attach(conn)
	a.log.Info("Connected to relay", zap.String("channel", ch.ID()))

	for {
		env, err := conn.Recv()
		if err != nil {
			if message.IsParseError(err) {
				a.log.Warn("Dropping malformed message", zap.Error(err))
				continue
			}
			return true, err
		}
		ch.Handle(env)
	}
}
