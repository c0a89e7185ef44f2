package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cpe-tunnel/internal/logging"
	"cpe-tunnel/internal/relay"
)

func main() {
	cfgPath := pflag.StringP("config", "c", "/etc/cpe-tunnel/relay.yaml", "relay configuration file")
	listen := pflag.String("listen", "", "override listen (yamux agents)")
	httpAddr := pflag.String("http", "", "override http (websocket agents)")
	pflag.Parse()

	cfg, err := relay.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *httpAddr != "" {
		cfg.HTTP = *httpAddr
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to set up logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := relay.New(cfg, log)
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Listen != "" {
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			log.Fatal("Failed to listen", zap.String("addr", cfg.Listen), zap.Error(err))
		}
		g.Go(func() error { return s.Serve(ctx, l) })
	}
	if cfg.HTTP != "" {
		mux := http.NewServeMux()
		mux.Handle("/tunnel", s)
		srv := &http.Server{Addr: cfg.HTTP, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			log.Info("Serving websocket agents", zap.String("addr", cfg.HTTP))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal("Relay stopped", zap.Error(err))
	}
}
