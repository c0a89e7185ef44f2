package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"cpe-tunnel/internal/agent"
	"cpe-tunnel/internal/config"
	"cpe-tunnel/internal/logging"
	"cpe-tunnel/internal/supervisor"
)

func main() {
	cfgPath := pflag.StringP("config", "c", "/etc/cpe-tunnel/agent.yaml", "agent configuration file")
	level := pflag.String("log-level", "", "override log.level")
	deviceID := pflag.String("id", "", "override device_id")
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	// started by the supervisor
	if cfg.Supervisor.Socket == "" {
		cfg.Supervisor.Socket = os.Getenv(supervisor.SocketEnv)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to set up logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create agent", zap.Error(err))
	}
	log.Info("Agent starting", zap.String("devId", cfg.DeviceID), zap.String("relay", cfg.Relay.URL))
	if err := a.Run(ctx); err != nil {
		log.Fatal("Agent stopped", zap.Error(err))
	}
}
