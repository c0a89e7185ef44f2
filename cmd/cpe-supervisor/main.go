package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"cpe-tunnel/internal/config"
	"cpe-tunnel/internal/logging"
	"cpe-tunnel/internal/supervisor"
)

func main() {
	agentID := pflag.String("id", "agent-123", "unique agent ID")
	agentBin := pflag.String("agent", "cpe-agent", "agent binary")
	agentCfg := pflag.StringP("config", "c", "/etc/cpe-tunnel/agent.yaml", "agent configuration file")
	socketDir := pflag.String("socket-dir", "/tmp", "directory for the control socket")
	maxRetries := pflag.Int("max-retries", 10, "consecutive agent failures before giving up")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	log, err := logging.New(config.LogConfig{Level: *level})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to set up logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	socket := fmt.Sprintf("%s/cpe_%s.sock", *socketDir, *agentID)
	launch := supervisor.ExecLauncher(*agentBin, []string{"--config", *agentCfg, "--id", *agentID}, socket)
	s := supervisor.New(supervisor.Config{Socket: socket, MaxRetries: *maxRetries}, launch, log.With(zap.String("agent", *agentID)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Supervisor stopped", zap.Error(err))
	}
}
